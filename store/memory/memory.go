/*
Package memory provides an in-memory implementation of every store
interface. Used by tests and for ephemeral dev runs.

The WithTx contract is simulated with snapshot + rollback on error, the
same way the production SQLite store uses a database transaction.
*/
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/withdrawal"
)

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	mu sync.RWMutex

	accounts map[ledger.AccountID]ledger.Account
	entries  []ledger.Entry
	entryIdx map[ledger.EntryID]int
	// refs keys (account|type|ref|bucket); anyRefs keys (account|type|ref)
	refs    map[string]bool
	anyRefs map[string]bool

	withdrawals map[string]withdrawal.Request
	targets     map[string]withdrawal.PaymentTarget
	refunds     map[string]refund.Request
	auditLog    []audit.Entry
}

func New() *Store {
	return &Store{
		accounts:    make(map[ledger.AccountID]ledger.Account),
		entryIdx:    make(map[ledger.EntryID]int),
		refs:        make(map[string]bool),
		anyRefs:     make(map[string]bool),
		withdrawals: make(map[string]withdrawal.Request),
		targets:     make(map[string]withdrawal.PaymentTarget),
		refunds:     make(map[string]refund.Request),
	}
}

func refKey(id ledger.AccountID, t ledger.EntryType, ref string, bucket ledger.Bucket) string {
	return string(id) + "|" + string(t) + "|" + ref + "|" + string(bucket)
}

func anyRefKey(id ledger.AccountID, t ledger.EntryType, ref string) string {
	return string(id) + "|" + string(t) + "|" + ref
}

// =============================================================================
// LEDGER STORE (ledger.Store + ledger.TxStore)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccountLocked(id)
}

func (s *Store) getAccountLocked(id ledger.AccountID) (*ledger.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := a
	return &cp, nil
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntryLocked(e)
}

func (s *Store) appendEntryLocked(e ledger.Entry) error {
	k := refKey(e.AccountID, e.Type, e.ReferenceID, e.Bucket)
	if s.refs[k] {
		return ledger.ErrDuplicateReference
	}
	s.entries = append(s.entries, e)
	s.entryIdx[e.ID] = len(s.entries) - 1
	s.refs[k] = true
	s.anyRefs[anyRefKey(e.AccountID, e.Type, e.ReferenceID)] = true
	return nil
}

func (s *Store) EntriesByAccount(ctx context.Context, id ledger.AccountID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.AccountID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) EntryByID(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryByIDLocked(id)
}

func (s *Store) entryByIDLocked(id ledger.EntryID) (*ledger.Entry, error) {
	i, ok := s.entryIdx[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	cp := s.entries[i]
	return &cp, nil
}

func (s *Store) MarkReversed(ctx context.Context, id ledger.EntryID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markReversedLocked(id)
}

func (s *Store) markReversedLocked(id ledger.EntryID) error {
	i, ok := s.entryIdx[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if s.entries[i].Status == ledger.EntryReversed {
		return ledger.ErrEntryReversed
	}
	s.entries[i].Status = ledger.EntryReversed
	return nil
}

func (s *Store) HasReference(ctx context.Context, id ledger.AccountID, t ledger.EntryType, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anyRefs[anyRefKey(id, t, ref)], nil
}

// WithTx simulates a transaction: snapshot the ledger-side state, run fn
// against an unlocked view, restore on error.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{parent: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts map[ledger.AccountID]ledger.Account
	entries  []ledger.Entry
	entryIdx map[ledger.EntryID]int
	refs     map[string]bool
	anyRefs  map[string]bool
}

func (s *Store) snapshot() memorySnapshot {
	accounts := make(map[ledger.AccountID]ledger.Account, len(s.accounts))
	for k, v := range s.accounts {
		accounts[k] = v
	}
	entries := append([]ledger.Entry{}, s.entries...)
	entryIdx := make(map[ledger.EntryID]int, len(s.entryIdx))
	for k, v := range s.entryIdx {
		entryIdx[k] = v
	}
	refs := make(map[string]bool, len(s.refs))
	for k, v := range s.refs {
		refs[k] = v
	}
	anyRefs := make(map[string]bool, len(s.anyRefs))
	for k, v := range s.anyRefs {
		anyRefs[k] = v
	}
	return memorySnapshot{accounts: accounts, entries: entries, entryIdx: entryIdx, refs: refs, anyRefs: anyRefs}
}

func (s *Store) restore(snap memorySnapshot) {
	s.accounts = snap.accounts
	s.entries = snap.entries
	s.entryIdx = snap.entryIdx
	s.refs = snap.refs
	s.anyRefs = snap.anyRefs
}

// txView is the unlocked view handed to WithTx callbacks. The parent's
// mutex is already held.
type txView struct {
	parent *Store
}

func (v *txView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return v.parent.getAccountLocked(id)
}

func (v *txView) SaveAccount(_ context.Context, a ledger.Account) error {
	v.parent.accounts[a.ID] = a
	return nil
}

func (v *txView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	out := make([]ledger.Account, 0, len(v.parent.accounts))
	for _, a := range v.parent.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (v *txView) AppendEntry(_ context.Context, e ledger.Entry) error {
	return v.parent.appendEntryLocked(e)
}

func (v *txView) EntriesByAccount(_ context.Context, id ledger.AccountID) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range v.parent.entries {
		if e.AccountID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *txView) EntryByID(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return v.parent.entryByIDLocked(id)
}

func (v *txView) MarkReversed(_ context.Context, id ledger.EntryID, _ time.Time) error {
	return v.parent.markReversedLocked(id)
}

func (v *txView) HasReference(_ context.Context, id ledger.AccountID, t ledger.EntryType, ref string) (bool, error) {
	return v.parent.anyRefs[anyRefKey(id, t, ref)], nil
}

// =============================================================================
// WITHDRAWAL STORE
// =============================================================================

func (s *Store) SaveWithdrawal(ctx context.Context, r withdrawal.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawals[r.ID] = r
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.withdrawals[id]
	if !ok {
		return nil, ledger.ErrRequestNotFound
	}
	cp := r
	return &cp, nil
}

func (s *Store) WithdrawalsByUser(ctx context.Context, userID ledger.AccountID) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []withdrawal.Request
	for _, r := range s.withdrawals {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) WithdrawalsByStatus(ctx context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []withdrawal.Request
	for _, r := range s.withdrawals {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) CountWithdrawalsSince(ctx context.Context, userID ledger.AccountID, since, until time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.withdrawals {
		if r.UserID == userID &&
			r.Status != withdrawal.StatusRejected &&
			!r.CreatedAt.Before(since) && r.CreatedAt.Before(until) {
			count++
		}
	}
	return count, nil
}

func (s *Store) SavePaymentTarget(ctx context.Context, t withdrawal.PaymentTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
	return nil
}

func (s *Store) GetPaymentTarget(ctx context.Context, id string) (*withdrawal.PaymentTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, ledger.ErrTargetNotFound
	}
	cp := t
	return &cp, nil
}

func (s *Store) PaymentTargetsByUser(ctx context.Context, userID ledger.AccountID) ([]withdrawal.PaymentTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []withdrawal.PaymentTarget
	for _, t := range s.targets {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// =============================================================================
// REFUND STORE
// =============================================================================

func (s *Store) SaveRefund(ctx context.Context, r refund.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[r.ID] = r
	return nil
}

func (s *Store) GetRefund(ctx context.Context, id string) (*refund.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, ledger.ErrRequestNotFound
	}
	cp := r
	return &cp, nil
}

func (s *Store) RefundsByUser(ctx context.Context, userID ledger.AccountID) ([]refund.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []refund.Request
	for _, r := range s.refunds {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) RefundsByStatus(ctx context.Context, status refund.Status) ([]refund.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []refund.Request
	for _, r := range s.refunds {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) HasRefundForPair(ctx context.Context, userID ledger.AccountID, fromLevel, toLevel int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.refunds {
		if r.UserID == userID && r.FromLevel == fromLevel && r.ToLevel == toLevel {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// AUDIT STORE
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, e)
	return nil
}

func (s *Store) AuditByTarget(ctx context.Context, targetType audit.TargetType, targetID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.auditLog {
		if e.TargetType == targetType && e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) AuditByActor(ctx context.Context, actorID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.auditLog {
		if e.ActorID != nil && *e.ActorID == actorID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) AuditCountByAction(ctx context.Context) (map[audit.Action]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[audit.Action]int)
	for _, e := range s.auditLog {
		out[e.Action]++
	}
	return out, nil
}
