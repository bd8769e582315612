/*
ledger.go - Balance mutations: credit, debit, adjust, reverse

PURPOSE:

	The Service is the only component permitted to move money. Lifecycle
	managers and the commission engine call it; nothing else writes a balance
	field. Every mutation appends an immutable entry and updates the cached
	account projection in one store transaction.

CONCURRENCY DISCIPLINE:

	All mutations for one account are serialized by a per-account mutex
	(single-writer-per-account). Mutations on different accounts proceed in
	parallel. A commission fan-out touching three accounts is NOT one atomic
	multi-account transaction: each account's update is independently atomic
	and the fan-out is retryable through idempotent reference keys.

CORRECTIONS:

	Mistakes are never edited away. Reverse() flips the original entry to
	REVERSED and posts a compensating entry of the opposite sign; both stay in
	the ledger and the fold nets to the corrected balance.

SEE ALSO:
  - store.go: The persistence boundary
  - reconcile.go: Cache-vs-fold reconciliation
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/metrics"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service is the sole authority for account balances.
type Service struct {
	store TxStore
	audit *audit.Recorder

	mu    sync.Mutex
	locks map[AccountID]*sync.Mutex
}

func NewService(store TxStore, rec *audit.Recorder) *Service {
	return &Service{
		store: store,
		audit: rec,
		locks: make(map[AccountID]*sync.Mutex),
	}
}

// lockAccount returns the mutex serializing mutations for one account.
func (s *Service) lockAccount(id AccountID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// CreateAccount registers a new account with zero balances at tier 1.
// The referrer link is set once here and never changes afterwards.
func (s *Service) CreateAccount(ctx context.Context, id AccountID, referrerID *AccountID) (*Account, error) {
	if referrerID != nil {
		if _, err := s.store.GetAccount(ctx, *referrerID); err != nil {
			return nil, fmt.Errorf("referrer: %w", err)
		}
	}

	a := Account{
		ID:                id,
		Status:            AccountActive,
		TierLevel:         1,
		SecurityDeposit:   NewAmountFromInt(0, UnitPKR),
		WalletBalance:     NewAmountFromInt(0, UnitPKR),
		CommissionBalance: NewAmountFromInt(0, UnitPKR),
		ReferrerID:        referrerID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.SaveAccount(ctx, a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SetStatus changes the account status. Commission eligibility is evaluated
// against this at posting time, so flipping to inactive takes effect on the
// very next fan-out.
func (s *Service) SetStatus(ctx context.Context, id AccountID, status AccountStatus) error {
	lock := s.lockAccount(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	from := a.Status
	a.Status = status
	if err := s.store.SaveAccount(ctx, *a); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:      audit.ActionStatusChanged,
		TargetType:  audit.TargetAccount,
		TargetID:    string(id),
		Description: fmt.Sprintf("account status %s -> %s", from, status),
		Details:     &audit.StatusChangedDetail{From: string(from), To: string(status)},
	})
	return nil
}

// UpgradeTier raises the account's tier and records the new locked deposit.
// Tier level is monotonically non-decreasing for a given account.
func (s *Service) UpgradeTier(ctx context.Context, id AccountID, toLevel int, deposit Amount) (*Account, error) {
	lock := s.lockAccount(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if toLevel <= a.TierLevel {
		return nil, fmt.Errorf("upgrade %s from %d to %d: %w", id, a.TierLevel, toLevel, ErrTierNotHigher)
	}
	fromLevel := a.TierLevel
	a.TierLevel = toLevel
	a.SecurityDeposit = deposit
	if err := s.store.SaveAccount(ctx, *a); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:      audit.ActionTierUpgraded,
		TargetType:  audit.TargetAccount,
		TargetID:    string(id),
		Description: fmt.Sprintf("tier %d -> %d, deposit %v locked", fromLevel, toLevel, deposit.Value),
		Details: &audit.TierUpgradedDetail{
			FromLevel: fromLevel,
			ToLevel:   toLevel,
			Deposit:   deposit.Value.String(),
		},
	})
	return a, nil
}

// GetAccount returns the account projection.
func (s *Service) GetAccount(ctx context.Context, id AccountID) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ListAccounts returns every account.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx)
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

// Credit appends a COMPLETED credit entry and updates the cached balance for
// the bucket the entry type maps to. Fails with ErrDuplicateReference if the
// reference was already posted for this account and type; retried events are
// therefore no-ops.
func (s *Service) Credit(ctx context.Context, id AccountID, amount Amount, t EntryType, ref string) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %v", amount.Value)
	}

	lock := s.lockAccount(id)
	lock.Lock()
	defer lock.Unlock()

	var entry Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		a, err := st.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		exists, err := st.HasReference(ctx, id, t, ref)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateReference
		}

		bucket := BucketFor(t)
		after := s.applyToBucket(a, bucket, amount)

		entry = Entry{
			ID:           EntryID(uuid.NewString()),
			AccountID:    id,
			Type:         t,
			Bucket:       bucket,
			Amount:       amount,
			BalanceAfter: after,
			ReferenceID:  ref,
			Status:       EntryCompleted,
			CreatedAt:    time.Now().UTC(),
		}
		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return st.SaveAccount(ctx, *a)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(t)).Inc()
	return &entry, nil
}

// Debit removes amount from the account's spendable balance (wallet plus
// commission), draining the wallet first. It appends one entry per touched
// bucket, atomically. Fails with InsufficientBalanceError if the projected
// spendable balance would go negative; the debit is rejected, never clamped.
func (s *Service) Debit(ctx context.Context, id AccountID, amount Amount, t EntryType, ref string) ([]Entry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive, got %v", amount.Value)
	}

	lock := s.lockAccount(id)
	lock.Lock()
	defer lock.Unlock()

	var entries []Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		a, err := st.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		exists, err := st.HasReference(ctx, id, t, ref)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateReference
		}
		if a.Spendable().LessThan(amount) {
			return &InsufficientBalanceError{
				AccountID: id,
				Available: a.Spendable(),
				Requested: amount,
			}
		}

		// Wallet first, remainder from commission.
		walletPart := amount.Min(a.WalletBalance)
		commissionPart := amount.Sub(walletPart)

		now := time.Now().UTC()
		entries = entries[:0]
		if walletPart.IsPositive() {
			after := s.applyToBucket(a, BucketWallet, walletPart.Neg())
			entries = append(entries, Entry{
				ID:           EntryID(uuid.NewString()),
				AccountID:    id,
				Type:         t,
				Bucket:       BucketWallet,
				Amount:       walletPart.Neg(),
				BalanceAfter: after,
				ReferenceID:  ref,
				Status:       EntryCompleted,
				CreatedAt:    now,
			})
		}
		if commissionPart.IsPositive() {
			after := s.applyToBucket(a, BucketCommission, commissionPart.Neg())
			entries = append(entries, Entry{
				ID:           EntryID(uuid.NewString()),
				AccountID:    id,
				Type:         t,
				Bucket:       BucketCommission,
				Amount:       commissionPart.Neg(),
				BalanceAfter: after,
				ReferenceID:  ref,
				Status:       EntryCompleted,
				CreatedAt:    now,
			})
		}

		for _, e := range entries {
			if err := st.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		return st.SaveAccount(ctx, *a)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(t)).Inc()
	return entries, nil
}

// Adjust posts a signed manual correction against one bucket. Negative
// adjustments are subject to the same non-negative invariant as debits.
func (s *Service) Adjust(ctx context.Context, id AccountID, bucket Bucket, delta Amount, ref, reason string) (*Entry, error) {
	if delta.IsZero() {
		return nil, fmt.Errorf("adjustment delta must be non-zero")
	}

	lock := s.lockAccount(id)
	lock.Lock()
	defer lock.Unlock()

	var entry Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		a, err := st.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		exists, err := st.HasReference(ctx, id, EntryAdjustment, ref)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateReference
		}
		if s.bucketBalance(a, bucket).Add(delta).IsNegative() {
			return &InsufficientBalanceError{
				AccountID: id,
				Available: s.bucketBalance(a, bucket),
				Requested: delta.Neg(),
			}
		}

		after := s.applyToBucket(a, bucket, delta)
		entry = Entry{
			ID:           EntryID(uuid.NewString()),
			AccountID:    id,
			Type:         EntryAdjustment,
			Bucket:       bucket,
			Amount:       delta,
			BalanceAfter: after,
			ReferenceID:  ref,
			Status:       EntryCompleted,
			Reason:       reason,
			CreatedAt:    time.Now().UTC(),
		}
		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return st.SaveAccount(ctx, *a)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(EntryAdjustment)).Inc()
	s.audit.Record(ctx, audit.Entry{
		Action:      audit.ActionAdjustmentPosted,
		TargetType:  audit.TargetEntry,
		TargetID:    string(entry.ID),
		Description: fmt.Sprintf("manual %s adjustment of %v on %s", bucket, delta.Value, id),
		Details: &audit.AdjustmentDetail{
			Bucket: string(bucket),
			Delta:  delta.Value.String(),
			Reason: reason,
		},
	})
	return &entry, nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse marks the original entry REVERSED and posts a compensating entry
// of the opposite sign on the same bucket. History is never deleted: the
// pair nets to zero in the fold. Reversing a credit fails if the holder has
// already spent it.
func (s *Service) Reverse(ctx context.Context, entryID EntryID, reason string) (*Entry, error) {
	orig, err := s.store.EntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	lock := s.lockAccount(orig.AccountID)
	lock.Lock()
	defer lock.Unlock()

	var comp Entry
	err = s.store.WithTx(ctx, func(st Store) error {
		// Re-read under the lock: another reversal may have won the race.
		cur, err := st.EntryByID(ctx, entryID)
		if err != nil {
			return err
		}
		if cur.Status == EntryReversed {
			return ErrEntryReversed
		}

		a, err := st.GetAccount(ctx, cur.AccountID)
		if err != nil {
			return err
		}

		delta := cur.Amount.Neg()
		if s.bucketBalance(a, cur.Bucket).Add(delta).IsNegative() {
			return &InsufficientBalanceError{
				AccountID: cur.AccountID,
				Available: s.bucketBalance(a, cur.Bucket),
				Requested: delta.Neg(),
			}
		}

		now := time.Now().UTC()
		if err := st.MarkReversed(ctx, cur.ID, now); err != nil {
			return err
		}

		after := s.applyToBucket(a, cur.Bucket, delta)
		comp = Entry{
			ID:           EntryID(uuid.NewString()),
			AccountID:    cur.AccountID,
			Type:         EntryAdjustment,
			Bucket:       cur.Bucket,
			Amount:       delta,
			BalanceAfter: after,
			ReferenceID:  "reversal:" + string(cur.ID),
			Status:       EntryCompleted,
			Reason:       reason,
			CreatedAt:    now,
		}
		if err := st.AppendEntry(ctx, comp); err != nil {
			return err
		}
		return st.SaveAccount(ctx, *a)
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerReversals.Inc()
	s.audit.Record(ctx, audit.Entry{
		Action:      audit.ActionEntryReversed,
		TargetType:  audit.TargetEntry,
		TargetID:    string(entryID),
		Description: fmt.Sprintf("entry %s reversed by %s", entryID, comp.ID),
		Details: &audit.EntryReversedDetail{
			OriginalEntryID: string(entryID),
			CompensationID:  string(comp.ID),
			Amount:          comp.Amount.Value.String(),
			Reason:          reason,
		},
	})
	return &comp, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance is an O(1) read of the cached projection.
func (s *Service) Balance(ctx context.Context, id AccountID) (Balance, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID:         id,
		WalletBalance:     a.WalletBalance,
		CommissionBalance: a.CommissionBalance,
	}, nil
}

// Entries returns the full entry history for an account, oldest first.
func (s *Service) Entries(ctx context.Context, id AccountID) ([]Entry, error) {
	return s.store.EntriesByAccount(ctx, id)
}

// FoldBalance recomputes both balances by replaying the entry log in
// creation order. This is the source of truth used by reconciliation and by
// tests. REVERSED entries stay in the fold: their compensating adjustment
// cancels them, so the pair nets to zero.
func (s *Service) FoldBalance(ctx context.Context, id AccountID) (Balance, error) {
	entries, err := s.store.EntriesByAccount(ctx, id)
	if err != nil {
		return Balance{}, err
	}

	wallet := NewAmountFromInt(0, UnitPKR)
	commission := NewAmountFromInt(0, UnitPKR)
	for _, e := range entries {
		switch e.Bucket {
		case BucketWallet:
			wallet = wallet.Add(e.Amount)
		case BucketCommission:
			commission = commission.Add(e.Amount)
		}
	}
	return Balance{AccountID: id, WalletBalance: wallet, CommissionBalance: commission}, nil
}

// =============================================================================
// INTERNAL
// =============================================================================

func (s *Service) bucketBalance(a *Account, b Bucket) Amount {
	if b == BucketCommission {
		return a.CommissionBalance
	}
	return a.WalletBalance
}

// applyToBucket mutates the in-memory projection and returns the balance
// after the movement. The caller persists the account in the same store tx
// as the entry.
func (s *Service) applyToBucket(a *Account, b Bucket, delta Amount) Amount {
	if b == BucketCommission {
		a.CommissionBalance = a.CommissionBalance.Add(delta)
		return a.CommissionBalance
	}
	a.WalletBalance = a.WalletBalance.Add(delta)
	return a.WalletBalance
}
