/*
manager.go - Security refund request lifecycle

STATE MACHINE:

	PENDING -> APPROVED (credits REFUND_CREDIT through the ledger)
	PENDING -> REJECTED (notes only, no ledger effect)

APPROVAL IS RESUMABLE:

	Approval credits first, then flips the status. If the process dies in
	between, a re-approve finds the credit already posted (duplicate
	reference) and completes the status flip instead of double-paying.

SEE ALSO:
  - types.go: Request, TierSchedule, Store
  - withdrawal/manager.go: The sibling lifecycle with the same shape
*/
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/metrics"
)

// =============================================================================
// MANAGER
// =============================================================================

type AdminMeta struct {
	IPAddress string
	UserAgent string
}

// Manager drives the refund state machine.
type Manager struct {
	Ledger   *ledger.Service
	Store    Store
	Schedule TierSchedule
	Audit    *audit.Recorder
	Log      *slog.Logger

	decideMu sync.Mutex
}

func NewManager(svc *ledger.Service, store Store, schedule TierSchedule, rec *audit.Recorder, log *slog.Logger) *Manager {
	return &Manager{Ledger: svc, Store: store, Schedule: schedule, Audit: rec, Log: log}
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

// Eligibility derives whether the user can request a refund right now. A
// user at tier L may reclaim tier L-1's deposit if L > 1 and the (L-1, L)
// pair has never been requested.
func (m *Manager) Eligibility(ctx context.Context, userID ledger.AccountID) (Eligibility, error) {
	acct, err := m.Ledger.GetAccount(ctx, userID)
	if err != nil {
		return Eligibility{}, err
	}
	if acct.TierLevel <= 1 {
		return Eligibility{Eligible: false, Reason: "no tier upgrade yet"}, nil
	}

	from, to := acct.TierLevel-1, acct.TierLevel
	deposit, err := m.Schedule.Deposit(from)
	if err != nil {
		return Eligibility{}, err
	}

	exists, err := m.Store.HasRefundForPair(ctx, userID, from, to)
	if err != nil {
		return Eligibility{}, err
	}
	if exists {
		return Eligibility{
			Eligible:  false,
			Reason:    fmt.Sprintf("refund for tiers %d->%d already requested", from, to),
			FromLevel: from,
			ToLevel:   to,
		}, nil
	}

	return Eligibility{Eligible: true, FromLevel: from, ToLevel: to, RefundAmount: deposit}, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit recomputes eligibility server-side and creates a PENDING request
// for the previous tier's deposit.
func (m *Manager) Submit(ctx context.Context, userID ledger.AccountID, note string) (*Request, error) {
	// Serialized with decisions so two concurrent submissions for the same
	// pair cannot both pass the pair check.
	m.decideMu.Lock()
	defer m.decideMu.Unlock()

	elig, err := m.Eligibility(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !elig.Eligible {
		if elig.FromLevel > 0 {
			return nil, fmt.Errorf("%s: %w", elig.Reason, ledger.ErrAlreadyRequested)
		}
		return nil, fmt.Errorf("%s: %w", elig.Reason, ledger.ErrNotEligible)
	}

	req := Request{
		ID:           uuid.NewString(),
		UserID:       userID,
		FromLevel:    elig.FromLevel,
		ToLevel:      elig.ToLevel,
		RefundAmount: elig.RefundAmount,
		Status:       StatusPending,
		RequestNote:  note,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.Store.SaveRefund(ctx, req); err != nil {
		return nil, err
	}

	m.Audit.Record(ctx, audit.Entry{
		Action:      audit.ActionRefundSubmitted,
		TargetType:  audit.TargetRefund,
		TargetID:    req.ID,
		Description: fmt.Sprintf("security refund for tiers %d->%d submitted", req.FromLevel, req.ToLevel),
		Details: &audit.RefundSubmittedDetail{
			FromLevel:    req.FromLevel,
			ToLevel:      req.ToLevel,
			RefundAmount: req.RefundAmount.Value.String(),
			Note:         note,
		},
	})
	return &req, nil
}

// =============================================================================
// DECIDE
// =============================================================================

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Decide applies an admin decision to a PENDING request.
func (m *Manager) Decide(ctx context.Context, requestID string, action Action, adminID, notes string, meta AdminMeta) (*Request, error) {
	m.decideMu.Lock()
	defer m.decideMu.Unlock()

	req, err := m.Store.GetRefund(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, &ledger.InvalidTransitionError{
			RequestID: requestID,
			From:      string(req.Status),
			Action:    string(action),
		}
	}

	switch action {
	case ActionApprove:
		return m.approve(ctx, req, adminID, notes, meta)
	case ActionReject:
		return m.reject(ctx, req, adminID, notes, meta)
	default:
		return nil, fmt.Errorf("unknown decision action %q", action)
	}
}

func (m *Manager) approve(ctx context.Context, req *Request, adminID, notes string, meta AdminMeta) (*Request, error) {
	before, err := m.Ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	_, err = m.Ledger.Credit(ctx, req.UserID, req.RefundAmount, ledger.EntryRefundCredit, req.ID)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		// Request stays PENDING; the admin re-attempts.
		return nil, err
	}
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// Credit landed on a previous attempt that died before the status
		// flip. Finish the flip.
		m.Log.Warn("refund credit already posted, completing approval",
			"request", req.ID, "user", req.UserID)
	}

	now := time.Now().UTC()
	req.Status = StatusApproved
	req.AdminNotes = notes
	req.DecidedBy = &adminID
	req.ProcessedAt = &now
	if err := m.Store.SaveRefund(ctx, *req); err != nil {
		return nil, err
	}

	after, _ := m.Ledger.Balance(ctx, req.UserID)
	metrics.RefundDecisions.WithLabelValues(string(ActionApprove)).Inc()
	m.Audit.Record(ctx, audit.Entry{
		ActorID:     &adminID,
		Action:      audit.ActionRefundApproved,
		TargetType:  audit.TargetRefund,
		TargetID:    req.ID,
		Description: fmt.Sprintf("refund %s approved, %v credited", req.ID, req.RefundAmount.Value),
		Details: &audit.RefundDecidedDetail{
			FromLevel:     req.FromLevel,
			ToLevel:       req.ToLevel,
			RefundAmount:  req.RefundAmount.Value.String(),
			BalanceBefore: before.Spendable().Value.String(),
			BalanceAfter:  after.Spendable().Value.String(),
			Notes:         notes,
		},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return req, nil
}

func (m *Manager) reject(ctx context.Context, req *Request, adminID, notes string, meta AdminMeta) (*Request, error) {
	now := time.Now().UTC()
	req.Status = StatusRejected
	req.AdminNotes = notes
	req.DecidedBy = &adminID
	req.ProcessedAt = &now
	if err := m.Store.SaveRefund(ctx, *req); err != nil {
		return nil, err
	}

	metrics.RefundDecisions.WithLabelValues(string(ActionReject)).Inc()
	m.Audit.Record(ctx, audit.Entry{
		ActorID:     &adminID,
		Action:      audit.ActionRefundRejected,
		TargetType:  audit.TargetRefund,
		TargetID:    req.ID,
		Description: fmt.Sprintf("refund %s rejected", req.ID),
		Details: &audit.RefundRejectedDetail{
			FromLevel: req.FromLevel,
			ToLevel:   req.ToLevel,
			Notes:     notes,
		},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return req, nil
}
