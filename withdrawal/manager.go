/*
manager.go - Withdrawal request lifecycle

VALIDATION ORDER (Submit):
 1. amount >= minimum                     -> ErrBelowMinimum
 2. target owned, active, method enabled  -> ErrMethodDisabled
 3. spendable balance covers amount       -> ErrInsufficientBalance
 4. same-day request count under limit    -> ErrDailyLimitExceeded

APPROVAL:

	PENDING -> APPROVED debits the total deduction through the ledger. If the
	debit fails (balance changed since submission), the transition aborts, the
	request STAYS PENDING, and the error is surfaced to the admin - never a
	silent auto-reject.

RE-ENTRANCY:

	Decisions are serialized per manager; a decide on a request that already
	left PENDING fails with InvalidTransitionError. Two admins racing on the
	same request produce exactly one debit.

SEE ALSO:
  - types.go: Request, Policy, Store
  - ledger/ledger.go: The atomic debit underneath approval
*/
package withdrawal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/metrics"
)

// =============================================================================
// MANAGER
// =============================================================================

// AdminMeta travels with every admin decision into the audit trail.
type AdminMeta struct {
	IPAddress string
	UserAgent string
}

// Manager drives the withdrawal state machine.
type Manager struct {
	Ledger *ledger.Service
	Store  Store
	Rate   RateProvider
	Policy Policy
	Audit  *audit.Recorder
	Log    *slog.Logger

	// Serializes state transitions and the daily-limit window: decisions
	// must not race each other on the same request, and two submissions
	// must not both pass the MaxDaily count.
	decideMu sync.Mutex
}

func NewManager(svc *ledger.Service, store Store, rate RateProvider, policy Policy, rec *audit.Recorder, log *slog.Logger) *Manager {
	return &Manager{Ledger: svc, Store: store, Rate: rate, Policy: policy, Audit: rec, Log: log}
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit validates and creates a PENDING withdrawal request. The ledger is
// not debited here; funds remain available until admin approval.
func (m *Manager) Submit(ctx context.Context, userID ledger.AccountID, amount ledger.Amount, method Method, targetID string) (*Request, error) {
	if amount.LessThan(m.Policy.MinimumWithdrawal) {
		return nil, fmt.Errorf("requested %v, minimum %v: %w",
			amount.Value, m.Policy.MinimumWithdrawal.Value, ledger.ErrBelowMinimum)
	}

	if err := m.checkTarget(ctx, userID, method, targetID); err != nil {
		return nil, err
	}

	balance, err := m.Ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.Spendable().LessThan(amount) {
		return nil, &ledger.InsufficientBalanceError{
			AccountID: userID,
			Available: balance.Spendable(),
			Requested: amount,
		}
	}

	quote, err := m.quote(ctx, amount, method)
	if err != nil {
		return nil, err
	}

	// The count check and the insert must not interleave with another
	// submission, or two same-day requests can both pass MaxDaily.
	m.decideMu.Lock()
	defer m.decideMu.Unlock()

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := m.Store.CountWithdrawalsSince(ctx, userID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	if count >= m.Policy.MaxDaily {
		return nil, fmt.Errorf("%d requests today, limit %d: %w",
			count, m.Policy.MaxDaily, ledger.ErrDailyLimitExceeded)
	}

	req := Request{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		Method:          method,
		PaymentTargetID: targetID,
		Status:          StatusPending,
		FeeAmount:       quote.FeeAmount,
		TotalDeduction:  quote.TotalDeduction,
		NetAmount:       quote.NetAmount,
		USDTAmount:      quote.USDTAmount,
		CreatedAt:       now,
	}
	if err := m.Store.SaveWithdrawal(ctx, req); err != nil {
		return nil, err
	}

	m.Audit.Record(ctx, audit.Entry{
		Action:      audit.ActionWithdrawalSubmitted,
		TargetType:  audit.TargetWithdrawal,
		TargetID:    req.ID,
		Description: fmt.Sprintf("withdrawal of %v via %s submitted", amount.Value, method),
		Details: &audit.WithdrawalSubmittedDetail{
			Amount:    amount.Value.String(),
			Method:    string(method),
			FeeAmount: quote.FeeAmount.Value.String(),
			NetAmount: quote.NetAmount.Value.String(),
			TargetID:  targetID,
		},
	})
	return &req, nil
}

// checkTarget validates target ownership, active flag, method match, and
// the global method switch. All four fold into MethodDisabled for the user.
func (m *Manager) checkTarget(ctx context.Context, userID ledger.AccountID, method Method, targetID string) error {
	switch method {
	case MethodBank:
		if !m.Policy.BankEnabled {
			return fmt.Errorf("bank withdrawals: %w", ledger.ErrMethodDisabled)
		}
	case MethodUSDT:
		if !m.Policy.USDTEnabled {
			return fmt.Errorf("usdt withdrawals: %w", ledger.ErrMethodDisabled)
		}
	default:
		return fmt.Errorf("unknown method %q: %w", method, ledger.ErrMethodDisabled)
	}

	target, err := m.Store.GetPaymentTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.UserID != userID || !target.Active || target.Method != method {
		return fmt.Errorf("target %s not usable for %s/%s: %w",
			targetID, userID, method, ledger.ErrMethodDisabled)
	}
	return nil
}

// quote computes the fee breakdown. Bank applies a percentage handling fee
// on top of the amount; USDT converts via the live rate minus a flat
// network fee, with no PKR-side fee.
func (m *Manager) quote(ctx context.Context, amount ledger.Amount, method Method) (Quote, error) {
	zero := ledger.NewAmountFromInt(0, ledger.UnitPKR)
	switch method {
	case MethodBank:
		fee := amount.Mul(m.Policy.BankFeeRate)
		return Quote{
			FeeAmount:      fee,
			TotalDeduction: amount.Add(fee),
			NetAmount:      amount,
			USDTAmount:     ledger.Amount{Value: decimal.Zero, Unit: ledger.UnitUSDT},
		}, nil
	case MethodUSDT:
		rate, err := m.Rate.USDTRate(ctx)
		if err != nil {
			return Quote{}, fmt.Errorf("usdt rate: %w", err)
		}
		usdt := amount.Value.Div(rate).Sub(m.Policy.USDTNetworkFee)
		if !usdt.IsPositive() {
			return Quote{}, fmt.Errorf("amount does not cover the network fee: %w", ledger.ErrBelowMinimum)
		}
		return Quote{
			FeeAmount:      zero,
			TotalDeduction: amount,
			NetAmount:      zero,
			USDTAmount:     ledger.Amount{Value: usdt, Unit: ledger.UnitUSDT},
		}, nil
	default:
		return Quote{}, fmt.Errorf("unknown method %q: %w", method, ledger.ErrMethodDisabled)
	}
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

	req, err := m.Store.GetWithdrawal(ctx, requestID)
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

	// The debit re-validates the live balance atomically. If it fails the
	// request stays PENDING and the error goes back to the admin.
	if _, err := m.Ledger.Debit(ctx, req.UserID, req.TotalDeduction, ledger.EntryWithdrawalDebit, req.ID); err != nil {
		m.Log.Warn("withdrawal approval aborted, request stays pending",
			"request", req.ID, "user", req.UserID, "err", err)
		return nil, err
	}

	now := time.Now().UTC()
	req.Status = StatusApproved
	req.AdminNotes = notes
	req.DecidedBy = &adminID
	req.DecidedAt = &now
	if err := m.Store.SaveWithdrawal(ctx, *req); err != nil {
		return nil, err
	}

	after, _ := m.Ledger.Balance(ctx, req.UserID)
	metrics.WithdrawalDecisions.WithLabelValues(string(ActionApprove)).Inc()
	m.Audit.Record(ctx, audit.Entry{
		ActorID:     &adminID,
		Action:      audit.ActionWithdrawalApproved,
		TargetType:  audit.TargetWithdrawal,
		TargetID:    req.ID,
		Description: fmt.Sprintf("withdrawal %s approved, %v debited", req.ID, req.TotalDeduction.Value),
		Details: &audit.WithdrawalDecidedDetail{
			Amount:         req.Amount.Value.String(),
			FeeAmount:      req.FeeAmount.Value.String(),
			TotalDeduction: req.TotalDeduction.Value.String(),
			BalanceBefore:  before.Spendable().Value.String(),
			BalanceAfter:   after.Spendable().Value.String(),
			Notes:          notes,
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
	req.DecidedAt = &now
	if err := m.Store.SaveWithdrawal(ctx, *req); err != nil {
		return nil, err
	}

	metrics.WithdrawalDecisions.WithLabelValues(string(ActionReject)).Inc()
	m.Audit.Record(ctx, audit.Entry{
		ActorID:     &adminID,
		Action:      audit.ActionWithdrawalRejected,
		TargetType:  audit.TargetWithdrawal,
		TargetID:    req.ID,
		Description: fmt.Sprintf("withdrawal %s rejected", req.ID),
		Details: &audit.WithdrawalRejectedDetail{
			Amount: req.Amount.Value.String(),
			Notes:  notes,
		},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return req, nil
}

// MarkProcessed records completion of the off-platform payout. Bookkeeping
// only; the ledger was already debited at approval.
func (m *Manager) MarkProcessed(ctx context.Context, requestID, adminID string, meta AdminMeta) (*Request, error) {
	m.decideMu.Lock()
	defer m.decideMu.Unlock()

	req, err := m.Store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusApproved {
		return nil, &ledger.InvalidTransitionError{
			RequestID: requestID,
			From:      string(req.Status),
			Action:    "process",
		}
	}

	now := time.Now().UTC()
	req.Status = StatusProcessed
	req.ProcessedAt = &now
	if err := m.Store.SaveWithdrawal(ctx, *req); err != nil {
		return nil, err
	}

	net := req.NetAmount
	if req.Method == MethodUSDT {
		net = req.USDTAmount
	}
	m.Audit.Record(ctx, audit.Entry{
		ActorID:     &adminID,
		Action:      audit.ActionWithdrawalProcessed,
		TargetType:  audit.TargetWithdrawal,
		TargetID:    req.ID,
		Description: fmt.Sprintf("withdrawal %s payout confirmed", req.ID),
		Details:     &audit.WithdrawalProcessedDetail{NetAmount: net.Value.String()},
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
	return req, nil
}
