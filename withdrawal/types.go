/*
Package withdrawal implements the withdrawal request lifecycle.

STATE MACHINE:

	PENDING -> APPROVED | REJECTED
	APPROVED -> PROCESSED
	REJECTED and PROCESSED are terminal.

HOLD DESIGN:

	Submission does NOT debit the ledger. Funds stay available until an admin
	approves; the only hold is the daily request-count limit. The approval
	debit re-validates against the live balance, so a stale snapshot fails
	fast instead of overdrawing.

KEY CONCEPTS IN THIS FILE (types.go):
  - Request: The withdrawal request entity
  - PaymentTarget: A user-owned payout destination (bank account / USDT wallet)
  - Quote: Fee computation result per method
  - Policy: Configurable limits and fees
  - RateProvider: Live PKR->USDT rate source

SEE ALSO:
  - manager.go: Submit / Decide / MarkProcessed
*/
package withdrawal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clipearn/ledger-engine/ledger"
)

// =============================================================================
// REQUEST
// =============================================================================

type Method string

const (
	MethodBank Method = "bank"
	MethodUSDT Method = "usdt"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusProcessed Status = "processed"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusProcessed
}

// Request is a user's withdrawal request. Created by user action, mutated
// only by admin-driven transitions; immutable history once terminal.
type Request struct {
	ID              string
	UserID          ledger.AccountID
	Amount          ledger.Amount // requested payout, before fees
	Method          Method
	PaymentTargetID string
	Status          Status

	// Fee computation, frozen at submission
	FeeAmount      ledger.Amount // bank handling fee (zero for USDT)
	TotalDeduction ledger.Amount // what approval debits from the ledger
	NetAmount      ledger.Amount // what the user receives (PKR methods)
	USDTAmount     ledger.Amount // what the user receives (USDT method)

	AdminNotes  string
	DecidedBy   *string
	DecidedAt   *time.Time
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// PaymentTarget is a payout destination owned by one user.
type PaymentTarget struct {
	ID        string
	UserID    ledger.AccountID
	Method    Method
	Label     string // masked account number / wallet address label
	Active    bool
	CreatedAt time.Time
}

// =============================================================================
// FEES
// =============================================================================

// Quote is the fee computation for one submission.
type Quote struct {
	FeeAmount      ledger.Amount
	TotalDeduction ledger.Amount
	NetAmount      ledger.Amount
	USDTAmount     ledger.Amount
}

// RateProvider supplies the live PKR-per-USDT conversion rate.
type RateProvider interface {
	USDTRate(ctx context.Context) (decimal.Decimal, error)
}

// FixedRate is a RateProvider pinned to a configured rate.
type FixedRate struct {
	Rate decimal.Decimal
}

func (f FixedRate) USDTRate(context.Context) (decimal.Decimal, error) {
	return f.Rate, nil
}

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the configurable withdrawal rules.
type Policy struct {
	MinimumWithdrawal ledger.Amount
	BankFeeRate       decimal.Decimal // fraction, e.g. 0.10
	USDTNetworkFee    decimal.Decimal // flat fee in USDT
	MaxDaily          int
	BankEnabled       bool
	USDTEnabled       bool
}

// =============================================================================
// STORE
// =============================================================================

// Store persists withdrawal requests and payment targets.
type Store interface {
	SaveWithdrawal(ctx context.Context, r Request) error
	GetWithdrawal(ctx context.Context, id string) (*Request, error)
	WithdrawalsByUser(ctx context.Context, userID ledger.AccountID) ([]Request, error)
	WithdrawalsByStatus(ctx context.Context, status Status) ([]Request, error)

	// CountWithdrawalsSince counts the user's requests created in
	// [since, until) that are not REJECTED. PENDING, APPROVED and
	// PROCESSED all consume the daily allowance.
	CountWithdrawalsSince(ctx context.Context, userID ledger.AccountID, since, until time.Time) (int, error)

	SavePaymentTarget(ctx context.Context, t PaymentTarget) error
	GetPaymentTarget(ctx context.Context, id string) (*PaymentTarget, error)
	PaymentTargetsByUser(ctx context.Context, userID ledger.AccountID) ([]PaymentTarget, error)
}
