/*
Package ledger provides the account and money-movement core.

PURPOSE:

	This package is the sole authority for account balances. Every earning,
	commission, withdrawal, refund, and correction is recorded as an immutable
	ledger entry, and the visible balance is a cached projection that can
	always be re-derived by folding the entries in creation order.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a currency unit, backed by decimal.Decimal
  - Account: The per-user projection (balances, tier, status)
  - Entry: An immutable ledger record of a single signed balance movement
  - Bucket: Which balance an entry moves (wallet vs commission)

DESIGN PRINCIPLES:
 1. Immutability: Entries are never modified, only reversed
 2. Precision: decimal.Decimal everywhere money is touched
 3. Derivability: Cached balances are a projection, the fold is the truth
 4. Idempotency: (account, type, reference, bucket) is unique

SEE ALSO:
  - ledger.go: Credit/Debit/Reverse operations
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money with a currency unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitPKR  Unit = "PKR"
	UnitUSDT Unit = "USDT"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Div(s decimal.Decimal) Amount { return Amount{Value: a.Value.Div(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string

// =============================================================================
// ACCOUNT - Per-user balance projection
// =============================================================================

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
)

// Account is the mutable-by-derivation projection of a user's ledger.
// WalletBalance and CommissionBalance are caches: they are updated in the
// same store transaction as the entry that moves them, and the reconciler
// can always rebuild them from the entry fold.
type Account struct {
	ID                AccountID
	Status            AccountStatus
	TierLevel         int // monotonically non-decreasing
	SecurityDeposit   Amount
	WalletBalance     Amount
	CommissionBalance Amount
	ReferrerID        *AccountID // direct (level A) referrer, set at signup
	CreatedAt         time.Time
}

// Spendable is what a withdrawal can draw against: wallet plus commission.
func (a *Account) Spendable() Amount {
	return a.WalletBalance.Add(a.CommissionBalance)
}

// =============================================================================
// ENTRY - Immutable ledger record
// =============================================================================

type EntryType string

const (
	EntryTaskIncome       EntryType = "task_income"
	EntryReferralRewardA  EntryType = "referral_reward_a"
	EntryReferralRewardB  EntryType = "referral_reward_b"
	EntryReferralRewardC  EntryType = "referral_reward_c"
	EntryManagementBonusA EntryType = "management_bonus_a"
	EntryManagementBonusB EntryType = "management_bonus_b"
	EntryManagementBonusC EntryType = "management_bonus_c"
	EntryTopupBonus       EntryType = "topup_bonus"
	EntryWithdrawalDebit  EntryType = "withdrawal_debit"
	EntryRefundCredit     EntryType = "refund_credit"
	EntryAdjustment       EntryType = "adjustment"
)

// Bucket identifies which account balance an entry moves.
type Bucket string

const (
	BucketWallet     Bucket = "wallet"
	BucketCommission Bucket = "commission"
)

// BucketFor maps an entry type to the balance it moves. Referral and
// management commissions land in the commission balance; everything else
// moves the wallet. Adjustments and withdrawal debits carry their bucket
// explicitly because they can target either balance.
func BucketFor(t EntryType) Bucket {
	switch t {
	case EntryReferralRewardA, EntryReferralRewardB, EntryReferralRewardC,
		EntryManagementBonusA, EntryManagementBonusB, EntryManagementBonusC:
		return BucketCommission
	default:
		return BucketWallet
	}
}

type EntryStatus string

const (
	EntryCompleted EntryStatus = "completed"
	EntryReversed  EntryStatus = "reversed"
)

// Entry is an immutable record of a single signed balance movement.
// The only permitted in-place change is Status COMPLETED -> REVERSED,
// and that change is always paired with a compensating entry.
type Entry struct {
	ID           EntryID
	AccountID    AccountID
	Type         EntryType
	Bucket       Bucket
	Amount       Amount // signed: credits positive, debits negative
	BalanceAfter Amount // bucket balance snapshot after this entry
	ReferenceID  string // idempotency key tying back to the triggering event
	Status       EntryStatus
	Reason       string
	CreatedAt    time.Time
}

// Balance is the read model returned to callers.
type Balance struct {
	AccountID         AccountID
	WalletBalance     Amount
	CommissionBalance Amount
}

func (b Balance) Spendable() Amount {
	return b.WalletBalance.Add(b.CommissionBalance)
}
