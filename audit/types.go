/*
Package audit provides the write-once trail of privileged state changes.

PURPOSE:

	Every admin decision, reversal, adjustment, and commission posting leaves
	one audit entry naming the actor, the target, and a typed before/after
	snapshot. Admin reporting UIs consume this trail read-only; the engine
	itself never reads it back for business decisions.

TYPED DETAILS:

	Each action carries its own payload struct instead of a loose metadata
	blob. The payload is encoded with the action tag and decoded exhaustively,
	so a reader either gets the exact shape it expects or an error - never a
	defensively-parsed maybe.

BEST-EFFORT CONTRACT:

	Audit writes never roll back the primary operation. See trail.go.

SEE ALSO:
  - trail.go: Recorder and query APIs
*/
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// ACTIONS
// =============================================================================

type Action string

const (
	ActionWithdrawalSubmitted Action = "withdrawal_submitted"
	ActionWithdrawalApproved  Action = "withdrawal_approved"
	ActionWithdrawalRejected  Action = "withdrawal_rejected"
	ActionWithdrawalProcessed Action = "withdrawal_processed"
	ActionRefundSubmitted     Action = "refund_submitted"
	ActionRefundApproved      Action = "refund_approved"
	ActionRefundRejected      Action = "refund_rejected"
	ActionEntryReversed       Action = "entry_reversed"
	ActionAdjustmentPosted    Action = "adjustment_posted"
	ActionCommissionPosted    Action = "commission_posted"
	ActionTierUpgraded        Action = "tier_upgraded"
	ActionStatusChanged       Action = "status_changed"
)

// TargetType names the kind of record an entry is about.
type TargetType string

const (
	TargetAccount    TargetType = "account"
	TargetEntry      TargetType = "ledger_entry"
	TargetWithdrawal TargetType = "withdrawal_request"
	TargetRefund     TargetType = "refund_request"
)

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one write-once audit record. Never mutated, never deleted except
// by a separately-authorized retention sweep.
type Entry struct {
	ID          string
	ActorID     *string // nil = system-initiated
	Action      Action
	TargetType  TargetType
	TargetID    string
	Description string
	Details     Detail
	IPAddress   string
	UserAgent   string
	CreatedAt   time.Time
}

// =============================================================================
// DETAIL VARIANTS - one typed payload per action
// =============================================================================

// Detail is a tagged payload. The concrete type is determined by the
// entry's Action.
type Detail interface {
	AuditAction() Action
}

type WithdrawalSubmittedDetail struct {
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	FeeAmount string `json:"fee_amount"`
	NetAmount string `json:"net_amount"`
	TargetID  string `json:"payment_target_id"`
}

func (WithdrawalSubmittedDetail) AuditAction() Action { return ActionWithdrawalSubmitted }

type WithdrawalDecidedDetail struct {
	Amount         string `json:"amount"`
	FeeAmount      string `json:"fee_amount"`
	TotalDeduction string `json:"total_deduction"`
	BalanceBefore  string `json:"balance_before"`
	BalanceAfter   string `json:"balance_after"`
	Notes          string `json:"notes"`
}

func (WithdrawalDecidedDetail) AuditAction() Action { return ActionWithdrawalApproved }

type WithdrawalRejectedDetail struct {
	Amount string `json:"amount"`
	Notes  string `json:"notes"`
}

func (WithdrawalRejectedDetail) AuditAction() Action { return ActionWithdrawalRejected }

type WithdrawalProcessedDetail struct {
	NetAmount string `json:"net_amount"`
}

func (WithdrawalProcessedDetail) AuditAction() Action { return ActionWithdrawalProcessed }

type RefundSubmittedDetail struct {
	FromLevel    int    `json:"from_level"`
	ToLevel      int    `json:"to_level"`
	RefundAmount string `json:"refund_amount"`
	Note         string `json:"note"`
}

func (RefundSubmittedDetail) AuditAction() Action { return ActionRefundSubmitted }

type RefundDecidedDetail struct {
	FromLevel     int    `json:"from_level"`
	ToLevel       int    `json:"to_level"`
	RefundAmount  string `json:"refund_amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Notes         string `json:"notes"`
}

func (RefundDecidedDetail) AuditAction() Action { return ActionRefundApproved }

type RefundRejectedDetail struct {
	FromLevel int    `json:"from_level"`
	ToLevel   int    `json:"to_level"`
	Notes     string `json:"notes"`
}

func (RefundRejectedDetail) AuditAction() Action { return ActionRefundRejected }

type EntryReversedDetail struct {
	OriginalEntryID string `json:"original_entry_id"`
	CompensationID  string `json:"compensation_entry_id"`
	Amount          string `json:"amount"`
	Reason          string `json:"reason"`
}

func (EntryReversedDetail) AuditAction() Action { return ActionEntryReversed }

type AdjustmentDetail struct {
	Bucket string `json:"bucket"`
	Delta  string `json:"delta"`
	Reason string `json:"reason"`
}

func (AdjustmentDetail) AuditAction() Action { return ActionAdjustmentPosted }

type CommissionPostedDetail struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Level     string `json:"level"`
	Earner    string `json:"earner_account_id"`
	Amount    string `json:"amount"`
}

func (CommissionPostedDetail) AuditAction() Action { return ActionCommissionPosted }

type TierUpgradedDetail struct {
	FromLevel int    `json:"from_level"`
	ToLevel   int    `json:"to_level"`
	Deposit   string `json:"deposit"`
}

func (TierUpgradedDetail) AuditAction() Action { return ActionTierUpgraded }

type StatusChangedDetail struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (StatusChangedDetail) AuditAction() Action { return ActionStatusChanged }

// =============================================================================
// ENCODE / DECODE
// =============================================================================

// EncodeDetail serializes a detail payload for storage.
func EncodeDetail(d Detail) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeDetail rebuilds the typed payload for an action. The switch is
// exhaustive over every action the system writes; an unknown action is an
// error, not a silently-ignored blob.
func DecodeDetail(action Action, raw []byte) (Detail, error) {
	var d Detail
	switch action {
	case ActionWithdrawalSubmitted:
		d = &WithdrawalSubmittedDetail{}
	case ActionWithdrawalApproved:
		d = &WithdrawalDecidedDetail{}
	case ActionWithdrawalRejected:
		d = &WithdrawalRejectedDetail{}
	case ActionWithdrawalProcessed:
		d = &WithdrawalProcessedDetail{}
	case ActionRefundSubmitted:
		d = &RefundSubmittedDetail{}
	case ActionRefundApproved:
		d = &RefundDecidedDetail{}
	case ActionRefundRejected:
		d = &RefundRejectedDetail{}
	case ActionEntryReversed:
		d = &EntryReversedDetail{}
	case ActionAdjustmentPosted:
		d = &AdjustmentDetail{}
	case ActionCommissionPosted:
		d = &CommissionPostedDetail{}
	case ActionTierUpgraded:
		d = &TierUpgradedDetail{}
	case ActionStatusChanged:
		d = &StatusChangedDetail{}
	default:
		return nil, fmt.Errorf("unknown audit action %q", action)
	}
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s detail: %w", action, err)
	}
	return d, nil
}
