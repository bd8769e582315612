/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:

	Defines the JSON structures for API communication. These types decouple
	the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:

	Amounts arrive as JSON numbers and leave as decimal strings. The decimal
	string is the authoritative representation; the float input is converted
	once at the boundary and never used for arithmetic.

VALIDATION:

	Request types carry validator/v10 struct tags. Handlers run the validator
	before touching domain logic; a failed validation is always a 400.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/referral"
	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/withdrawal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	TierLevel         int     `json:"tier_level"`
	SecurityDeposit   string  `json:"security_deposit"`
	WalletBalance     string  `json:"wallet_balance"`
	CommissionBalance string  `json:"commission_balance"`
	Spendable         string  `json:"spendable"`
	ReferrerID        *string `json:"referrer_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// CreateAccountRequest is the request to create an account.
type CreateAccountRequest struct {
	ID         string  `json:"id" validate:"required"`
	ReferrerID *string `json:"referrer_id,omitempty"`
}

// SetStatusRequest changes an account's lifecycle status.
type SetStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive suspended"`
}

// UpgradeTierRequest moves an account to a higher tier.
type UpgradeTierRequest struct {
	ToLevel int `json:"to_level" validate:"required,min=2"`
}

// =============================================================================
// BALANCES AND ENTRIES
// =============================================================================

// BalanceDTO is the balance read model.
type BalanceDTO struct {
	AccountID         string `json:"account_id"`
	WalletBalance     string `json:"wallet_balance"`
	CommissionBalance string `json:"commission_balance"`
	Spendable         string `json:"spendable"`
}

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type"`
	Bucket       string `json:"bucket"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Currency     string `json:"currency"`
	ReferenceID  string `json:"reference_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// AdjustmentRequest posts a manual correction entry.
type AdjustmentRequest struct {
	AccountID string  `json:"account_id" validate:"required"`
	Bucket    string  `json:"bucket" validate:"required,oneof=wallet commission"`
	Amount    float64 `json:"amount" validate:"required"` // signed, non-zero
	Reference string  `json:"reference" validate:"required"`
	Reason    string  `json:"reason" validate:"required"`
}

// ReverseRequest reverses a posted entry.
type ReverseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// =============================================================================
// INCOME EVENTS
// =============================================================================

// IngestEventRequest is one income event to credit and fan out.
type IngestEventRequest struct {
	ID        string  `json:"id" validate:"required"`
	AccountID string  `json:"account_id" validate:"required"`
	Type      string  `json:"type" validate:"required,oneof=task_income topup signup_activation"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

// PostingDTO is the per-level outcome of a commission fan-out.
type PostingDTO struct {
	Table      string `json:"table"`
	Level      string `json:"level"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Amount     string `json:"amount,omitempty"`
	EntryID    string `json:"entry_id,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FanOutDTO summarizes an event's distribution.
type FanOutDTO struct {
	EventID  string       `json:"event_id"`
	Failed   bool         `json:"failed"` // retry by resubmitting the event
	Postings []PostingDTO `json:"postings"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// SubmitWithdrawalRequest opens a withdrawal request.
type SubmitWithdrawalRequest struct {
	UserID          string  `json:"user_id" validate:"required"`
	Amount          float64 `json:"amount" validate:"required,gt=0"`
	Method          string  `json:"method" validate:"required,oneof=bank usdt"`
	PaymentTargetID string  `json:"payment_target_id" validate:"required"`
}

// WithdrawalDTO represents a withdrawal request in API responses.
type WithdrawalDTO struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Amount          string  `json:"amount"`
	Method          string  `json:"method"`
	PaymentTargetID string  `json:"payment_target_id"`
	Status          string  `json:"status"`
	FeeAmount       string  `json:"fee_amount"`
	TotalDeduction  string  `json:"total_deduction"`
	NetAmount       string  `json:"net_amount"`
	USDTAmount      string  `json:"usdt_amount,omitempty"`
	AdminNotes      string  `json:"admin_notes,omitempty"`
	DecidedBy       *string `json:"decided_by,omitempty"`
	DecidedAt       *string `json:"decided_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	ProcessedAt     *string `json:"processed_at,omitempty"`
}

// DecisionRequest is an admin approve/reject/process action.
type DecisionRequest struct {
	AdminID string `json:"admin_id" validate:"required"`
	Notes   string `json:"notes"`
}

// CreateTargetRequest registers a payout destination.
type CreateTargetRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Method string `json:"method" validate:"required,oneof=bank usdt"`
	Label  string `json:"label" validate:"required"`
}

// PaymentTargetDTO represents a payout destination.
type PaymentTargetDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Method    string `json:"method"`
	Label     string `json:"label"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// SECURITY REFUNDS
// =============================================================================

// SubmitRefundRequest opens a security-deposit refund request.
type SubmitRefundRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Note   string `json:"note"`
}

// RefundDTO represents a refund request in API responses.
type RefundDTO struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	FromLevel    int     `json:"from_level"`
	ToLevel      int     `json:"to_level"`
	RefundAmount string  `json:"refund_amount"`
	Status       string  `json:"status"`
	RequestNote  string  `json:"request_note,omitempty"`
	AdminNotes   string  `json:"admin_notes,omitempty"`
	DecidedBy    *string `json:"decided_by,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ProcessedAt  *string `json:"processed_at,omitempty"`
}

// EligibilityDTO answers "can this user request a refund now".
type EligibilityDTO struct {
	Eligible     bool   `json:"eligible"`
	Reason       string `json:"reason,omitempty"`
	FromLevel    int    `json:"from_level,omitempty"`
	ToLevel      int    `json:"to_level,omitempty"`
	RefundAmount string `json:"refund_amount,omitempty"`
}

// =============================================================================
// AUDIT AND RECONCILIATION
// =============================================================================

// AuditEntryDTO represents one audit record.
type AuditEntryDTO struct {
	ID          string       `json:"id"`
	ActorID     *string      `json:"actor_id,omitempty"`
	Action      string       `json:"action"`
	TargetType  string       `json:"target_type"`
	TargetID    string       `json:"target_id"`
	Description string       `json:"description,omitempty"`
	Details     audit.Detail `json:"details,omitempty"`
	IPAddress   string       `json:"ip_address,omitempty"`
	CreatedAt   string       `json:"created_at"`
}

// DriftDTO describes one account whose cached balance disagreed with
// the entry fold.
type DriftDTO struct {
	AccountID        string `json:"account_id"`
	CachedWallet     string `json:"cached_wallet"`
	FoldedWallet     string `json:"folded_wallet"`
	CachedCommission string `json:"cached_commission"`
	FoldedCommission string `json:"folded_commission"`
}

// ReconcileReportDTO summarizes one reconciliation pass.
type ReconcileReportDTO struct {
	StartedAt  string     `json:"started_at"`
	FinishedAt string     `json:"finished_at"`
	Accounts   int        `json:"accounts"`
	Drifts     []DriftDTO `json:"drifts"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a *ledger.Account) AccountDTO {
	dto := AccountDTO{
		ID:                string(a.ID),
		Status:            string(a.Status),
		TierLevel:         a.TierLevel,
		SecurityDeposit:   a.SecurityDeposit.Value.String(),
		WalletBalance:     a.WalletBalance.Value.String(),
		CommissionBalance: a.CommissionBalance.Value.String(),
		Spendable:         a.Spendable().Value.String(),
		CreatedAt:         a.CreatedAt.Format(timeFormat),
	}
	if a.ReferrerID != nil {
		s := string(*a.ReferrerID)
		dto.ReferrerID = &s
	}
	return dto
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		AccountID:    string(e.AccountID),
		Type:         string(e.Type),
		Bucket:       string(e.Bucket),
		Amount:       e.Amount.Value.String(),
		BalanceAfter: e.BalanceAfter.Value.String(),
		Currency:     string(e.Amount.Unit),
		ReferenceID:  e.ReferenceID,
		Status:       string(e.Status),
		Reason:       e.Reason,
		CreatedAt:    e.CreatedAt.Format(timeFormat),
	}
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		AccountID:         string(b.AccountID),
		WalletBalance:     b.WalletBalance.Value.String(),
		CommissionBalance: b.CommissionBalance.Value.String(),
		Spendable:         b.Spendable().Value.String(),
	}
}

func toFanOutDTO(f *referral.FanOut) FanOutDTO {
	dto := FanOutDTO{
		EventID:  f.EventID,
		Failed:   f.Failed(),
		Postings: make([]PostingDTO, len(f.Postings)),
	}
	for i, p := range f.Postings {
		pd := PostingDTO{
			Table:      string(p.Table),
			Level:      string(p.Level),
			ReferrerID: string(p.ReferrerID),
			EntryID:    string(p.EntryID),
			Skipped:    string(p.Skipped),
		}
		if !p.Amount.Value.IsZero() {
			pd.Amount = p.Amount.Value.String()
		}
		if p.Err != nil {
			pd.Error = p.Err.Error()
		}
		dto.Postings[i] = pd
	}
	return dto
}

func toWithdrawalDTO(r *withdrawal.Request) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:              r.ID,
		UserID:          string(r.UserID),
		Amount:          r.Amount.Value.String(),
		Method:          string(r.Method),
		PaymentTargetID: r.PaymentTargetID,
		Status:          string(r.Status),
		FeeAmount:       r.FeeAmount.Value.String(),
		TotalDeduction:  r.TotalDeduction.Value.String(),
		NetAmount:       r.NetAmount.Value.String(),
		AdminNotes:      r.AdminNotes,
		DecidedBy:       r.DecidedBy,
		CreatedAt:       r.CreatedAt.Format(timeFormat),
	}
	if r.Method == withdrawal.MethodUSDT {
		dto.USDTAmount = r.USDTAmount.Value.String()
	}
	dto.DecidedAt = formatTimePtr(r.DecidedAt)
	dto.ProcessedAt = formatTimePtr(r.ProcessedAt)
	return dto
}

func toPaymentTargetDTO(t withdrawal.PaymentTarget) PaymentTargetDTO {
	return PaymentTargetDTO{
		ID:        t.ID,
		UserID:    string(t.UserID),
		Method:    string(t.Method),
		Label:     t.Label,
		Active:    t.Active,
		CreatedAt: t.CreatedAt.Format(timeFormat),
	}
}

func toRefundDTO(r *refund.Request) RefundDTO {
	return RefundDTO{
		ID:           r.ID,
		UserID:       string(r.UserID),
		FromLevel:    r.FromLevel,
		ToLevel:      r.ToLevel,
		RefundAmount: r.RefundAmount.Value.String(),
		Status:       string(r.Status),
		RequestNote:  r.RequestNote,
		AdminNotes:   r.AdminNotes,
		DecidedBy:    r.DecidedBy,
		CreatedAt:    r.CreatedAt.Format(timeFormat),
		ProcessedAt:  formatTimePtr(r.ProcessedAt),
	}
}

func toEligibilityDTO(e refund.Eligibility) EligibilityDTO {
	dto := EligibilityDTO{
		Eligible:  e.Eligible,
		Reason:    e.Reason,
		FromLevel: e.FromLevel,
		ToLevel:   e.ToLevel,
	}
	if e.Eligible {
		dto.RefundAmount = e.RefundAmount.Value.String()
	}
	return dto
}

func toAuditEntryDTO(e audit.Entry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:          e.ID,
		ActorID:     e.ActorID,
		Action:      string(e.Action),
		TargetType:  string(e.TargetType),
		TargetID:    e.TargetID,
		Description: e.Description,
		Details:     e.Details,
		IPAddress:   e.IPAddress,
		CreatedAt:   e.CreatedAt.Format(timeFormat),
	}
}

func toReconcileReportDTO(r *ledger.ReconcileReport) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		StartedAt:  r.StartedAt.Format(timeFormat),
		FinishedAt: r.FinishedAt.Format(timeFormat),
		Accounts:   r.Accounts,
		Drifts:     make([]DriftDTO, len(r.Drifts)),
	}
	for i, d := range r.Drifts {
		dto.Drifts[i] = DriftDTO{
			AccountID:        string(d.AccountID),
			CachedWallet:     d.CachedWallet.Value.String(),
			FoldedWallet:     d.FoldedWallet.Value.String(),
			CachedCommission: d.CachedCommission.Value.String(),
			FoldedCommission: d.FoldedCommission.Value.String(),
		}
	}
	return dto
}
