/*
handlers.go - HTTP API handlers for the rewards ledger engine

PURPOSE:

	Exposes the ledger, commission, withdrawal and refund engines via REST.
	Handles HTTP request/response, JSON serialization, validation, and
	delegates everything else to domain logic.

ENDPOINTS:

	Accounts:
	  POST   /api/accounts                      Create account
	  GET    /api/accounts                      List accounts
	  GET    /api/accounts/{id}                 Get account
	  POST   /api/accounts/{id}/status          Change lifecycle status
	  POST   /api/accounts/{id}/tier            Upgrade tier (locks deposit)
	  GET    /api/accounts/{id}/balance         Cached balance
	  GET    /api/accounts/{id}/entries         Ledger history

	Events:
	  POST   /api/events                        Ingest income event (idempotent)

	Withdrawals:
	  POST   /api/withdrawals                   Submit request
	  GET    /api/withdrawals/{id}              Get request
	  POST   /api/withdrawals/{id}/approve      Admin approve (debits ledger)
	  POST   /api/withdrawals/{id}/reject       Admin reject
	  POST   /api/withdrawals/{id}/process      Mark payout executed
	  POST   /api/targets                       Register payout destination

	Refunds:
	  GET    /api/accounts/{id}/refund-eligibility
	  POST   /api/refunds                       Submit request
	  POST   /api/refunds/{id}/approve          Admin approve (credits ledger)
	  POST   /api/refunds/{id}/reject           Admin reject

	Admin:
	  POST   /api/admin/adjustments             Manual correction entry
	  POST   /api/admin/entries/{id}/reverse    Reverse a posted entry
	  POST   /api/admin/reconcile               Fold-vs-cache sweep, now
	  GET    /api/admin/audit                   Audit trail queries

ERROR HANDLING:

	Errors are returned as JSON with the status derived from the error
	taxonomy:
	- 400: Validation errors, invalid input
	- 404: Unknown account, entry, request or target
	- 409: State conflicts (already decided, already reversed, duplicate,
	       insufficient balance against a stale snapshot)
	- 422: Policy violations (below minimum, daily limit, method disabled,
	       refund pair already used)
	- 500: Internal errors

SECURITY NOTE:

	No authentication middleware. Admin identity arrives in the request body
	and is trusted; an auth layer in front of this service owns verification.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/referral"
	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/withdrawal"
)

const timeFormat = time.RFC3339

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *ledger.Service
	Reconciler  *ledger.Reconciler
	Referrals   *referral.Engine
	Withdrawals *withdrawal.Manager
	Refunds     *refund.Manager
	Audit       *audit.Recorder
	Validate    *validator.Validate
	Log         *slog.Logger
}

// NewHandler creates a handler over the wired domain services.
func NewHandler(svc *ledger.Service, rec *ledger.Reconciler, eng *referral.Engine,
	wm *withdrawal.Manager, rm *refund.Manager, ar *audit.Recorder, log *slog.Logger) *Handler {
	return &Handler{
		Ledger:      svc,
		Reconciler:  rec,
		Referrals:   eng,
		Withdrawals: wm,
		Refunds:     rm,
		Audit:       ar,
		Validate:    validator.New(),
		Log:         log,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount creates an account, optionally under a referrer.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	var referrer *ledger.AccountID
	if req.ReferrerID != nil {
		id := ledger.AccountID(*req.ReferrerID)
		referrer = &id
	}

	account, err := h.Ledger.CreateAccount(r.Context(), ledger.AccountID(req.ID), referrer)
	if err != nil {
		h.writeDomainError(w, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

// ListAccounts returns all accounts.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Ledger.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i := range accounts {
		dtos[i] = toAccountDTO(&accounts[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	account, err := h.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// SetStatus changes an account's lifecycle status.
// POST /api/accounts/{id}/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req SetStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.Ledger.SetStatus(r.Context(), id, ledger.AccountStatus(req.Status)); err != nil {
		h.writeDomainError(w, "Failed to set status", err)
		return
	}

	account, err := h.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// UpgradeTier moves an account to a higher tier, locking the deposit
// difference configured for the target level.
// POST /api/accounts/{id}/tier
func (h *Handler) UpgradeTier(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req UpgradeTierRequest
	if !h.decode(w, r, &req) {
		return
	}

	deposit, err := h.Refunds.Schedule.Deposit(req.ToLevel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown tier level", err)
		return
	}

	account, err := h.Ledger.UpgradeTier(r.Context(), id, req.ToLevel, deposit)
	if err != nil {
		h.writeDomainError(w, "Failed to upgrade tier", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// GetBalance returns the cached balance projection.
// GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	balance, err := h.Ledger.Balance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

// GetEntries returns the account's full ledger history in posting order.
// GET /api/accounts/{id}/entries
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.Entries(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get entries", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// IngestEvent credits the earner and fans out commissions up the referral
// chain. Safe to resubmit: already-posted levels are skipped, failed levels
// are retried.
// POST /api/events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	fanOut, err := h.Referrals.Post(r.Context(), referral.Event{
		ID:         req.ID,
		AccountID:  ledger.AccountID(req.AccountID),
		Type:       referral.EventType(req.Type),
		BaseAmount: ledger.NewAmount(req.Amount, ledger.UnitPKR),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to ingest event", err)
		return
	}
	writeJSON(w, http.StatusOK, toFanOutDTO(fanOut))
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// SubmitWithdrawal opens a PENDING withdrawal request. No funds move until
// an admin approves.
// POST /api/withdrawals
func (h *Handler) SubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req SubmitWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}

	request, err := h.Withdrawals.Submit(r.Context(),
		ledger.AccountID(req.UserID),
		ledger.NewAmount(req.Amount, ledger.UnitPKR),
		withdrawal.Method(req.Method),
		req.PaymentTargetID,
	)
	if err != nil {
		h.writeDomainError(w, "Failed to submit withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(request))
}

// GetWithdrawal returns one withdrawal request.
// GET /api/withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	request, err := h.Withdrawals.Store.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(request))
}

// ListWithdrawals returns requests, filtered by status or user.
// GET /api/withdrawals?status=pending | ?user_id=u1
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	var (
		requests []withdrawal.Request
		err      error
	)
	switch {
	case r.URL.Query().Get("user_id") != "":
		requests, err = h.Withdrawals.Store.WithdrawalsByUser(r.Context(),
			ledger.AccountID(r.URL.Query().Get("user_id")))
	case r.URL.Query().Get("status") != "":
		requests, err = h.Withdrawals.Store.WithdrawalsByStatus(r.Context(),
			withdrawal.Status(r.URL.Query().Get("status")))
	default:
		requests, err = h.Withdrawals.Store.WithdrawalsByStatus(r.Context(),
			withdrawal.StatusPending)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list withdrawals", err)
		return
	}

	dtos := make([]WithdrawalDTO, len(requests))
	for i := range requests {
		dtos[i] = toWithdrawalDTO(&requests[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DecideWithdrawal approves or rejects a PENDING request. Approval debits
// the ledger atomically with the status flip.
// POST /api/withdrawals/{id}/approve | /reject
func (h *Handler) DecideWithdrawal(action withdrawal.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DecisionRequest
		if !h.decode(w, r, &req) {
			return
		}

		request, err := h.Withdrawals.Decide(r.Context(), chi.URLParam(r, "id"),
			action, req.AdminID, req.Notes, adminMeta(r))
		if err != nil {
			h.writeDomainError(w, "Failed to decide withdrawal", err)
			return
		}
		writeJSON(w, http.StatusOK, toWithdrawalDTO(request))
	}
}

// ProcessWithdrawal records that the external payout was executed.
// POST /api/withdrawals/{id}/process
func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	request, err := h.Withdrawals.MarkProcessed(r.Context(), chi.URLParam(r, "id"),
		req.AdminID, adminMeta(r))
	if err != nil {
		h.writeDomainError(w, "Failed to mark processed", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(request))
}

// CreateTarget registers a payout destination for a user.
// POST /api/targets
func (h *Handler) CreateTarget(w http.ResponseWriter, r *http.Request) {
	var req CreateTargetRequest
	if !h.decode(w, r, &req) {
		return
	}

	target := withdrawal.PaymentTarget{
		ID:        uuid.NewString(),
		UserID:    ledger.AccountID(req.UserID),
		Method:    withdrawal.Method(req.Method),
		Label:     req.Label,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Withdrawals.Store.SavePaymentTarget(r.Context(), target); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save payment target", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentTargetDTO(target))
}

// ListTargets returns a user's payout destinations.
// GET /api/accounts/{id}/targets
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.Withdrawals.Store.PaymentTargetsByUser(r.Context(),
		ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payment targets", err)
		return
	}

	dtos := make([]PaymentTargetDTO, len(targets))
	for i, t := range targets {
		dtos[i] = toPaymentTargetDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// GetRefundEligibility answers whether the user can request a deposit
// refund right now, derived from tier history and prior requests.
// GET /api/accounts/{id}/refund-eligibility
func (h *Handler) GetRefundEligibility(w http.ResponseWriter, r *http.Request) {
	elig, err := h.Refunds.Eligibility(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to check eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(elig))
}

// SubmitRefund opens a PENDING security-deposit refund request.
// POST /api/refunds
func (h *Handler) SubmitRefund(w http.ResponseWriter, r *http.Request) {
	var req SubmitRefundRequest
	if !h.decode(w, r, &req) {
		return
	}

	request, err := h.Refunds.Submit(r.Context(), ledger.AccountID(req.UserID), req.Note)
	if err != nil {
		h.writeDomainError(w, "Failed to submit refund", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRefundDTO(request))
}

// GetRefund returns one refund request.
// GET /api/refunds/{id}
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	request, err := h.Refunds.Store.GetRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get refund", err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(request))
}

// ListRefunds returns requests, filtered by status or user.
// GET /api/refunds?status=pending | ?user_id=u1
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	var (
		requests []refund.Request
		err      error
	)
	switch {
	case r.URL.Query().Get("user_id") != "":
		requests, err = h.Refunds.Store.RefundsByUser(r.Context(),
			ledger.AccountID(r.URL.Query().Get("user_id")))
	case r.URL.Query().Get("status") != "":
		requests, err = h.Refunds.Store.RefundsByStatus(r.Context(),
			refund.Status(r.URL.Query().Get("status")))
	default:
		requests, err = h.Refunds.Store.RefundsByStatus(r.Context(), refund.StatusPending)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list refunds", err)
		return
	}

	dtos := make([]RefundDTO, len(requests))
	for i := range requests {
		dtos[i] = toRefundDTO(&requests[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DecideRefund approves or rejects a PENDING refund. Approval credits the
// ledger; rejection closes the tier pair permanently.
// POST /api/refunds/{id}/approve | /reject
func (h *Handler) DecideRefund(action refund.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DecisionRequest
		if !h.decode(w, r, &req) {
			return
		}

		request, err := h.Refunds.Decide(r.Context(), chi.URLParam(r, "id"),
			action, req.AdminID, req.Notes, refund.AdminMeta(adminMeta(r)))
		if err != nil {
			h.writeDomainError(w, "Failed to decide refund", err)
			return
		}
		writeJSON(w, http.StatusOK, toRefundDTO(request))
	}
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment posts a manual correction entry.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.Ledger.Adjust(r.Context(),
		ledger.AccountID(req.AccountID),
		ledger.Bucket(req.Bucket),
		ledger.NewAmount(req.Amount, ledger.UnitPKR),
		req.Reference, req.Reason,
	)
	if err != nil {
		h.writeDomainError(w, "Failed to post adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// ReverseEntry voids a posted entry with a compensating adjustment.
// POST /api/admin/entries/{id}/reverse
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decode(w, r, &req) {
		return
	}

	compensation, err := h.Ledger.Reverse(r.Context(),
		ledger.EntryID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to reverse entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*compensation))
}

// TriggerReconcile runs a fold-vs-cache sweep over all accounts now.
// POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// GetAuditTrail queries the audit log by target or actor.
// GET /api/admin/audit?target_type=...&target_id=... | ?actor_id=...
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	var (
		entries []audit.Entry
		err     error
	)
	switch {
	case r.URL.Query().Get("actor_id") != "":
		entries, err = h.Audit.ByActor(r.Context(), r.URL.Query().Get("actor_id"))
	case r.URL.Query().Get("target_id") != "":
		entries, err = h.Audit.ByTarget(r.Context(),
			audit.TargetType(r.URL.Query().Get("target_type")),
			r.URL.Query().Get("target_id"))
	default:
		writeError(w, http.StatusBadRequest, "target_id or actor_id is required", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit trail", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAuditSummary returns per-action counts.
// GET /api/admin/audit/summary
func (h *Handler) GetAuditSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Audit.CountByAction(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates the request body. On failure it writes the
// 400 and reports false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.Validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case ledger.IsStateConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsPolicyViolation(err):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		h.Log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func adminMeta(r *http.Request) withdrawal.AdminMeta {
	return withdrawal.AdminMeta{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(timeFormat)
	return &s
}
