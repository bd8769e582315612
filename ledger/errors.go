/*
errors.go - Centralized error taxonomy for the ledger core

PURPOSE:

	All shared error types in one place. The lifecycle managers (withdrawal,
	refund) and the commission engine reuse these sentinels so the API layer
	can map any error to an HTTP status with one set of helpers.

CATEGORIES:
 1. Policy violations - business rule rejections, shown to the user
 2. State conflicts   - detected races / stale snapshots, safe to retry
 3. Not found         - unknown account/request/entry

USAGE:

	if errors.Is(err, ledger.ErrInsufficientBalance) { ... }
	if ledger.IsStateConflict(err) { ... surface to admin for re-attempt ... }

SEE ALSO:
  - ledger.go: Produces the balance/reference errors
  - withdrawal/manager.go, refund/manager.go: Produce the policy errors
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateReference is returned when an entry with the same
	// (account, type, reference, bucket) already exists. This is expected
	// behavior for retried events, not a fault.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrInsufficientBalance is returned when a debit would drive a
	// balance negative. Debits are rejected, never clamped.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition is returned when a lifecycle decision targets a
	// request that is already in a terminal state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrBelowMinimum is returned when a withdrawal is under the
	// configured minimum.
	ErrBelowMinimum = errors.New("amount below minimum withdrawal")

	// ErrMethodDisabled is returned when the payment method is globally
	// disabled or the payment target is not usable by this user.
	ErrMethodDisabled = errors.New("payment method disabled")

	// ErrDailyLimitExceeded is returned when the user already has the
	// maximum number of same-day withdrawal requests.
	ErrDailyLimitExceeded = errors.New("daily withdrawal limit exceeded")

	// ErrAlreadyRequested is returned when a security refund for the same
	// tier pair already exists.
	ErrAlreadyRequested = errors.New("refund already requested for this tier pair")

	// ErrNotEligible is returned when a refund submission fails the derived
	// eligibility check (no upgrade has happened yet).
	ErrNotEligible = errors.New("not eligible for security refund")

	// ErrTierNotHigher is returned when a tier upgrade does not increase
	// the level. Tier level is monotonically non-decreasing.
	ErrTierNotHigher = errors.New("tier level must increase")

	// ErrEntryReversed is returned when reversing an entry that is already
	// reversed.
	ErrEntryReversed = errors.New("entry already reversed")

	ErrAccountNotFound = errors.New("account not found")
	ErrRequestNotFound = errors.New("request not found")
	ErrEntryNotFound   = errors.New("entry not found")
	ErrTargetNotFound  = errors.New("payment target not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how far short the account is.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %v, requested %v",
		e.AccountID, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidTransitionError reports the rejected transition.
type InvalidTransitionError struct {
	RequestID string
	From      string
	Action    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s request %s in state %s", e.Action, e.RequestID, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// IsPolicyViolation returns true for business-rule rejections that should be
// shown to the requesting user.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrMethodDisabled) ||
		errors.Is(err, ErrDailyLimitExceeded) ||
		errors.Is(err, ErrAlreadyRequested) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrTierNotHigher)
}

// IsStateConflict returns true for detected races and stale snapshots. The
// operation had no side effects and may be safely re-attempted.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrEntryReversed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrTargetNotFound)
}
