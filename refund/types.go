/*
Package refund implements the security-deposit refund lifecycle.

PURPOSE:

	Upgrading to a higher membership tier locks a new, larger deposit. The
	previous tier's deposit becomes refund-eligible, and the user may request
	it back. Requests are PENDING -> APPROVED | REJECTED, terminal either way.

DERIVED ELIGIBILITY:

	Eligibility is never stored. It is recomputed from the account's current
	tier and the deposit schedule at submission time, so client-supplied level
	numbers are never trusted.

RE-REQUEST GUARD:

	One request per (fromLevel, toLevel) pair, ever. A REJECTED request is
	terminal-and-final for its pair; resubmission fails with AlreadyRequested.

SEE ALSO:
  - manager.go: Eligibility / Submit / Decide
*/
package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/clipearn/ledger-engine/ledger"
)

// =============================================================================
// REQUEST
// =============================================================================

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Request is a security-deposit refund request. Created by user action,
// mutated only by admin decision; immutable history once terminal.
type Request struct {
	ID           string
	UserID       ledger.AccountID
	FromLevel    int
	ToLevel      int
	RefundAmount ledger.Amount
	Status       Status
	RequestNote  string
	AdminNotes   string
	DecidedBy    *string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Eligibility is the derived answer to "can this user request a refund now".
type Eligibility struct {
	Eligible     bool
	Reason       string // why not, when Eligible is false
	FromLevel    int
	ToLevel      int
	RefundAmount ledger.Amount
}

// =============================================================================
// TIER SCHEDULE
// =============================================================================

// TierSchedule maps a tier level to its required locked deposit.
type TierSchedule map[int]ledger.Amount

// Deposit returns the deposit for a level.
func (s TierSchedule) Deposit(level int) (ledger.Amount, error) {
	d, ok := s[level]
	if !ok {
		return ledger.Amount{}, fmt.Errorf("no deposit configured for tier %d", level)
	}
	return d, nil
}

// =============================================================================
// STORE
// =============================================================================

// Store persists refund requests.
type Store interface {
	SaveRefund(ctx context.Context, r Request) error
	GetRefund(ctx context.Context, id string) (*Request, error)
	RefundsByUser(ctx context.Context, userID ledger.AccountID) ([]Request, error)
	RefundsByStatus(ctx context.Context, status Status) ([]Request, error)

	// HasRefundForPair reports whether any request exists for the user and
	// tier pair, in any status. REJECTED blocks resubmission too.
	HasRefundForPair(ctx context.Context, userID ledger.AccountID, fromLevel, toLevel int) (bool, error)
}
