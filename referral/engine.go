/*
engine.go - Commission fan-out

PURPOSE:

	Given a qualifying earning event, credits the earner and posts commission
	entries up the referral chain. One LedgerStore credit per eligible
	upstream account, each with a reference key derived deterministically from
	(event ID, table, level), so re-running the same event is a no-op rather
	than a double-pay.

FAILURE SEMANTICS:

	The fan-out is NOT one atomic multi-account transaction. If level B fails
	after level A succeeded, the engine records the partial failure in the
	FanOut result and logs it; re-invoking Distribute with the same event is
	always safe because already-posted levels short-circuit on their
	idempotent reference keys. Retry is by re-run - there is no background
	retry job.

CHAIN RESOLUTION:

	The chain is walked through the immutable referrer link set at signup:
	earner -> A -> B -> C. A missing link at any level simply stops
	propagation; it is not an error.

SEE ALSO:
  - types.go: Events, levels, rate tables
  - ledger/ledger.go: The idempotent Credit underneath every posting
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipearn/ledger-engine/audit"
	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/metrics"
)

// =============================================================================
// ENGINE
// =============================================================================

// AccountReader is the slice of the ledger store the engine needs to walk
// the chain and check eligibility.
type AccountReader interface {
	GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error)
}

// Engine computes and posts commissions for earning events.
type Engine struct {
	Ledger   *ledger.Service
	Accounts AccountReader
	Rates    Rates
	Audit    *audit.Recorder
	Log      *slog.Logger
}

func NewEngine(svc *ledger.Service, accounts AccountReader, rates Rates, rec *audit.Recorder, log *slog.Logger) *Engine {
	return &Engine{Ledger: svc, Accounts: accounts, Rates: rates, Audit: rec, Log: log}
}

// =============================================================================
// FAN-OUT RESULT
// =============================================================================

// SkipReason explains a level that earned nothing.
type SkipReason string

const (
	SkipNoReferrer    SkipReason = "no_referrer"    // chain ends here
	SkipInactive      SkipReason = "inactive"       // referrer not ACTIVE at posting time
	SkipZeroRate      SkipReason = "zero_rate"      // table has no rate for this level
	SkipAlreadyPosted SkipReason = "already_posted" // idempotent replay
)

// Posting is the outcome for one (table, level) pair.
type Posting struct {
	Table      Table
	Level      Level
	ReferrerID ledger.AccountID
	Amount     ledger.Amount
	EntryID    ledger.EntryID
	Skipped    SkipReason // empty if posted or failed
	Err        error      // non-nil if the credit failed; retry by re-running
}

// FanOut summarizes one Distribute call.
type FanOut struct {
	EventID  string
	Postings []Posting
}

// Failed reports whether any level's credit failed and needs a re-run.
func (f *FanOut) Failed() bool {
	for _, p := range f.Postings {
		if p.Err != nil {
			return true
		}
	}
	return false
}

// =============================================================================
// POSTING
// =============================================================================

// Post credits the earner for the event (where the event type carries a
// self-credit) and then distributes commissions up the chain. The earner
// credit uses the event ID itself as reference, so a retried event neither
// double-credits the earner nor double-pays the chain.
func (e *Engine) Post(ctx context.Context, ev Event) (*FanOut, error) {
	if t, ok := selfCreditType(ev.Type); ok {
		_, err := e.Ledger.Credit(ctx, ev.AccountID, ev.BaseAmount, t, ev.ID)
		if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
			return nil, fmt.Errorf("credit earner for event %s: %w", ev.ID, err)
		}
	}
	return e.Distribute(ctx, ev)
}

// Distribute resolves the chain and posts every eligible commission.
// Idempotent and re-runnable: partial failures are reported per level, not
// escalated, and a re-run only posts what is still missing.
func (e *Engine) Distribute(ctx context.Context, ev Event) (*FanOut, error) {
	chain, err := e.resolveChain(ctx, ev.AccountID)
	if err != nil {
		return nil, err
	}

	out := &FanOut{EventID: ev.ID}
	for _, table := range []Table{TableReferral, TableManagement} {
		rates, ok := e.tableFor(table, ev.Type)
		if !ok {
			continue
		}
		for i, level := range Levels {
			p := Posting{Table: table, Level: level}

			if i >= len(chain) {
				p.Skipped = SkipNoReferrer
				out.Postings = append(out.Postings, p)
				continue
			}
			p.ReferrerID = chain[i].ReferrerID

			rate := rates.Rate(level)
			if rate.IsZero() {
				p.Skipped = SkipZeroRate
				out.Postings = append(out.Postings, p)
				continue
			}

			referrer, err := e.Accounts.GetAccount(ctx, chain[i].ReferrerID)
			if err != nil {
				p.Err = err
				out.Postings = append(out.Postings, p)
				continue
			}
			// Eligibility is evaluated at posting time. Inactive referrers
			// are skipped, not queued.
			if referrer.Status != ledger.AccountActive {
				p.Skipped = SkipInactive
				metrics.CommissionSkips.WithLabelValues(string(SkipInactive)).Inc()
				out.Postings = append(out.Postings, p)
				continue
			}

			p.Amount = ev.BaseAmount.Mul(rate)
			ref := referenceKey(ev.ID, table, level)
			entry, err := e.Ledger.Credit(ctx, referrer.ID, p.Amount, entryTypeFor(table, level), ref)
			switch {
			case errors.Is(err, ledger.ErrDuplicateReference):
				p.Skipped = SkipAlreadyPosted
			case err != nil:
				p.Err = err
				e.Log.Error("commission posting failed, safe to re-run",
					"event", ev.ID, "table", table, "level", level,
					"referrer", referrer.ID, "err", err)
			default:
				p.EntryID = entry.ID
				metrics.CommissionPayouts.WithLabelValues(string(level)).Inc()
				e.Audit.Record(ctx, audit.Entry{
					Action:      audit.ActionCommissionPosted,
					TargetType:  audit.TargetAccount,
					TargetID:    string(referrer.ID),
					Description: fmt.Sprintf("commission %s/%s for event %s", table, level, ev.ID),
					Details: &audit.CommissionPostedDetail{
						EventID:   ev.ID,
						EventType: string(ev.Type),
						Level:     string(level),
						Earner:    string(ev.AccountID),
						Amount:    p.Amount.Value.String(),
					},
				})
			}
			out.Postings = append(out.Postings, p)
		}
	}
	return out, nil
}

// resolveChain walks the immutable referrer links up to three levels.
func (e *Engine) resolveChain(ctx context.Context, id ledger.AccountID) ([]Edge, error) {
	var chain []Edge
	cur := id
	for _, level := range Levels {
		acct, err := e.Accounts.GetAccount(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("resolve chain at %s: %w", cur, err)
		}
		if acct.ReferrerID == nil {
			break
		}
		chain = append(chain, Edge{Level: level, ReferrerID: *acct.ReferrerID})
		cur = *acct.ReferrerID
	}
	return chain, nil
}

func (e *Engine) tableFor(table Table, t EventType) (RateTable, bool) {
	var m map[EventType]RateTable
	if table == TableManagement {
		m = e.Rates.Management
	} else {
		m = e.Rates.Referral
	}
	rt, ok := m[t]
	return rt, ok
}

// referenceKey is deterministic per (event, table, level) so replays and
// retries collapse onto the same ledger reference.
func referenceKey(eventID string, table Table, level Level) string {
	return fmt.Sprintf("%s:%s:%s", eventID, table, level)
}
