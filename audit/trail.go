/*
trail.go - Best-effort audit recorder and query APIs

PURPOSE:

	Record() is called from inside every privileged operation, after the
	business transaction has committed. A failed audit write must not undo
	money movement that already happened, so failures are logged and counted
	but never propagated.

NOT PART OF THE ATOMICITY BOUNDARY:

	The ledger's WithTx boundary covers the entry and the balance projection.
	Audit is a side channel outside that boundary, by contract (not by
	accident): callers invoke Record after their primary commit.

SEE ALSO:
  - types.go: Entry and the typed detail variants
  - store/sqlite, store/memory: Store implementations
*/
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clipearn/ledger-engine/metrics"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists audit entries. Append-only.
type Store interface {
	AppendAudit(ctx context.Context, e Entry) error
	AuditByTarget(ctx context.Context, targetType TargetType, targetID string) ([]Entry, error)
	AuditByActor(ctx context.Context, actorID string) ([]Entry, error)
	AuditCountByAction(ctx context.Context) (map[Action]int, error)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder appends audit entries best-effort.
type Recorder struct {
	Store Store
	Log   *slog.Logger
}

func NewRecorder(store Store, log *slog.Logger) *Recorder {
	return &Recorder{Store: store, Log: log}
}

// Record appends one audit entry. Store failures are logged and swallowed;
// the caller's operation has already committed and must not be rolled back.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if err := r.Store.AppendAudit(ctx, e); err != nil {
		metrics.AuditDropped.Inc()
		r.Log.Error("audit write failed, entry dropped",
			"action", e.Action,
			"target_type", e.TargetType,
			"target_id", e.TargetID,
			"err", err)
	}
}

// ByTarget returns the trail for one record, oldest first.
func (r *Recorder) ByTarget(ctx context.Context, targetType TargetType, targetID string) ([]Entry, error) {
	return r.Store.AuditByTarget(ctx, targetType, targetID)
}

// ByActor returns everything one admin has done, oldest first.
func (r *Recorder) ByActor(ctx context.Context, actorID string) ([]Entry, error) {
	return r.Store.AuditByActor(ctx, actorID)
}

// CountByAction returns aggregate counts for the reporting collaborator.
func (r *Recorder) CountByAction(ctx context.Context) (map[Action]int, error) {
	return r.Store.AuditCountByAction(ctx)
}
