package sqlite

// Audit log persistence. Rows are write-once; the typed Details payload is
// stored as JSON and decoded back through the action tag.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clipearn/ledger-engine/audit"
)

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details := []byte("{}")
	if e.Details != nil {
		var err error
		details, err = audit.EncodeDetail(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, actor_id, action, target_type, target_id, description,
		 details_json, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		nullStringPtr(e.ActorID),
		e.Action, e.TargetType, e.TargetID,
		nullString(e.Description),
		string(details),
		nullString(e.IPAddress),
		nullString(e.UserAgent),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

const auditColumns = `id, actor_id, action, target_type, target_id, description,
	details_json, ip_address, user_agent, created_at`

func (s *Store) AuditByTarget(ctx context.Context, targetType audit.TargetType, targetID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAudit(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE target_type = ? AND target_id = ? ORDER BY created_at`,
		targetType, targetID)
}

func (s *Store) AuditByActor(ctx context.Context, actorID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryAudit(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE actor_id = ? ORDER BY created_at`, actorID)
}

func (s *Store) AuditCountByAction(ctx context.Context) (map[audit.Action]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT action, COUNT(*) FROM audit_log GROUP BY action")
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[audit.Action]int)
	for rows.Next() {
		var (
			action audit.Action
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e           audit.Entry
			actorID     sql.NullString
			description sql.NullString
			details     string
			ipAddress   sql.NullString
			userAgent   sql.NullString
			createdAt   string
		)
		err := rows.Scan(&e.ID, &actorID, &e.Action, &e.TargetType,
			&e.TargetID, &description, &details, &ipAddress, &userAgent,
			&createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if actorID.Valid {
			e.ActorID = &actorID.String
		}
		e.Description = description.String
		e.IPAddress = ipAddress.String
		e.UserAgent = userAgent.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if details != "" && details != "{}" {
			d, err := audit.DecodeDetail(e.Action, []byte(details))
			if err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
			e.Details = d
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
