package sqlite

// Withdrawal and security-refund request persistence. Requests are small
// state machines, so unlike ledger entries their rows are updated in place;
// the managers own the transition rules, this file just stores the result.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clipearn/ledger-engine/ledger"
	"github.com/clipearn/ledger-engine/refund"
	"github.com/clipearn/ledger-engine/withdrawal"
)

// =============================================================================
// WITHDRAWAL REQUESTS (withdrawal.Store)
// =============================================================================

func (s *Store) SaveWithdrawal(ctx context.Context, r withdrawal.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests
		(id, user_id, amount, method, payment_target_id, status,
		 fee_amount, total_deduction, net_amount, usdt_amount,
		 admin_notes, decided_by, decided_at, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			admin_notes = excluded.admin_notes,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at,
			processed_at = excluded.processed_at`,
		r.ID, r.UserID,
		r.Amount.Value.String(), r.Method, r.PaymentTargetID, r.Status,
		r.FeeAmount.Value.String(),
		r.TotalDeduction.Value.String(),
		r.NetAmount.Value.String(),
		r.USDTAmount.Value.String(),
		nullString(r.AdminNotes),
		nullStringPtr(r.DecidedBy),
		nullTime(r.DecidedAt),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(r.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save withdrawal request: %w", err)
	}
	return nil
}

const withdrawalColumns = `id, user_id, amount, method, payment_target_id, status,
	fee_amount, total_deduction, net_amount, usdt_amount,
	admin_notes, decided_by, decided_at, created_at, processed_at`

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requests, err := s.queryWithdrawals(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ledger.ErrRequestNotFound
	}
	return &requests[0], nil
}

func (s *Store) WithdrawalsByUser(ctx context.Context, userID ledger.AccountID) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryWithdrawals(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *Store) WithdrawalsByStatus(ctx context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryWithdrawals(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE status = ? ORDER BY created_at`, status)
}

func (s *Store) CountWithdrawalsSince(ctx context.Context, userID ledger.AccountID, since, until time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM withdrawal_requests
		WHERE user_id = ? AND status != ? AND created_at >= ? AND created_at < ?`,
		userID, withdrawal.StatusRejected,
		since.UTC().Format(time.RFC3339Nano),
		until.UTC().Format(time.RFC3339Nano),
	).Scan(&count)
	return count, err
}

func (s *Store) queryWithdrawals(ctx context.Context, query string, args ...any) ([]withdrawal.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawal requests: %w", err)
	}
	defer rows.Close()

	var requests []withdrawal.Request
	for rows.Next() {
		var (
			r          withdrawal.Request
			amount     string
			fee        string
			total      string
			net        string
			usdt       string
			adminNotes sql.NullString
			decidedBy  sql.NullString
			decidedAt  sql.NullString
			createdAt  string
			processed  sql.NullString
		)
		err := rows.Scan(&r.ID, &r.UserID, &amount, &r.Method,
			&r.PaymentTargetID, &r.Status, &fee, &total, &net, &usdt,
			&adminNotes, &decidedBy, &decidedAt, &createdAt, &processed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
		}
		r.Amount = parseAmount(amount, ledger.UnitPKR)
		r.FeeAmount = parseAmount(fee, ledger.UnitPKR)
		r.TotalDeduction = parseAmount(total, ledger.UnitPKR)
		r.NetAmount = parseAmount(net, ledger.UnitPKR)
		r.USDTAmount = parseAmount(usdt, ledger.UnitUSDT)
		r.AdminNotes = adminNotes.String
		if decidedBy.Valid {
			r.DecidedBy = &decidedBy.String
		}
		r.DecidedAt = parseTimePtr(decidedAt)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.ProcessedAt = parseTimePtr(processed)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// =============================================================================
// PAYMENT TARGETS (withdrawal.Store)
// =============================================================================

func (s *Store) SavePaymentTarget(ctx context.Context, t withdrawal.PaymentTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_targets (id, user_id, method, label, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			active = excluded.active`,
		t.ID, t.UserID, t.Method, t.Label, t.Active,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment target: %w", err)
	}
	return nil
}

func (s *Store) GetPaymentTarget(ctx context.Context, id string) (*withdrawal.PaymentTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets, err := s.queryPaymentTargets(ctx, `
		SELECT id, user_id, method, label, active, created_at
		FROM payment_targets WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ledger.ErrTargetNotFound
	}
	return &targets[0], nil
}

func (s *Store) PaymentTargetsByUser(ctx context.Context, userID ledger.AccountID) ([]withdrawal.PaymentTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPaymentTargets(ctx, `
		SELECT id, user_id, method, label, active, created_at
		FROM payment_targets WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *Store) queryPaymentTargets(ctx context.Context, query string, args ...any) ([]withdrawal.PaymentTarget, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment targets: %w", err)
	}
	defer rows.Close()

	var targets []withdrawal.PaymentTarget
	for rows.Next() {
		var (
			t         withdrawal.PaymentTarget
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Method, &t.Label, &t.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment target: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// =============================================================================
// SECURITY REFUND REQUESTS (refund.Store)
// =============================================================================

func (s *Store) SaveRefund(ctx context.Context, r refund.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_refund_requests
		(id, user_id, from_level, to_level, refund_amount, status,
		 request_note, admin_notes, decided_by, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			admin_notes = excluded.admin_notes,
			decided_by = excluded.decided_by,
			processed_at = excluded.processed_at`,
		r.ID, r.UserID, r.FromLevel, r.ToLevel,
		r.RefundAmount.Value.String(), r.Status,
		nullString(r.RequestNote),
		nullString(r.AdminNotes),
		nullStringPtr(r.DecidedBy),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(r.ProcessedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAlreadyRequested
		}
		return fmt.Errorf("failed to save refund request: %w", err)
	}
	return nil
}

const refundColumns = `id, user_id, from_level, to_level, refund_amount, status,
	request_note, admin_notes, decided_by, created_at, processed_at`

func (s *Store) GetRefund(ctx context.Context, id string) (*refund.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requests, err := s.queryRefunds(ctx, `
		SELECT `+refundColumns+` FROM security_refund_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ledger.ErrRequestNotFound
	}
	return &requests[0], nil
}

func (s *Store) RefundsByUser(ctx context.Context, userID ledger.AccountID) ([]refund.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRefunds(ctx, `
		SELECT `+refundColumns+` FROM security_refund_requests
		WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *Store) RefundsByStatus(ctx context.Context, status refund.Status) ([]refund.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRefunds(ctx, `
		SELECT `+refundColumns+` FROM security_refund_requests
		WHERE status = ? ORDER BY created_at`, status)
}

func (s *Store) HasRefundForPair(ctx context.Context, userID ledger.AccountID, fromLevel, toLevel int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_refund_requests
		WHERE user_id = ? AND from_level = ? AND to_level = ?`,
		userID, fromLevel, toLevel,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) queryRefunds(ctx context.Context, query string, args ...any) ([]refund.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refund requests: %w", err)
	}
	defer rows.Close()

	var requests []refund.Request
	for rows.Next() {
		var (
			r           refund.Request
			amount      string
			requestNote sql.NullString
			adminNotes  sql.NullString
			decidedBy   sql.NullString
			createdAt   string
			processed   sql.NullString
		)
		err := rows.Scan(&r.ID, &r.UserID, &r.FromLevel, &r.ToLevel,
			&amount, &r.Status, &requestNote, &adminNotes, &decidedBy,
			&createdAt, &processed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund request: %w", err)
		}
		r.RefundAmount = parseAmount(amount, ledger.UnitPKR)
		r.RequestNote = requestNote.String
		r.AdminNotes = adminNotes.String
		if decidedBy.Valid {
			r.DecidedBy = &decidedBy.String
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.ProcessedAt = parseTimePtr(processed)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
