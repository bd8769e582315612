/*
Package sqlite provides the SQLite-backed implementation of every storage
interface: the ledger store, the withdrawal and refund request stores, and
the audit log.

APPEND-ONLY ENFORCEMENT:
  - The only UPDATE touching ledger_entries flips status to 'reversed',
    guarded by a status predicate so it can fire at most once per entry
  - No DELETE statements exist for ledger_entries or audit_log

IDEMPOTENCY:

	A unique index on (account_id, entry_type, reference_id, bucket) turns a
	retried posting into ErrDuplicateReference at the database level, even if
	two writers race past the application-level check.

WAL MODE:

	Opened with WAL so readers don't block the single writer. A package-level
	RWMutex serializes writes the way the engine expects; with PostgreSQL the
	database's own row locks would take over this job.

USAGE:

	store, err := sqlite.New("./data/clipearn.db")  // ":memory:" for tests
	svc := ledger.NewService(store, auditRecorder)

SEE ALSO:
  - ledger/store.go: The interfaces implemented here
  - store/memory: In-memory twin for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/clipearn/ledger-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Accounts (mutable balance projection over the entry log)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		tier_level INTEGER NOT NULL,
		security_deposit TEXT NOT NULL,
		wallet_balance TEXT NOT NULL,
		commission_balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		referrer_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_referrer
		ON accounts(referrer_id) WHERE referrer_id IS NOT NULL;

	-- Ledger entries (append-only). seq fixes the total order per account.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		bucket TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		currency TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	-- CRITICAL: database-level idempotency for retried postings
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_reference
		ON ledger_entries(account_id, entry_type, reference_id, bucket);
	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON ledger_entries(account_id, seq);

	-- Withdrawal requests
	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		payment_target_id TEXT NOT NULL,
		status TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		total_deduction TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		usdt_amount TEXT NOT NULL,
		admin_notes TEXT,
		decided_by TEXT,
		decided_at TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user
		ON withdrawal_requests(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawal_requests(status);

	-- Payment targets (payout destinations)
	CREATE TABLE IF NOT EXISTS payment_targets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		method TEXT NOT NULL,
		label TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_targets_user ON payment_targets(user_id);

	-- Security refund requests. At most one request per tier pair, ever.
	CREATE TABLE IF NOT EXISTS security_refund_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		from_level INTEGER NOT NULL,
		to_level INTEGER NOT NULL,
		refund_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		request_note TEXT,
		admin_notes TEXT,
		decided_by TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_refunds_pair
		ON security_refund_requests(user_id, from_level, to_level);
	CREATE INDEX IF NOT EXISTS idx_refunds_status
		ON security_refund_requests(status);

	-- Audit log (write-once)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		description TEXT,
		details_json TEXT NOT NULL,
		ip_address TEXT,
		user_agent TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_target
		ON audit_log(target_type, target_id);
	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_log(actor_id) WHERE actor_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer abstracts *sql.DB and *sql.Tx for the shared query helpers.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS (ledger.Store)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q queryer, id ledger.AccountID) (*ledger.Account, error) {
	var (
		a          ledger.Account
		deposit    string
		wallet     string
		commission string
		curr       string
		referrerID sql.NullString
		createdAt  string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, status, tier_level, security_deposit, wallet_balance,
		       commission_balance, currency, referrer_id, created_at
		FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Status, &a.TierLevel, &deposit, &wallet,
		&commission, &curr, &referrerID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	unit := ledger.Unit(curr)
	a.SecurityDeposit = parseAmount(deposit, unit)
	a.WalletBalance = parseAmount(wallet, unit)
	a.CommissionBalance = parseAmount(commission, unit)
	if referrerID.Valid {
		rid := ledger.AccountID(referrerID.String)
		a.ReferrerID = &rid
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveAccount(ctx, s.db, a)
}

func saveAccount(ctx context.Context, q queryer, a ledger.Account) error {
	var referrer sql.NullString
	if a.ReferrerID != nil {
		referrer = sql.NullString{String: string(*a.ReferrerID), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts
		(id, status, tier_level, security_deposit, wallet_balance,
		 commission_balance, currency, referrer_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tier_level = excluded.tier_level,
			security_deposit = excluded.security_deposit,
			wallet_balance = excluded.wallet_balance,
			commission_balance = excluded.commission_balance`,
		a.ID, a.Status, a.TierLevel,
		a.SecurityDeposit.Value.String(),
		a.WalletBalance.Value.String(),
		a.CommissionBalance.Value.String(),
		string(a.WalletBalance.Unit),
		referrer,
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM accounts ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id ledger.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	accounts := make([]ledger.Account, 0, len(ids))
	for _, id := range ids {
		a, err := getAccount(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, nil
}

// =============================================================================
// LEDGER ENTRIES (ledger.Store)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, q queryer, e ledger.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, account_id, entry_type, bucket, amount, balance_after,
		 currency, reference_id, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Type, e.Bucket,
		e.Amount.Value.String(),
		e.BalanceAfter.Value.String(),
		string(e.Amount.Unit),
		e.ReferenceID, e.Status,
		nullString(e.Reason),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReference
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

const entryColumns = `id, account_id, entry_type, bucket, amount, balance_after,
	currency, reference_id, status, reason, created_at`

func (s *Store) EntriesByAccount(ctx context.Context, id ledger.AccountID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? ORDER BY seq`, id)
}

func (s *Store) EntryByID(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryByID(ctx, s.db, id)
}

func entryByID(ctx context.Context, q queryer, id ledger.EntryID) (*ledger.Entry, error) {
	entries, err := queryEntries(ctx, q, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ledger.ErrEntryNotFound
	}
	return &entries[0], nil
}

func (s *Store) MarkReversed(ctx context.Context, id ledger.EntryID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markReversed(ctx, s.db, id, at)
}

func markReversed(ctx context.Context, q queryer, id ledger.EntryID, at time.Time) error {
	// The sole permitted in-place change on an entry.
	res, err := q.ExecContext(ctx, `
		UPDATE ledger_entries SET status = ?, reversed_at = ?
		WHERE id = ? AND status = ?`,
		ledger.EntryReversed, at.UTC().Format(time.RFC3339Nano),
		id, ledger.EntryCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry reversed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := entryByID(ctx, q, id); err != nil {
			return err
		}
		return ledger.ErrEntryReversed
	}
	return nil
}

func (s *Store) HasReference(ctx context.Context, id ledger.AccountID, t ledger.EntryType, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasReference(ctx, s.db, id, t, ref)
}

func hasReference(ctx context.Context, q queryer, id ledger.AccountID, t ledger.EntryType, ref string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE account_id = ? AND entry_type = ? AND reference_id = ?`,
		id, t, ref,
	).Scan(&count)
	return count > 0, err
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e         ledger.Entry
			amount    string
			after     string
			curr      string
			reason    sql.NullString
			createdAt string
		)
		err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Bucket,
			&amount, &after, &curr, &e.ReferenceID, &e.Status,
			&reason, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		unit := ledger.Unit(curr)
		e.Amount = parseAmount(amount, unit)
		e.BalanceAfter = parseAmount(after, unit)
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONS (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. Every store call made
// through the passed Store is committed or rolled back atomically.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the ledger.Store view bound to one open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) SaveAccount(ctx context.Context, a ledger.Account) error {
	return saveAccount(ctx, ts.tx, a)
}

func (ts *txStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return nil, fmt.Errorf("ListAccounts is not available inside a transaction")
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) EntriesByAccount(ctx context.Context, id ledger.AccountID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? ORDER BY seq`, id)
}

func (ts *txStore) EntryByID(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return entryByID(ctx, ts.tx, id)
}

func (ts *txStore) MarkReversed(ctx context.Context, id ledger.EntryID, at time.Time) error {
	return markReversed(ctx, ts.tx, id, at)
}

func (ts *txStore) HasReference(ctx context.Context, id ledger.AccountID, t ledger.EntryType, ref string) (bool, error) {
	return hasReference(ctx, ts.tx, id, t, ref)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseAmount(value string, unit ledger.Unit) ledger.Amount {
	d, err := decimal.NewFromString(value)
	if err != nil {
		d = decimal.Zero
	}
	return ledger.Amount{Value: d, Unit: unit}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
