/*
store.go - Persistence interfaces for accounts and ledger entries

PURPOSE:

	Defines the boundary between the ledger service and the database. Two
	implementations exist: SQLite for production and an in-memory store for
	tests. Both enforce the append-only contract.

APPEND-ONLY CONTRACT:
  - AppendEntry is the only way an entry comes into existence
  - MarkReversed is the only in-place change, and only COMPLETED -> REVERSED
  - No delete operation exists anywhere on the interface

ATOMICITY:

	WithTx gives the service an all-or-nothing boundary: the entry append and
	the cached-balance update on the account row commit together or not at all.

IMPLEMENTATIONS:
  - store/sqlite: production store, WAL mode, unique reference index
  - store/memory: in-memory store for tests

SEE ALSO:
  - ledger.go: The service driving these interfaces
  - store/sqlite/sqlite.go, store/memory/memory.go
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Account + entry persistence
// =============================================================================

// Store persists accounts and ledger entries.
// Entries are APPEND-ONLY: the sole permitted mutation is a status flip to
// REVERSED, always paired with a compensating entry.
type Store interface {
	// GetAccount returns the account projection, or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// SaveAccount inserts or updates the account projection row.
	SaveAccount(ctx context.Context, a Account) error

	// ListAccounts returns every account. Used by reconciliation.
	ListAccounts(ctx context.Context) ([]Account, error)

	// AppendEntry persists an entry. Returns ErrDuplicateReference if an
	// entry with the same (account, type, reference, bucket) exists.
	AppendEntry(ctx context.Context, e Entry) error

	// EntriesByAccount returns all entries for an account in creation order.
	EntriesByAccount(ctx context.Context, id AccountID) ([]Entry, error)

	// EntryByID returns one entry, or ErrEntryNotFound.
	EntryByID(ctx context.Context, id EntryID) (*Entry, error)

	// MarkReversed flips entry status COMPLETED -> REVERSED.
	// Returns ErrEntryReversed if already reversed.
	MarkReversed(ctx context.Context, id EntryID, at time.Time) error

	// HasReference reports whether an idempotency reference already exists
	// for the account and entry type (any bucket).
	HasReference(ctx context.Context, id AccountID, t EntryType, ref string) (bool, error)
}

// TxStore wraps Store with transaction support. The ledger service requires
// it: every balance mutation is an entry append plus a projection update,
// and the two must commit atomically.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
