/*
store.go - Persistence contract of the points engine

PURPOSE:
  Defines what the engine needs from its storage collaborator. The engine
  never talks SQL; stores translate these calls for their backend.

KEY INTERFACES:
  Store:   Reads and writes of accounts, transactions and grants
  TxStore: Store plus WithTx for atomic multi-write units

ATOMICITY:
  Every Ledger operation runs inside exactly one WithTx call. If the callback
  returns an error, nothing it wrote may become visible. Stores must give at
  least REPEATABLE READ isolation to the callback.

TRANSACTION LOG:
  AppendTransaction is the only way to create log entries and assigns the
  monotonic ID. SettleTransaction is the only mutation of an existing entry
  and is only ever used to move a reservation to a terminal kind.

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory, for tests and the demo server
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for ledger persistence
// =============================================================================

// Store handles persistence of accounts, the transaction log and grants.
type Store interface {
	// GetAccount returns ErrAccountNotFound if the key is unknown.
	// Inside WithTx, stores that support it lock the row until commit.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// CreateAccount returns ErrAccountAlreadyExists if the key is taken.
	CreateAccount(ctx context.Context, account Account) error

	// UpdateAccount overwrites all balance fields of an existing account.
	UpdateAccount(ctx context.Context, account Account) error

	// AppendTransaction persists tx and returns its newly assigned ID.
	// tx.ID is ignored.
	AppendTransaction(ctx context.Context, tx Transaction) (TransactionID, error)

	// GetTransaction returns ErrTransactionNotFound if the ID is unknown.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// SettleTransaction moves a transaction to kind, recording at as SettledAt.
	SettleTransaction(ctx context.Context, id TransactionID, kind Kind, at time.Time) error

	// Transactions returns the account's log ordered by ID.
	Transactions(ctx context.Context, accountID AccountID) ([]Transaction, error)

	// InsertGrant records an outstanding temporary grant.
	InsertGrant(ctx context.Context, grant Grant) error

	// Grants returns all outstanding grants of the account ordered by expiry.
	Grants(ctx context.Context, accountID AccountID) ([]Grant, error)

	// GrantsExpiringBy returns grants with ExpiresAt <= at, ordered by expiry.
	GrantsExpiringBy(ctx context.Context, accountID AccountID, at time.Time) ([]Grant, error)

	// NextExpiry returns the earliest expiry strictly after at, summing the
	// amounts of grants that share it, or nil if there is none.
	NextExpiry(ctx context.Context, accountID AccountID, after time.Time) (*Expiry, error)

	// DeleteGrants removes the given grants.
	DeleteGrants(ctx context.Context, ids []TransactionID) error
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
