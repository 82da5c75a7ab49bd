/*
Package sqlite provides a SQLite-backed points.TxStore.

PURPOSE:
  Persists accounts, the transaction log and outstanding temporary grants in
  a single SQLite file. The same schema runs on PostgreSQL (see
  store/postgres) with only dialect differences.

KEY TABLES:
  accounts:          One balance row per account, including the cached
                     earliest expiry
  transactions:      Transaction log. Rows are only ever inserted, except
                     that a reservation's kind and settled_at are updated
                     once when it is committed or canceled
  temporary_grants:  Grants that have not expired yet. Rows are deleted by
                     reconciliation

INDEXES:
  - idx_transactions_account: Per-account history
  - idx_grants_account_expiry: Expiry range lookups (hot path of reconcile)

TIMESTAMPS:
  Stored as INTEGER unix nanoseconds so that range comparisons and ORDER BY
  work on the raw column.

CONCURRENCY:
  Opened in WAL mode with IMMEDIATE transactions: readers never block, and
  a writer takes the database write lock when WithTx begins. A writer that
  cannot get the lock within the busy timeout fails with
  points.ErrStorageConflict and the operation may be retried.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := points.New(store)

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/points-engine/points"
)

// Store implements points.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ points.TxStore = (*Store)(nil)
	_ points.Store   = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{db: db}, db: db}
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

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return mapError(s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0,
		total_temporary INTEGER NOT NULL DEFAULT 0,
		payed_temporary INTEGER NOT NULL DEFAULT 0,
		reserved INTEGER NOT NULL DEFAULT 0,
		earliest_expiry_at INTEGER,
		earliest_expiry_amount INTEGER,
		CHECK (total >= 0 AND total_temporary >= 0 AND payed_temporary >= 0 AND reserved >= 0)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount INTEGER NOT NULL,
		kind TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		settled_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id, id);

	CREATE TABLE IF NOT EXISTS temporary_grants (
		transaction_id INTEGER PRIMARY KEY REFERENCES transactions(id),
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grants_account_expiry
		ON temporary_grants(account_id, expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{db: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	queries
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db querier
}

func (q queries) GetAccount(ctx context.Context, id points.AccountID) (points.Account, error) {
	var (
		account      points.Account
		expiryAt     sql.NullInt64
		expiryAmount sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, total, total_temporary, payed_temporary, reserved,
		       earliest_expiry_at, earliest_expiry_amount
		FROM accounts
		WHERE id = ?
	`, id).Scan(
		&account.ID, &account.Total, &account.TotalTemporary, &account.PayedTemporary,
		&account.Reserved, &expiryAt, &expiryAmount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Account{}, points.ErrAccountNotFound
	}
	if err != nil {
		return points.Account{}, fmt.Errorf("failed to get account: %w", mapError(err))
	}

	if expiryAt.Valid {
		account.EarliestExpiry = &points.Expiry{At: fromNanos(expiryAt.Int64), Amount: expiryAmount.Int64}
	}
	return account, nil
}

func (q queries) CreateAccount(ctx context.Context, account points.Account) error {
	at, amount := expiryColumns(account.EarliestExpiry)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts
		(id, total, total_temporary, payed_temporary, reserved, earliest_expiry_at, earliest_expiry_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, account.ID, account.Total, account.TotalTemporary, account.PayedTemporary, account.Reserved, at, amount)

	if isUniqueConstraintError(err) {
		return points.ErrAccountAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

func (q queries) UpdateAccount(ctx context.Context, account points.Account) error {
	at, amount := expiryColumns(account.EarliestExpiry)
	result, err := q.db.ExecContext(ctx, `
		UPDATE accounts
		SET total = ?, total_temporary = ?, payed_temporary = ?, reserved = ?,
		    earliest_expiry_at = ?, earliest_expiry_amount = ?
		WHERE id = ?
	`, account.Total, account.TotalTemporary, account.PayedTemporary, account.Reserved, at, amount, account.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", mapError(err))
	}
	return requireRow(result, points.ErrAccountNotFound)
}

func (q queries) AppendTransaction(ctx context.Context, tx points.Transaction) (points.TransactionID, error) {
	result, err := q.db.ExecContext(ctx, `
		INSERT INTO transactions (account_id, amount, kind, created_at, expires_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tx.AccountID, tx.Amount, tx.Kind.String(), toNanos(tx.CreatedAt), nullNanos(tx.ExpiresAt), nullNanos(tx.SettledAt))
	if err != nil {
		return 0, fmt.Errorf("failed to append transaction: %w", mapError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read transaction id: %w", err)
	}
	return points.TransactionID(id), nil
}

const selectTransactions = `
	SELECT id, account_id, amount, kind, created_at, expires_at, settled_at
	FROM transactions
`

func (q queries) GetTransaction(ctx context.Context, id points.TransactionID) (points.Transaction, error) {
	txs, err := q.queryTransactions(ctx, selectTransactions+" WHERE id = ?", id)
	if err != nil {
		return points.Transaction{}, err
	}
	if len(txs) == 0 {
		return points.Transaction{}, points.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (q queries) SettleTransaction(ctx context.Context, id points.TransactionID, kind points.Kind, at time.Time) error {
	result, err := q.db.ExecContext(ctx,
		"UPDATE transactions SET kind = ?, settled_at = ? WHERE id = ?",
		kind.String(), toNanos(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to settle transaction: %w", mapError(err))
	}
	return requireRow(result, points.ErrTransactionNotFound)
}

func (q queries) Transactions(ctx context.Context, accountID points.AccountID) ([]points.Transaction, error) {
	return q.queryTransactions(ctx, selectTransactions+" WHERE account_id = ? ORDER BY id ASC", accountID)
}

func (q queries) queryTransactions(ctx context.Context, query string, args ...any) ([]points.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", mapError(err))
	}
	defer rows.Close()

	var transactions []points.Transaction
	for rows.Next() {
		var (
			tx        points.Transaction
			kind      string
			createdAt int64
			expiresAt sql.NullInt64
			settledAt sql.NullInt64
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &kind, &createdAt, &expiresAt, &settledAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.Kind, err = points.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", tx.ID, err)
		}
		tx.CreatedAt = fromNanos(createdAt)
		tx.ExpiresAt = timeOrNil(expiresAt)
		tx.SettledAt = timeOrNil(settledAt)
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func (q queries) InsertGrant(ctx context.Context, grant points.Grant) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO temporary_grants (transaction_id, account_id, amount, expires_at)
		VALUES (?, ?, ?, ?)
	`, grant.ID, grant.AccountID, grant.Amount, toNanos(grant.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", mapError(err))
	}
	return nil
}

func (q queries) Grants(ctx context.Context, accountID points.AccountID) ([]points.Grant, error) {
	return q.queryGrants(ctx, `
		SELECT transaction_id, account_id, amount, expires_at
		FROM temporary_grants
		WHERE account_id = ?
		ORDER BY expires_at ASC, transaction_id ASC
	`, accountID)
}

func (q queries) GrantsExpiringBy(ctx context.Context, accountID points.AccountID, at time.Time) ([]points.Grant, error) {
	return q.queryGrants(ctx, `
		SELECT transaction_id, account_id, amount, expires_at
		FROM temporary_grants
		WHERE account_id = ? AND expires_at <= ?
		ORDER BY expires_at ASC, transaction_id ASC
	`, accountID, toNanos(at))
}

func (q queries) queryGrants(ctx context.Context, query string, args ...any) ([]points.Grant, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", mapError(err))
	}
	defer rows.Close()

	var grants []points.Grant
	for rows.Next() {
		var (
			g         points.Grant
			expiresAt int64
		)
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Amount, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.ExpiresAt = fromNanos(expiresAt)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (q queries) NextExpiry(ctx context.Context, accountID points.AccountID, after time.Time) (*points.Expiry, error) {
	var at, amount int64
	err := q.db.QueryRowContext(ctx, `
		SELECT expires_at, SUM(amount)
		FROM temporary_grants
		WHERE account_id = ? AND expires_at > ?
		GROUP BY expires_at
		ORDER BY expires_at ASC
		LIMIT 1
	`, accountID, toNanos(after)).Scan(&at, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next expiry: %w", mapError(err))
	}
	return &points.Expiry{At: fromNanos(at), Amount: amount}, nil
}

func (q queries) DeleteGrants(ctx context.Context, ids []points.TransactionID) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	_, err := q.db.ExecContext(ctx, "DELETE FROM temporary_grants WHERE transaction_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete grants: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeOrNil(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func expiryColumns(e *points.Expiry) (sql.NullInt64, sql.NullInt64) {
	if e == nil {
		return sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(e.At), Valid: true}, sql.NullInt64{Int64: e.Amount, Valid: true}
}

func requireRow(result sql.Result, missing error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// mapError turns lock contention into points.ErrStorageConflict.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", points.ErrStorageConflict, err)
	}
	return err
}
