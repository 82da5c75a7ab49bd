/*
Package postgres provides a PostgreSQL-backed points.TxStore.

PURPOSE:
  The multi-process deployment of the points engine. Schema and queries
  mirror store/sqlite; the differences are dialect and locking.

ISOLATION:
  WithTx runs at REPEATABLE READ and every account read inside it takes a
  row lock (SELECT ... FOR UPDATE). Two operations on the same account
  therefore serialize in the database even without a distributed Locker,
  while operations on different accounts never touch the same rows.

ERROR MAPPING:
  40001 serialization_failure  →  points.ErrStorageConflict
  40P01 deadlock_detected      →  points.ErrStorageConflict
  08*   connection exceptions  →  points.ErrStorageUnavailable
  net errors, driver.ErrBadConn, io.EOF  →  points.ErrStorageUnavailable
  23505 unique_violation       →  points.ErrAccountAlreadyExists (accounts only)

USAGE:
  store, err := postgres.Open(ctx, "postgres://...", postgres.PoolConfig{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  if err := store.Migrate(ctx); err != nil {
      log.Fatal(err)
  }
*/
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/warp/points-engine/points"
)

// Store implements points.TxStore on PostgreSQL.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ points.TxStore = (*Store)(nil)
	_ points.Store   = (*txStore)(nil)
)

// PoolConfig tunes the connection pool. Zero values keep database/sql defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", mapError(err))
	}
	return New(db), nil
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{queries: queries{db: db}, db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError(s.db.PingContext(ctx))
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", mapError(err))
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	total BIGINT NOT NULL DEFAULT 0 CHECK (total >= 0),
	total_temporary BIGINT NOT NULL DEFAULT 0 CHECK (total_temporary >= 0),
	payed_temporary BIGINT NOT NULL DEFAULT 0 CHECK (payed_temporary >= 0),
	reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	earliest_expiry_at TIMESTAMPTZ,
	earliest_expiry_amount BIGINT
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	amount BIGINT NOT NULL,
	kind TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	settled_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, id);

CREATE TABLE IF NOT EXISTS temporary_grants (
	transaction_id BIGINT PRIMARY KEY REFERENCES transactions(id),
	account_id TEXT NOT NULL REFERENCES accounts(id),
	amount BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_grants_account_expiry ON temporary_grants(account_id, expires_at);
`

// WithTx executes fn in a REPEATABLE READ transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{db: sqlTx, lockRows: true}}); err != nil {
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
// QUERIES
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db       querier
	lockRows bool // append FOR UPDATE to account reads
}

func (q queries) GetAccount(ctx context.Context, id points.AccountID) (points.Account, error) {
	query := `SELECT id, total, total_temporary, payed_temporary, reserved, earliest_expiry_at, earliest_expiry_amount FROM accounts WHERE id = $1`
	if q.lockRows {
		query += " FOR UPDATE"
	}

	var (
		account      points.Account
		expiryAt     sql.NullTime
		expiryAmount sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx, query, id).Scan(
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
		account.EarliestExpiry = &points.Expiry{At: expiryAt.Time.UTC(), Amount: expiryAmount.Int64}
	}
	return account, nil
}

func (q queries) CreateAccount(ctx context.Context, account points.Account) error {
	at, amount := expiryColumns(account.EarliestExpiry)
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO accounts (id, total, total_temporary, payed_temporary, reserved, earliest_expiry_at, earliest_expiry_amount) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Total, account.TotalTemporary, account.PayedTemporary, account.Reserved, at, amount,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return points.ErrAccountAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

func (q queries) UpdateAccount(ctx context.Context, account points.Account) error {
	at, amount := expiryColumns(account.EarliestExpiry)
	result, err := q.db.ExecContext(ctx,
		`UPDATE accounts SET total = $1, total_temporary = $2, payed_temporary = $3, reserved = $4, earliest_expiry_at = $5, earliest_expiry_amount = $6 WHERE id = $7`,
		account.Total, account.TotalTemporary, account.PayedTemporary, account.Reserved, at, amount, account.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", mapError(err))
	}
	return requireRow(result, points.ErrAccountNotFound)
}

func (q queries) AppendTransaction(ctx context.Context, tx points.Transaction) (points.TransactionID, error) {
	var id int64
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO transactions (account_id, amount, kind, created_at, expires_at, settled_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		tx.AccountID, tx.Amount, tx.Kind.String(), tx.CreatedAt, nullTime(tx.ExpiresAt), nullTime(tx.SettledAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append transaction: %w", mapError(err))
	}
	return points.TransactionID(id), nil
}

const selectTransactions = `SELECT id, account_id, amount, kind, created_at, expires_at, settled_at FROM transactions`

func (q queries) GetTransaction(ctx context.Context, id points.TransactionID) (points.Transaction, error) {
	txs, err := q.queryTransactions(ctx, selectTransactions+" WHERE id = $1", id)
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
		`UPDATE transactions SET kind = $1, settled_at = $2 WHERE id = $3`,
		kind.String(), at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to settle transaction: %w", mapError(err))
	}
	return requireRow(result, points.ErrTransactionNotFound)
}

func (q queries) Transactions(ctx context.Context, accountID points.AccountID) ([]points.Transaction, error) {
	return q.queryTransactions(ctx, selectTransactions+" WHERE account_id = $1 ORDER BY id ASC", accountID)
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
			expiresAt sql.NullTime
			settledAt sql.NullTime
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &kind, &tx.CreatedAt, &expiresAt, &settledAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.Kind, err = points.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", tx.ID, err)
		}
		tx.CreatedAt = tx.CreatedAt.UTC()
		tx.ExpiresAt = timeOrNil(expiresAt)
		tx.SettledAt = timeOrNil(settledAt)
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (q queries) InsertGrant(ctx context.Context, grant points.Grant) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO temporary_grants (transaction_id, account_id, amount, expires_at) VALUES ($1, $2, $3, $4)`,
		grant.ID, grant.AccountID, grant.Amount, grant.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", mapError(err))
	}
	return nil
}

const selectGrants = `SELECT transaction_id, account_id, amount, expires_at FROM temporary_grants`

func (q queries) Grants(ctx context.Context, accountID points.AccountID) ([]points.Grant, error) {
	return q.queryGrants(ctx, selectGrants+" WHERE account_id = $1 ORDER BY expires_at ASC, transaction_id ASC", accountID)
}

func (q queries) GrantsExpiringBy(ctx context.Context, accountID points.AccountID, at time.Time) ([]points.Grant, error) {
	return q.queryGrants(ctx, selectGrants+" WHERE account_id = $1 AND expires_at <= $2 ORDER BY expires_at ASC, transaction_id ASC", accountID, at)
}

func (q queries) queryGrants(ctx context.Context, query string, args ...any) ([]points.Grant, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", mapError(err))
	}
	defer rows.Close()

	var grants []points.Grant
	for rows.Next() {
		var g points.Grant
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Amount, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.ExpiresAt = g.ExpiresAt.UTC()
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (q queries) NextExpiry(ctx context.Context, accountID points.AccountID, after time.Time) (*points.Expiry, error) {
	var (
		at     time.Time
		amount int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT expires_at, SUM(amount)::BIGINT FROM temporary_grants WHERE account_id = $1 AND expires_at > $2 GROUP BY expires_at ORDER BY expires_at ASC LIMIT 1`,
		accountID, after,
	).Scan(&at, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next expiry: %w", mapError(err))
	}
	return &points.Expiry{At: at.UTC(), Amount: amount}, nil
}

func (q queries) DeleteGrants(ctx context.Context, ids []points.TransactionID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM temporary_grants WHERE transaction_id = ANY($1)`, pq.Array(raw))
	if err != nil {
		return fmt.Errorf("failed to delete grants: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func expiryColumns(e *points.Expiry) (sql.NullTime, sql.NullInt64) {
	if e == nil {
		return sql.NullTime{}, sql.NullInt64{}
	}
	return sql.NullTime{Time: e.At, Valid: true}, sql.NullInt64{Int64: e.Amount, Valid: true}
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

// mapError classifies PostgreSQL errors into the points storage errors.
// Failures below the protocol (refused or dropped connections) surface from
// lib/pq as net errors, driver.ErrBadConn or io.EOF.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", points.ErrStorageUnavailable, err)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == "40001" || pqErr.Code == "40P01":
		return fmt.Errorf("%w: %s", points.ErrStorageConflict, pqErr.Message)
	case pqErr.Code.Class() == "08":
		return fmt.Errorf("%w: %s", points.ErrStorageUnavailable, pqErr.Message)
	}
	return err
}
