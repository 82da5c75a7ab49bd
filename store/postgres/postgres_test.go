package postgres_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/postgres"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

var accountColumns = []string{"id", "total", "total_temporary", "payed_temporary", "reserved", "earliest_expiry_at", "earliest_expiry_amount"}

const (
	selectAccount       = "SELECT id, total, total_temporary, payed_temporary, reserved, earliest_expiry_at, earliest_expiry_amount FROM accounts WHERE id = $1"
	selectAccountLocked = selectAccount + " FOR UPDATE"
)

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return postgres.New(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestStore_GetAccount(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	t.Run("with cached expiry", func(t *testing.T) {
		mock.ExpectQuery(q(selectAccount)).
			WithArgs("acc-1").
			WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 10, 5, 2, 3, t0, 5))

		account, err := store.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		assert.Equal(t, points.Account{
			ID: "acc-1", Total: 10, TotalTemporary: 5, PayedTemporary: 2, Reserved: 3,
			EarliestExpiry: &points.Expiry{At: t0, Amount: 5},
		}, account)
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectQuery(q(selectAccount)).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(accountColumns))

		_, err := store.GetAccount(ctx, "ghost")
		assert.ErrorIs(t, err, points.ErrAccountNotFound)
	})

	t.Run("connection lost", func(t *testing.T) {
		mock.ExpectQuery(q(selectAccount)).
			WithArgs("acc-1").
			WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

		_, err := store.GetAccount(ctx, "acc-1")
		assert.ErrorIs(t, err, points.ErrStorageUnavailable)
	})

	t.Run("connection refused", func(t *testing.T) {
		mock.ExpectQuery(q(selectAccount)).
			WithArgs("acc-1").
			WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")})

		_, err := store.GetAccount(ctx, "acc-1")
		assert.ErrorIs(t, err, points.ErrStorageUnavailable)
		assert.True(t, points.IsRetryable(err))
	})

	t.Run("connection dropped mid-read", func(t *testing.T) {
		mock.ExpectQuery(q(selectAccount)).
			WithArgs("acc-1").
			WillReturnError(io.EOF)

		_, err := store.GetAccount(ctx, "acc-1")
		assert.ErrorIs(t, err, points.ErrStorageUnavailable)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateAccount_Duplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(q("INSERT INTO accounts")).
		WithArgs("acc-1", 10, 0, 0, 0, nil, nil).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.CreateAccount(context.Background(), points.Account{ID: "acc-1", Total: 10})
	assert.ErrorIs(t, err, points.ErrAccountAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_LocksAccountRow(t *testing.T) {
	// GIVEN: An account read inside WithTx
	// THEN: The read takes a row lock and the update commits

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(q(selectAccountLocked)).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 10, 0, 0, 0, nil, nil))
	mock.ExpectExec(q("UPDATE accounts SET total = $1")).
		WithArgs(11, 0, 0, 0, nil, nil, "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(s points.Store) error {
		account, err := s.GetAccount(ctx, "acc-1")
		if err != nil {
			return err
		}
		account.Total++
		return s.UpdateAccount(ctx, account)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_SerializationFailure(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE accounts SET total = $1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	err := store.WithTx(ctx, func(s points.Store) error {
		return s.UpdateAccount(ctx, points.Account{ID: "acc-1"})
	})
	assert.ErrorIs(t, err, points.ErrStorageConflict)
	assert.True(t, points.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(q(selectAccountLocked)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(accountColumns))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(s points.Store) error {
		_, err := s.GetAccount(ctx, "ghost")
		return err
	})
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Transactions(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	expiry := t0.Add(time.Hour)

	columns := []string{"id", "account_id", "amount", "kind", "created_at", "expires_at", "settled_at"}
	mock.ExpectQuery(q("FROM transactions WHERE account_id = $1 ORDER BY id ASC")).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(1, "acc-1", 5, "temporary_grant", t0, expiry, nil).
			AddRow(2, "acc-1", 3, "committed", t0, nil, t0.Add(time.Minute)))

	entries, err := store.Transactions(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, points.KindTemporaryGrant, entries[0].Kind)
	require.NotNil(t, entries[0].ExpiresAt)
	assert.Equal(t, expiry, *entries[0].ExpiresAt)
	assert.Nil(t, entries[0].SettledAt)
	assert.Equal(t, points.KindCommitted, entries[1].Kind)
	require.NotNil(t, entries[1].SettledAt)

	mock.ExpectExec(q("UPDATE transactions SET kind = $1, settled_at = $2 WHERE id = $3")).
		WithArgs("canceled", t0, 99).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.SettleTransaction(ctx, 99, points.KindCanceled, t0)
	assert.ErrorIs(t, err, points.ErrTransactionNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GrantQueries(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(q("FROM temporary_grants WHERE account_id = $1 AND expires_at > $2")).
		WithArgs("acc-1", t0).
		WillReturnRows(sqlmock.NewRows([]string{"expires_at", "sum"}).AddRow(t0.Add(time.Minute), 7))
	next, err := store.NextExpiry(ctx, "acc-1", t0)
	require.NoError(t, err)
	assert.Equal(t, &points.Expiry{At: t0.Add(time.Minute), Amount: 7}, next)

	mock.ExpectQuery(q("FROM temporary_grants WHERE account_id = $1 AND expires_at > $2")).
		WithArgs("acc-1", t0).
		WillReturnRows(sqlmock.NewRows([]string{"expires_at", "sum"}))
	next, err = store.NextExpiry(ctx, "acc-1", t0)
	require.NoError(t, err)
	assert.Nil(t, next)

	mock.ExpectQuery(q("FROM temporary_grants WHERE account_id = $1 AND expires_at <= $2")).
		WithArgs("acc-1", t0).
		WillReturnRows(sqlmock.NewRows([]string{"transaction_id", "account_id", "amount", "expires_at"}).
			AddRow(4, "acc-1", 5, t0))
	expiring, err := store.GrantsExpiringBy(ctx, "acc-1", t0)
	require.NoError(t, err)
	assert.Equal(t, []points.Grant{{ID: 4, AccountID: "acc-1", Amount: 5, ExpiresAt: t0}}, expiring)

	mock.ExpectExec(q("DELETE FROM temporary_grants WHERE transaction_id = ANY($1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeleteGrants(ctx, []points.TransactionID{4}))
	require.NoError(t, store.DeleteGrants(ctx, nil), "empty delete issues no query")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_Postgres_AddPoints(t *testing.T) {
	// GIVEN: A ledger over PostgreSQL
	// WHEN: Adding 5 points
	// THEN: Lock row, append with RETURNING id, update, commit

	store, mock := newMockStore(t)
	ledger := points.New(store,
		points.WithClock(points.NewFixedClock(t0)),
		points.WithLogger(log.New(io.Discard, "", 0)))

	mock.ExpectBegin()
	mock.ExpectQuery(q(selectAccountLocked)).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 10, 0, 0, 0, nil, nil))
	mock.ExpectQuery(q("INSERT INTO transactions (account_id, amount, kind, created_at, expires_at, settled_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id")).
		WithArgs("acc-1", 5, "points_added", t0, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectExec(q("UPDATE accounts SET total = $1")).
		WithArgs(15, 0, 0, 0, nil, nil, "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	txID, err := ledger.AddPoints(context.Background(), "acc-1", 5)
	require.NoError(t, err)
	assert.Equal(t, points.TransactionID(42), txID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := postgres.Open(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1", postgres.PoolConfig{MaxOpenConns: 2})
	assert.ErrorIs(t, err, points.ErrStorageUnavailable)
	assert.True(t, points.IsRetryable(err))
}
