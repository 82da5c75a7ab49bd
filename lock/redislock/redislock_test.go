package redislock

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
)

func newTestLocker(t *testing.T) (*Locker, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	l := New(client,
		WithTTL(5*time.Second),
		WithRetry(time.Millisecond),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	l.newToken = func() string { return "token-1" }
	return l, mock
}

func TestLocker_AcquireAndRelease(t *testing.T) {
	l, mock := newTestLocker(t)

	mock.ExpectSetNX("points:lock:acc-1", "token-1", 5*time.Second).SetVal(true)
	mock.ExpectEvalSha(unlockScript.Hash(), []string{"points:lock:acc-1"}, "token-1").SetVal(int64(1))

	unlock, err := l.Lock(context.Background(), "acc-1")
	require.NoError(t, err)
	unlock()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_RetriesWhileHeld(t *testing.T) {
	// GIVEN: Another process holds acc-1
	// WHEN: Locking acc-1
	// THEN: SETNX is retried until it succeeds

	l, mock := newTestLocker(t)

	mock.ExpectSetNX("points:lock:acc-1", "token-1", 5*time.Second).SetVal(false)
	mock.ExpectSetNX("points:lock:acc-1", "token-1", 5*time.Second).SetVal(false)
	mock.ExpectSetNX("points:lock:acc-1", "token-1", 5*time.Second).SetVal(true)

	_, err := l.Lock(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_GivesUpWhenContextDone(t *testing.T) {
	l, mock := newTestLocker(t)
	l.retry = time.Hour

	mock.ExpectSetNX("points:lock:acc-1", "token-1", 5*time.Second).SetVal(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, "acc-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_RedisDown(t *testing.T) {
	l, mock := newTestLocker(t)

	mock.ExpectSetNX("points:lock:acc-1", "token-1", 5*time.Second).SetErr(errors.New("connection refused"))

	_, err := l.Lock(context.Background(), "acc-1")
	assert.ErrorIs(t, err, points.ErrStorageUnavailable)
	assert.True(t, points.IsRetryable(err))
}

func TestLocker_ExpiredLockIsNotDeleted(t *testing.T) {
	// GIVEN: The lock expired and someone else took it
	// WHEN: The first holder releases
	// THEN: The script deletes nothing (returns 0) and release does not fail

	l, mock := newTestLocker(t)

	mock.ExpectSetNX("points:lock:acc-1", "token-1", 5*time.Second).SetVal(true)
	mock.ExpectEvalSha(unlockScript.Hash(), []string{"points:lock:acc-1"}, "token-1").SetVal(int64(0))

	unlock, err := l.Lock(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.NotPanics(t, unlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}
