package points

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameAccount(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "acc-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		unlock2, err := k.Lock(ctx, "acc-1")
		if err == nil {
			close(acquired)
			unlock2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder got the lock while the first still held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not handed over")
	}
}

func TestKeyedMutex_OtherAccountsDoNotWait(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "acc-1")
	require.NoError(t, err)
	defer unlock()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlock2, err := k.Lock(ctx2, "acc-2")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()

	unlock, err := k.Lock(context.Background(), "acc-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "acc-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is ignored

	k.mapMu.Lock()
	assert.Empty(t, k.locks, "released entries are dropped")
	k.mapMu.Unlock()
}
