package points

import (
	"context"
	"sync"
)

// Locker serializes Ledger operations per account. Operations on different
// accounts must not wait on each other.
type Locker interface {
	// Lock blocks until the account is held or ctx is done.
	Lock(ctx context.Context, id AccountID) (unlock func(), err error)
}

// KeyedMutex is the in-process Locker: one mutex per account, created on
// first use.
type KeyedMutex struct {
	mapMu sync.Mutex // protects locks
	locks map[AccountID]*accountLock
}

type accountLock struct {
	ch      chan struct{}
	holders int // goroutines holding or waiting; entry is dropped at zero
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[AccountID]*accountLock)}
}

// Lock waits for the account's mutex or for ctx to be done. The returned
// unlock func is safe to call more than once.
func (k *KeyedMutex) Lock(ctx context.Context, id AccountID) (func(), error) {
	k.mapMu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &accountLock{ch: make(chan struct{}, 1)}
		k.locks[id] = l
	}
	l.holders++
	k.mapMu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.drop(id, l)
		})
	}, nil
}

func (k *KeyedMutex) drop(id AccountID, l *accountLock) {
	k.mapMu.Lock()
	defer k.mapMu.Unlock()
	l.holders--
	if l.holders == 0 {
		delete(k.locks, id)
	}
}
