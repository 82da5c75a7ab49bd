// Package redislock implements points.Locker on Redis so that several
// processes sharing one store serialize operations per account.
//
// A lock is a key holding a random token, set with SET NX and a TTL. Release
// deletes the key only if it still holds the caller's token, so a holder
// whose lock has expired cannot release someone else's.
package redislock

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/warp/points-engine/points"
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Client is the subset of *redis.Client the Locker uses.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Locker is a points.Locker backed by Redis.
type Locker struct {
	client   Client
	prefix   string
	ttl      time.Duration
	retry    time.Duration
	logger   *log.Logger
	newToken func() string
}

var _ points.Locker = (*Locker)(nil)

type Option func(*Locker)

// WithTTL bounds how long a crashed holder can keep an account locked.
// It must exceed the longest operation.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// WithRetry sets the wait between acquisition attempts.
func WithRetry(d time.Duration) Option {
	return func(l *Locker) { l.retry = d }
}

func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// New creates a Locker. client is usually a *redis.Client.
func New(client Client, opts ...Option) *Locker {
	l := &Locker{
		client:   client,
		prefix:   "points:lock:",
		ttl:      10 * time.Second,
		retry:    25 * time.Millisecond,
		logger:   log.New(os.Stderr, "[redislock] ", log.LstdFlags),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock polls until the account key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, id points.AccountID) (func(), error) {
	key := l.prefix + string(id)
	token := l.newToken()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: lock %s: %v", points.ErrStorageUnavailable, key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	return func() {
		// The caller's ctx may already be canceled; release must still run.
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
		defer cancel()
		released, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int64()
		switch {
		case err != nil:
			l.logger.Printf("Failed to release %s: %v", key, err)
		case released == 0:
			l.logger.Printf("Lock %s expired before release", key)
		}
	}, nil
}
