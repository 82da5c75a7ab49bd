/*
Package factory assembles a running points engine from configuration.

PURPOSE:
  Turns a config.Config into the storage backend, the account Locker, the
  event Publisher and the points.Ledger that uses them. The HTTP server and
  every CLI command start from the same Engine, so a deployment behaves the
  same whichever entry point is used.

COMPONENTS:
  storage.driver   memory | sqlite | postgres   → points.TxStore
  redis.enabled    true                         → redislock.Locker
                   false                        → points.KeyedMutex (in-process)
  kafka.enabled    true                         → kafka.Publisher
                   false                        → no events

USAGE:
  engine, err := factory.Build(ctx, cfg, logger)
  if err != nil {
      log.Fatal(err)
  }
  defer engine.Close()

  engine.Ledger.AddPoints(ctx, "acc-1", 10)

SEE ALSO:
  - config/config.go: Configuration keys
  - points/ledger.go: The facade being built
*/
package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/events/kafka"
	"github.com/warp/points-engine/lock/redislock"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/store/postgres"
	"github.com/warp/points-engine/store/sqlite"
)

// =============================================================================
// ENGINE
// =============================================================================

// Pinger is implemented by stores and clients that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Engine is a fully wired Ledger plus the resources it owns.
type Engine struct {
	Ledger *points.Ledger
	Store  points.TxStore

	checks  map[string]Pinger
	closers []io.Closer
}

// Health pings every external dependency and returns the failures by name.
func (e *Engine) Health(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for name, p := range e.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// Close releases resources in reverse order of creation.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) own(c io.Closer) {
	e.closers = append(e.closers, c)
}

// =============================================================================
// BUILD
// =============================================================================

// Build creates an Engine from cfg. Extra ledger options are applied last, so
// callers can override the clock or publisher.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger, opts ...points.Option) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[points] ", log.LstdFlags)
	}
	engine := &Engine{checks: make(map[string]Pinger)}

	txStore, err := engine.openStore(ctx, cfg.Storage)
	if err != nil {
		engine.Close()
		return nil, err
	}
	engine.Store = txStore

	ledgerOpts := []points.Option{points.WithLogger(logger)}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		engine.own(client)
		engine.checks["redis"] = pingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		ledgerOpts = append(ledgerOpts, points.WithLocker(redislock.New(client,
			redislock.WithTTL(cfg.Redis.LockTTL),
			redislock.WithLogger(logger),
		)))
		logger.Printf("Using redis account locks at %s", cfg.Redis.Addr)
	}

	if cfg.Kafka.Enabled {
		publisher := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		engine.own(publisher)
		ledgerOpts = append(ledgerOpts, points.WithPublisher(publisher))
		logger.Printf("Publishing ledger events to %v", cfg.Kafka.Brokers)
	}

	engine.Ledger = points.New(txStore, append(ledgerOpts, opts...)...)
	return engine, nil
}

func (e *Engine) openStore(ctx context.Context, cfg config.StorageConfig) (points.TxStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil

	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		e.own(s)
		e.checks["sqlite"] = s
		return s, nil

	case config.DriverPostgres:
		pg := cfg.Postgres
		s, err := postgres.Open(ctx, pg.DSN(), postgres.PoolConfig{
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		e.own(s)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		e.checks["postgres"] = s
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
