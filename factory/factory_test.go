package factory_test

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/factory"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/store/sqlite"
)

var quiet = log.New(io.Discard, "", 0)

func baseConfig(driver string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Storage: config.StorageConfig{Driver: driver},
		Redis:   config.RedisConfig{LockTTL: time.Second},
	}
}

func TestBuild_Memory(t *testing.T) {
	// GIVEN: The memory driver and no optional services
	// WHEN: Building the engine
	// THEN: The ledger works and there is nothing to health-check

	ctx := context.Background()
	engine, err := factory.Build(ctx, baseConfig(config.DriverMemory), quiet)
	require.NoError(t, err)
	defer engine.Close()

	assert.IsType(t, &store.Memory{}, engine.Store)

	created, err := engine.Ledger.CreateAccount(ctx, "acc-1", 10)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = engine.Ledger.Reserve(ctx, "acc-1", 4)
	require.NoError(t, err)

	acct, err := engine.Ledger.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), acct.Available())
	assert.Empty(t, engine.Health(ctx))
}

func TestBuild_SQLiteCreatesDataDirectory(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig(config.DriverSQLite)
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "nested", "points.db")

	engine, err := factory.Build(ctx, cfg, quiet)
	require.NoError(t, err)

	assert.IsType(t, &sqlite.Store{}, engine.Store)
	assert.Empty(t, engine.Health(ctx))

	_, err = engine.Ledger.CreateAccount(ctx, "acc-1", 3)
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	// Data survives a rebuild over the same file.
	engine, err = factory.Build(ctx, cfg, quiet)
	require.NoError(t, err)
	defer engine.Close()

	acct, err := engine.Ledger.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.Total)
}

func TestBuild_RedisReportedUnhealthyWhenUnreachable(t *testing.T) {
	// GIVEN: Redis locks enabled against a closed port
	// WHEN: Building and checking health
	// THEN: Build succeeds (clients connect lazily) and health names redis

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := baseConfig(config.DriverMemory)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	engine, err := factory.Build(ctx, cfg, quiet)
	require.NoError(t, err)
	defer engine.Close()

	failed := engine.Health(ctx)
	assert.Contains(t, failed, "redis")

	_, err = engine.Ledger.CreateAccount(ctx, "acc-1", 1)
	assert.ErrorIs(t, err, points.ErrStorageUnavailable)
}

func TestBuild_KafkaPublisherIsOwned(t *testing.T) {
	cfg := baseConfig(config.DriverMemory)
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = []string{"127.0.0.1:1"}

	engine, err := factory.Build(context.Background(), cfg, quiet)
	require.NoError(t, err)
	assert.NoError(t, engine.Close())
}

func TestBuild_PostgresUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := baseConfig(config.DriverPostgres)
	cfg.Storage.Postgres = config.PostgresConfig{
		Host: "127.0.0.1", Port: "1", User: "points", Name: "points", SSLMode: "disable",
	}

	_, err := factory.Build(ctx, cfg, quiet)
	assert.Error(t, err)
}

func TestBuild_UnknownDriver(t *testing.T) {
	_, err := factory.Build(context.Background(), baseConfig("mongo"), quiet)
	assert.ErrorContains(t, err, "unknown storage driver")
}
