package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.ListenAddr())
	assert.Equal(t, config.DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("POINTS_STORAGE_DRIVER", "postgres")
	t.Setenv("POINTS_STORAGE_POSTGRES_HOST", "db.internal")
	t.Setenv("POINTS_SERVER_PORT", "9090")
	t.Setenv("POINTS_REDIS_ENABLED", "true")
	t.Setenv("POINTS_REDIS_LOCK_TTL", "3s")
	t.Setenv("POINTS_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, config.DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "db.internal", cfg.Storage.Postgres.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: memory
kafka:
  enabled: true
  topic: loyalty.events
`), 0o600))

	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, cfg.Storage.Driver)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "loyalty.events", cfg.Kafka.Topic)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("POINTS_STORAGE_DRIVER", "mongo")

	_, err := config.Load(viper.New(), "")
	assert.ErrorContains(t, err, `unknown storage driver "mongo"`)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("POINTS_SERVER_PORT=7070\n"), 0o600))
	t.Setenv("POINTS_SERVER_PORT", "") // registers cleanup
	os.Unsetenv("POINTS_SERVER_PORT")

	require.NoError(t, config.LoadEnvFiles(filepath.Join(dir, "missing.env"), path))

	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestPostgresConfig_DSN(t *testing.T) {
	p := config.PostgresConfig{
		Host: "db", Port: "5432", User: "points", Password: "p@ss", Name: "ledger", SSLMode: "require",
	}
	assert.Equal(t, "postgres://points:p%40ss@db:5432/ledger?sslmode=require", p.DSN())
}
