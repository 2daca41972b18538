package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 50.0, cfg.Pricing.BaseFare)
	assert.Equal(t, 2.5, cfg.Pricing.MaxDemandMultiplier)
	assert.Equal(t, 4, cfg.Pool.MaxPassengers)
	assert.Equal(t, 5*time.Second, cfg.Pool.LockTTL)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.InDelta(t, 12.9941, cfg.Airport.Location.Lat, 1e-9)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("BASE_FARE", "80")
	t.Setenv("LOCK_TTL", "2s")
	t.Setenv("POOL_MAX_PASSENGERS", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 80.0, cfg.Pricing.BaseFare)
	assert.Equal(t, 2*time.Second, cfg.Pool.LockTTL)
	assert.Equal(t, 3, cfg.Pool.MaxPassengers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestFromEnvInvalidValues(t *testing.T) {
	t.Setenv("BASE_FARE", "cheap")
	t.Setenv("LOCK_TTL", "soon")
	t.Setenv("POOL_MAX_PASSENGERS", "9")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid BASE_FARE")
	assert.Contains(t, err.Error(), "invalid LOCK_TTL")
	assert.Contains(t, err.Error(), "POOL_MAX_PASSENGERS")
}

func TestSharedBackends(t *testing.T) {
	cfg := Default()
	err := cfg.SharedBackends()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")

	cfg.KafkaBrokers = []string{"k1:9092"}
	err = cfg.SharedBackends()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PG_DSN")
	assert.Contains(t, err.Error(), "REDIS_ADDR")

	cfg.PGDSN = "postgres://pool@db/pool"
	err = cfg.SharedBackends()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "PG_DSN")
	assert.Contains(t, err.Error(), "REDIS_ADDR")

	cfg.RedisAddr = "redis:6379"
	assert.NoError(t, cfg.SharedBackends())
}
