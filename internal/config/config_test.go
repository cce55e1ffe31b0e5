package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/enrollment-core/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1, cfg.WorkerPrefetch)
	assert.Equal(t, 100, cfg.WorkerMaxTasksPerChild)
	assert.Equal(t, 300*time.Second, cfg.TaskSoftDeadline)
	assert.Equal(t, 600*time.Second, cfg.TaskHardDeadline)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 5*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, time.Hour, cfg.ResultTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("WORKER_CONCURRENCY", "16")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 16, cfg.WorkerConcurrency)
}

func TestGetRetryConfig(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	cfg, err := config.Load()
	require.NoError(t, err)

	rc := cfg.GetRetryConfig()
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, 10*time.Second, rc.InitialDelay)
	assert.Equal(t, 300*time.Second, rc.MaxDelay)
	assert.InDelta(t, 2.0, rc.Multiplier, 0.001)
	assert.True(t, rc.Jitter)
}

func TestGetRetryConfig_TestEnvShrinksDelays(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := config.Load()
	require.NoError(t, err)

	rc := cfg.GetRetryConfig()
	assert.Less(t, rc.InitialDelay, time.Second)
	assert.False(t, rc.Jitter)
}
