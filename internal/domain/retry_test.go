package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/campusflow/enrollment-core/internal/domain"
)

func TestRetryConfig_DelayFor_CappedExponential(t *testing.T) {
	cfg := domain.RetryConfig{
		MaxRetries:   5,
		InitialDelay: 10 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
	assert.Equal(t, 10*time.Second, cfg.DelayFor(0))
	assert.Equal(t, 20*time.Second, cfg.DelayFor(1))
	assert.Equal(t, 40*time.Second, cfg.DelayFor(2))
	assert.Equal(t, 80*time.Second, cfg.DelayFor(3))
	assert.Equal(t, 160*time.Second, cfg.DelayFor(4))
	// Capped from here on.
	assert.Equal(t, 300*time.Second, cfg.DelayFor(5))
	assert.Equal(t, 300*time.Second, cfg.DelayFor(12))
}

func TestRetryConfig_DelayFor_JitterBounded(t *testing.T) {
	cfg := domain.DefaultRetryConfig()
	for attempt := 0; attempt < 8; attempt++ {
		d := cfg.DelayFor(attempt)
		assert.GreaterOrEqual(t, d, cfg.InitialDelay)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := domain.DefaultRetryConfig()

	transient := domain.WrapE(domain.CategoryTimeout, errors.New("deadline"), "op=store.ping")
	assert.True(t, cfg.ShouldRetry(transient, 0))
	assert.True(t, cfg.ShouldRetry(transient, cfg.MaxRetries-1))
	assert.False(t, cfg.ShouldRetry(transient, cfg.MaxRetries))

	permanent := domain.ErrNoCapacity
	assert.False(t, cfg.ShouldRetry(permanent, 0))
}
