package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/enrollment-core/internal/breaker"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
)

var errDown = errors.New("connection refused")

func testConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      0,
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cb := breaker.New("database", testConfig())

	fail := func(domain.Context) error { return errDown }
	for i := 0; i < 3; i++ {
		require.Error(t, cb.Call(ctx, fail))
	}
	assert.Equal(t, breaker.StateOpen, cb.GetState())

	// Calls within the recovery window are rejected without invoking the op.
	invoked := false
	err := cb.Call(ctx, func(domain.Context) error { invoked = true; return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBreakerOpen)
	assert.False(t, invoked)
	assert.Equal(t, domain.CategoryBreakerOpen, domain.CategoryOf(err))
}

func TestBreaker_HalfOpenProbeAndClose(t *testing.T) {
	ctx := context.Background()
	cb := breaker.New("database", testConfig())
	now := time.Now()
	cb.SetClock(func() time.Time { return now })

	fail := func(domain.Context) error { return errDown }
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, fail)
	}
	require.Equal(t, breaker.StateOpen, cb.GetState())

	// After the recovery timeout a single probe is admitted.
	now = now.Add(31 * time.Second)
	probes := 0
	ok := func(domain.Context) error { probes++; return nil }
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, 1, probes)
	assert.Equal(t, breaker.StateHalfOpen, cb.GetState())

	// success_threshold consecutive successes close it.
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, breaker.StateClosed, cb.GetState())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb := breaker.New("database", testConfig())
	now := time.Now()
	cb.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, func(domain.Context) error { return errDown })
	}
	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Call(ctx, func(domain.Context) error { return nil }))
	require.Equal(t, breaker.StateHalfOpen, cb.GetState())

	_ = cb.Call(ctx, func(domain.Context) error { return errDown })
	assert.Equal(t, breaker.StateOpen, cb.GetState())
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.CallTimeout = 10 * time.Millisecond
	cb := breaker.New("external", cfg)

	err := cb.Call(ctx, func(callCtx domain.Context) error {
		select {
		case <-callCtx.Done():
			return callCtx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, cb.GetState())
}

func TestBreaker_IsFailureClassification(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.IsFailure = domain.Retryable
	cb := breaker.New("database", cfg)

	// A permanent domain outcome propagates without tripping the breaker.
	err := cb.Call(ctx, func(domain.Context) error { return domain.ErrNoCapacity })
	require.ErrorIs(t, err, domain.ErrNoCapacity)
	assert.Equal(t, breaker.StateClosed, cb.GetState())

	// A transient failure trips it.
	_ = cb.Call(ctx, func(domain.Context) error {
		return domain.WrapE(domain.CategoryConnection, errDown, "op=store.ping")
	})
	assert.Equal(t, breaker.StateOpen, cb.GetState())
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	cb := breaker.New("database", testConfig())
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, func(domain.Context) error { return errDown })
	}
	require.Equal(t, breaker.StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, breaker.StateClosed, cb.GetState())
	s := cb.Snapshot()
	assert.Zero(t, s.TotalFailures)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestRegistry_GetOrCreateShares(t *testing.T) {
	r := breaker.NewRegistry()
	a := r.GetOrCreate("database", breaker.DatabaseConfig())
	b := r.GetOrCreate("database", breaker.RedisConfig())
	assert.Same(t, a, b)

	snap := r.Snapshot()
	require.Contains(t, snap, "database")
	assert.Equal(t, "closed", snap["database"].State)
}

func TestRegistry_ResetUnknown(t *testing.T) {
	r := breaker.NewRegistry()
	err := r.Reset("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_SnapshotMirror(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	r := breaker.NewRegistry().WithSnapshots(mem, time.Hour)

	cfg := testConfig()
	cb := r.GetOrCreate("database", cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = cb.Call(ctx, func(domain.Context) error { return errDown })
	}
	require.Equal(t, breaker.StateOpen, cb.GetState())

	// The mirror write is asynchronous.
	assert.Eventually(t, func() bool {
		_, ok, _ := mem.Get(ctx, "breaker:database")
		return ok
	}, time.Second, 10*time.Millisecond)
}
