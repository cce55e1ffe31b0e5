package redpanda_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rp "github.com/campusflow/enrollment-core/internal/adapter/queue/redpanda"
	"github.com/campusflow/enrollment-core/internal/domain"
)

func newBackend(t *testing.T) (*rp.ResultBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return rp.NewResultBackend(client, time.Hour), mr
}

func queuedRecord(id string) domain.TaskRecord {
	return domain.TaskRecord{
		TaskID:      id,
		Route:       domain.QueueEnrollments,
		HandlerName: domain.HandlerEnrollByGroups,
		Status:      domain.TaskQueued,
		MaxRetries:  5,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestResultBackend_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t)

	require.NoError(t, b.Create(ctx, queuedRecord("t-1")))
	rec, err := b.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, rec.Status)

	require.NoError(t, b.MarkStarted(ctx, "t-1"))
	require.NoError(t, b.MarkProgress(ctx, "t-1", 2, 5))
	rec, err = b.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, rec.Status)
	assert.Equal(t, 2, rec.Current)
	assert.Equal(t, 5, rec.Total)
	require.NotNil(t, rec.StartedAt)

	require.NoError(t, b.MarkSucceeded(ctx, "t-1", map[string]string{"enrollment_id": "enr-1"}))
	rec, err = b.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, rec.Status.Terminal())
}

func TestResultBackend_MarkFailedKeepsCategory(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t)

	require.NoError(t, b.Create(ctx, queuedRecord("t-2")))
	require.NoError(t, b.MarkStarted(ctx, "t-2"))
	require.NoError(t, b.MarkFailed(ctx, "t-2", "group G1 is full", domain.CategoryCapacityExhausted, 0))

	rec, err := b.Get(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, rec.Status)
	assert.Equal(t, domain.CategoryCapacityExhausted, rec.ErrorCategory)
	assert.Equal(t, "group G1 is full", rec.Error)
}

func TestResultBackend_GetMissing(t *testing.T) {
	b, _ := newBackend(t)
	_, err := b.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResultBackend_RevokeBeforeStart(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t)

	require.NoError(t, b.Create(ctx, queuedRecord("t-3")))
	require.NoError(t, b.Revoke(ctx, "t-3"))
	assert.True(t, b.IsRevoked(ctx, "t-3"))
	assert.False(t, b.IsRevoked(ctx, "other"))

	rec, err := b.Get(ctx, "t-3")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRevoked, rec.Status)
}

func TestResultBackend_Stats(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t)

	require.NoError(t, b.Create(ctx, queuedRecord("t-4")))
	require.NoError(t, b.Create(ctx, queuedRecord("t-5")))
	require.NoError(t, b.MarkStarted(ctx, "t-4"))
	require.NoError(t, b.MarkSucceeded(ctx, "t-4", nil))
	require.NoError(t, b.Heartbeat(ctx, "worker-1"))
	require.NoError(t, b.Heartbeat(ctx, "worker-2"))

	s, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Pending)
	assert.Equal(t, int64(0), s.Active)
	assert.Equal(t, int64(1), s.Completed)
	assert.Equal(t, int64(0), s.Failed)
	assert.Equal(t, 2, s.WorkersOnline)
}

func TestResultBackend_RecordExpiry(t *testing.T) {
	ctx := context.Background()
	b, mr := newBackend(t)

	require.NoError(t, b.Create(ctx, queuedRecord("t-6")))
	mr.FastForward(2 * time.Hour)
	_, err := b.Get(ctx, "t-6")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
