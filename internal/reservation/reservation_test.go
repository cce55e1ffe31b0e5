package reservation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/reservation"
)

func TestReserve_AcquiresAllCodes(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	r := reservation.New(mem, time.Minute)

	h, err := r.Reserve(ctx, []string{"G1", "G2", "G3"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"G1", "G2", "G3"}, h.Codes())

	for _, code := range []string{"G1", "G2", "G3"} {
		v, ok, err := mem.Get(ctx, "lock:group:"+code)
		require.NoError(t, err)
		require.True(t, ok, code)
		assert.Equal(t, h.Holder(), string(v))
	}
}

func TestReserve_ConflictReleasesAcquired(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	r := reservation.New(mem, time.Minute)

	// Another holder owns G2.
	_, err := mem.SetIfAbsent(ctx, "lock:group:G2", []byte("other"), time.Minute)
	require.NoError(t, err)

	_, err = r.Reserve(ctx, []string{"G1", "G2", "G3"}, 0)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryLockConflict, domain.CategoryOf(err))
	assert.Contains(t, err.Error(), "G2")

	// G1 was rolled back; G3 was never taken; G2 still belongs to the other holder.
	_, ok, _ := mem.Get(ctx, "lock:group:G1")
	assert.False(t, ok)
	_, ok, _ = mem.Get(ctx, "lock:group:G3")
	assert.False(t, ok)
	v, ok, _ := mem.Get(ctx, "lock:group:G2")
	require.True(t, ok)
	assert.Equal(t, "other", string(v))
}

func TestRelease_FreesLocks(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	r := reservation.New(mem, time.Minute)

	h, err := r.Reserve(ctx, []string{"G1", "G2"}, 0)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, h))

	// Another saga can acquire immediately.
	h2, err := r.Reserve(ctx, []string{"G1", "G2"}, 0)
	require.NoError(t, err)
	assert.NotNil(t, h2)
}

func TestReserve_TTLExpiryFreesLock(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	now := time.Now()
	mem.SetClock(func() time.Time { return now })
	r := reservation.New(mem, 5*time.Minute)

	_, err := r.Reserve(ctx, []string{"G1"}, 0)
	require.NoError(t, err)

	_, err = r.Reserve(ctx, []string{"G1"}, 0)
	require.Error(t, err)

	now = now.Add(5*time.Minute + time.Second)
	_, err = r.Reserve(ctx, []string{"G1"}, 0)
	assert.NoError(t, err)
}

func TestRelease_StaleHandleLeavesForeignLock(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	now := time.Now()
	mem.SetClock(func() time.Time { return now })
	r := reservation.New(mem, 5*time.Minute)

	stale, err := r.Reserve(ctx, []string{"G1"}, 0)
	require.NoError(t, err)

	// The lock expires and another saga takes it.
	now = now.Add(5*time.Minute + time.Second)
	fresh, err := r.Reserve(ctx, []string{"G1"}, 0)
	require.NoError(t, err)

	// Releasing the expired handle must not free the new holder's lock.
	require.NoError(t, r.Release(ctx, stale))
	v, ok, err := mem.Get(ctx, "lock:group:G1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fresh.Holder(), string(v))
}

func TestReserve_EmptyCodes(t *testing.T) {
	r := reservation.New(kv.NewMemory(), time.Minute)
	_, err := r.Reserve(context.Background(), nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRelease_NilHandle(t *testing.T) {
	r := reservation.New(kv.NewMemory(), time.Minute)
	assert.NoError(t, r.Release(context.Background(), nil))
}
