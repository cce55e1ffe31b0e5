package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/enrollment-core/internal/adapter/repo/memory"
	"github.com/campusflow/enrollment-core/internal/breaker"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/reservation"
	"github.com/campusflow/enrollment-core/internal/saga"
	"github.com/campusflow/enrollment-core/internal/workflow"
)

type fixture struct {
	store *memory.Store
	kv    *kv.Memory
	wf    *workflow.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	mem := kv.NewMemory()
	wf := workflow.New(
		store,
		reservation.New(mem, 5*time.Minute),
		breaker.NewRegistry(),
		saga.NewManager().WithSnapshots(mem, time.Hour),
		nil,
		5*time.Minute,
	)
	wf.SetSagaOptions(saga.WithSleep(func(domain.Context, time.Duration) error { return nil }))
	return &fixture{store: store, kv: mem, wf: wf}
}

func (f *fixture) seedBasics() {
	f.store.SeedStudent("RA0001", "active")
	f.store.SeedPeriod("1-2025", true)
	f.store.SeedGroup("G1", "MAT101", 30, domain.Meeting{Days: []string{"Mon"}, StartMin: 480, EndMin: 600})
	f.store.SeedGroup("G2", "FIS201", 30, domain.Meeting{Days: []string{"Tue"}, StartMin: 480, EndMin: 600})
}

func payload(groups ...string) domain.EnrollByGroupsPayload {
	return domain.EnrollByGroupsPayload{StudentID: "RA0001", PeriodID: "1-2025", Groups: groups}
}

func TestEnrollByGroups_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()

	res, err := f.wf.EnrollByGroups(ctx, payload("G1", "G2"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.EnrollmentID)
	assert.ElementsMatch(t, []string{"G1", "G2"}, res.Groups)
	assert.False(t, res.Reused)

	assert.Equal(t, 1, f.store.GroupEnrolled("G1"))
	assert.Equal(t, 1, f.store.GroupEnrolled("G2"))

	// Locks were released after completion.
	_, ok, _ := f.kv.Get(ctx, "lock:group:G1")
	assert.False(t, ok)

	materias, err := f.store.StudentEnrolledMaterias(ctx, "RA0001", "1-2025")
	require.NoError(t, err)
	assert.Len(t, materias, 2)
}

func TestEnrollByGroups_BlockedStudentHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()
	f.store.SeedStudent("RA0001", "blocked")

	_, err := f.wf.EnrollByGroups(ctx, payload("G1"))
	require.Error(t, err)
	assert.Equal(t, domain.CategoryBlocked, domain.CategoryOf(err))

	assert.Equal(t, 0, f.store.GroupEnrolled("G1"))
	_, found, _ := f.store.LookupExistingEnrollment(ctx, "RA0001", "1-2025")
	assert.False(t, found)
}

func TestEnrollByGroups_DuplicateMateriaCompensatesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()
	// Same materia as G1, disjoint schedule.
	f.store.SeedGroup("G9", "MAT101", 30, domain.Meeting{Days: []string{"Fri"}, StartMin: 480, EndMin: 600})

	_, err := f.wf.EnrollByGroups(ctx, payload("G1", "G9"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateMateria)

	// G1's detail was rolled back, the header deleted and no counter moved.
	assert.Equal(t, 0, f.store.GroupEnrolled("G1"))
	assert.Equal(t, 0, f.store.GroupEnrolled("G9"))
	_, found, _ := f.store.LookupExistingEnrollment(ctx, "RA0001", "1-2025")
	assert.False(t, found)
	_, ok, _ := f.kv.Get(ctx, "lock:group:G1")
	assert.False(t, ok)
}

func TestEnrollByGroups_ScheduleConflictAgainstExistingDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()
	// Overlaps G1 on Monday morning.
	f.store.SeedGroup("G3", "QUI301", 30, domain.Meeting{Days: []string{"Mon"}, StartMin: 540, EndMin: 660})

	_, err := f.wf.EnrollByGroups(ctx, payload("G1"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.GroupEnrolled("G1"))

	_, err = f.wf.EnrollByGroups(ctx, payload("G3"))
	require.Error(t, err)
	assert.Equal(t, domain.CategoryScheduleConflict, domain.CategoryOf(err))
	assert.Contains(t, err.Error(), "G1")

	// The first enrollment survives intact.
	assert.Equal(t, 1, f.store.GroupEnrolled("G1"))
	assert.Equal(t, 0, f.store.GroupEnrolled("G3"))
	e, found, _ := f.store.LookupExistingEnrollment(ctx, "RA0001", "1-2025")
	require.True(t, found)
	details, _ := f.store.ListDetails(ctx, e.ID)
	assert.Len(t, details, 1)
}

func TestEnrollByGroups_ReusesExistingEnrollmentAndSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()

	first, err := f.wf.EnrollByGroups(ctx, payload("G1"))
	require.NoError(t, err)

	second, err := f.wf.EnrollByGroups(ctx, payload("G1", "G2"))
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.EnrollmentID, second.EnrollmentID)
	assert.Equal(t, []string{"G2"}, second.Groups)
	assert.Equal(t, []string{"G1"}, second.Skipped)

	// The skipped group's counter is untouched by the second run.
	assert.Equal(t, 1, f.store.GroupEnrolled("G1"))
	assert.Equal(t, 1, f.store.GroupEnrolled("G2"))
}

func TestEnrollByGroups_CapacityFailureCompensatesSiblings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()
	f.store.SeedGroup("G2", "FIS201", 0, domain.Meeting{Days: []string{"Tue"}, StartMin: 480, EndMin: 600})

	_, err := f.wf.EnrollByGroups(ctx, payload("G1", "G2"))
	require.Error(t, err)
	assert.Equal(t, domain.CategoryCapacityExhausted, domain.CategoryOf(err))

	// G1's counter was incremented first and then rolled back.
	assert.Equal(t, 0, f.store.GroupEnrolled("G1"))
	assert.Equal(t, 0, f.store.GroupEnrolled("G2"))
	_, found, _ := f.store.LookupExistingEnrollment(ctx, "RA0001", "1-2025")
	assert.False(t, found)
}

func TestEnrollByGroups_TransientIncrementFailureRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()

	failures := 0
	f.store.OnIncrement = func(string) error {
		if failures < 2 {
			failures++
			return domain.E(domain.CategoryConnection, "db connection reset")
		}
		return nil
	}

	res, err := f.wf.EnrollByGroups(ctx, payload("G1"))
	require.NoError(t, err)
	assert.Equal(t, 2, failures)
	assert.Equal(t, []string{"G1"}, res.Groups)
	assert.Equal(t, 1, f.store.GroupEnrolled("G1"))
}

func TestEnrollByGroups_LockConflictIsRetryableCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBasics()

	_, err := f.kv.SetIfAbsent(ctx, "lock:group:G1", []byte("other-saga"), time.Minute)
	require.NoError(t, err)

	_, err = f.wf.EnrollByGroups(ctx, payload("G1"))
	require.Error(t, err)
	assert.Equal(t, domain.CategoryLockConflict, domain.CategoryOf(err))
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, 0, f.store.GroupEnrolled("G1"))
}

func TestEnrollByGroups_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.EnrollByGroups(context.Background(), domain.EnrollByGroupsPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

// Capacity stays within bounds even when contenders bypass the advisory
// reservation entirely: the store's locked counter is the real guard.
func TestEnrollByGroups_CapacityHeldAgainstReservationBypass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.SeedPeriod("1-2025", true)
	f.store.SeedGroup("G1", "MAT101", 1)
	f.store.SeedStudent("RA0001", "active")
	f.store.SeedStudent("RA0002", "active")

	var wg sync.WaitGroup
	results := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, results[0] = f.wf.EnrollByGroups(ctx, domain.EnrollByGroupsPayload{
			StudentID: "RA0001", PeriodID: "1-2025", Groups: []string{"G1"},
		})
	}()
	// Contender hammers the counter directly, ignoring lock:group:G1.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = f.store.IncrementGroupCounter(ctx, "G1")
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.store.GroupEnrolled("G1"))
}
