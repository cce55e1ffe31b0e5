package domain

import "time"

// Student is the minimal projection the workflow needs.
type Student struct {
	ID      string
	Name    string
	Active  bool
	Blocked bool
}

// Period is an academic term. Enrollments are scoped to one active period.
type Period struct {
	ID     string
	Active bool
}

// Meeting is one scheduled block of a group: a set of weekdays plus a time
// interval in minutes since midnight, half-open [Start, End).
type Meeting struct {
	Days     []string `json:"days"`
	StartMin int      `json:"start_min"`
	EndMin   int      `json:"end_min"`
}

// Overlaps reports whether two meetings collide: they share at least one day
// and their half-open time intervals intersect.
func (m Meeting) Overlaps(o Meeting) bool {
	shared := false
	for _, d := range m.Days {
		for _, od := range o.Days {
			if d == od {
				shared = true
				break
			}
		}
		if shared {
			break
		}
	}
	if !shared {
		return false
	}
	return !(m.EndMin <= o.StartMin || o.EndMin <= m.StartMin)
}

// Group is a course group with a bounded capacity counter.
// Invariant: CurrentEnrolled <= Capacity, enforced under the store's row lock.
type Group struct {
	Code            string
	Materia         string
	Capacity        int
	CurrentEnrolled int
	Schedule        []Meeting
}

// Enrollment is the header row owning the per-group details for one
// (student, period) pair. Unique on that pair.
type Enrollment struct {
	ID        string
	StudentID string
	PeriodID  string
	CreatedAt time.Time
}

// EnrollmentDetail links an enrollment header to one group.
type EnrollmentDetail struct {
	ID           string
	EnrollmentID string
	GroupCode    string
	CreatedAt    time.Time
}

// ConflictPair names the two groups whose schedules collide.
type ConflictPair struct {
	GroupCode string `json:"group_code"`
	OtherCode string `json:"other_code"`
}

//go:generate mockery --name=EnrollmentStore --with-expecter --filename=enrollment_store_mock.go

// EnrollmentStore is the transactional port the enrollment saga drives.
// Implementations must hold row-level locks where noted and surface failures
// with a category (see CategoryOf). All delete operations are idempotent.
type EnrollmentStore interface {
	// ValidateStudentActive fails with ErrNotFound, ErrStudentInactive or
	// ErrStudentBlocked.
	ValidateStudentActive(ctx Context, studentID string) error
	// ValidatePeriodActive fails with ErrNotFound or ErrPeriodInactive.
	ValidatePeriodActive(ctx Context, periodID string) error

	LookupExistingEnrollment(ctx Context, studentID, periodID string) (Enrollment, bool, error)
	// InsertEnrollmentHeader creates a fresh header, guarded by the unique
	// (student, period) constraint.
	InsertEnrollmentHeader(ctx Context, studentID, periodID string) (string, error)
	DeleteEnrollmentHeader(ctx Context, enrollmentID string) error

	HasDetailForGroup(ctx Context, enrollmentID, groupCode string) (bool, error)
	InsertEnrollmentDetail(ctx Context, enrollmentID, groupCode string) (string, error)
	DeleteEnrollmentDetail(ctx Context, detailID string) error
	ListDetails(ctx Context, enrollmentID string) ([]EnrollmentDetail, error)

	// IncrementGroupCounter checks current < capacity under SELECT ... FOR
	// UPDATE and increments. Fails with ErrNotFound or ErrNoCapacity.
	IncrementGroupCounter(ctx Context, groupCode string) error
	// DecrementGroupCounter is clamped at zero and idempotent.
	DecrementGroupCounter(ctx Context, groupCode string) error

	GetGroupMateria(ctx Context, groupCode string) (string, error)
	GroupSchedule(ctx Context, groupCode string) ([]Meeting, error)
	StudentEnrolledMaterias(ctx Context, studentID, periodID string) (map[string]struct{}, error)
	// ScheduleConflict checks groupCode against otherCodes, returning the
	// first colliding pair or nil. Callers supply the union of the student's
	// existing detail groups and the groups added so far in the same request.
	ScheduleConflict(ctx Context, groupCode string, otherCodes []string) (*ConflictPair, error)

	Ping(ctx Context) error
}
