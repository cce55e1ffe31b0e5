// Package memory implements the enrollment store in process memory. It backs
// unit tests and local development without a database.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// Store is a mutex-guarded in-memory domain.EnrollmentStore. The mutex spans
// each operation, so the capacity check plus increment is atomic exactly like
// the row-locked SQL path.
type Store struct {
	mu          sync.Mutex
	students    map[string]domain.Student
	periods     map[string]domain.Period
	groups      map[string]*domain.Group
	enrollments map[string]domain.Enrollment
	details     map[string]domain.EnrollmentDetail

	// Failure hooks let tests inject errors at specific operations.
	OnValidateStudent func(studentID string) error
	OnIncrement       func(groupCode string) error
	OnInsertDetail    func(groupCode string) error
	PingErr           error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		students:    map[string]domain.Student{},
		periods:     map[string]domain.Period{},
		groups:      map[string]*domain.Group{},
		enrollments: map[string]domain.Enrollment{},
		details:     map[string]domain.EnrollmentDetail{},
	}
}

// SeedStudent adds a student. status is active, inactive or blocked.
func (s *Store) SeedStudent(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[id] = domain.Student{ID: id, Active: status == "active", Blocked: status == "blocked"}
}

// SeedPeriod adds a period.
func (s *Store) SeedPeriod(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods[id] = domain.Period{ID: id, Active: active}
}

// SeedGroup adds a group with its schedule.
func (s *Store) SeedGroup(code, materia string, capacity int, schedule ...domain.Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[code] = &domain.Group{Code: code, Materia: materia, Capacity: capacity, Schedule: schedule}
}

// GroupEnrolled returns the current counter value for assertions.
func (s *Store) GroupEnrolled(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[code]; ok {
		return g.CurrentEnrolled
	}
	return 0
}

func (s *Store) ValidateStudentActive(_ domain.Context, studentID string) error {
	if s.OnValidateStudent != nil {
		if err := s.OnValidateStudent(studentID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return fmt.Errorf("op=enrollment.validate_student id=%s: %w", studentID, domain.ErrNotFound)
	}
	if st.Blocked {
		return fmt.Errorf("op=enrollment.validate_student id=%s: %w", studentID, domain.ErrStudentBlocked)
	}
	if !st.Active {
		return fmt.Errorf("op=enrollment.validate_student id=%s: %w", studentID, domain.ErrStudentInactive)
	}
	return nil
}

func (s *Store) ValidatePeriodActive(_ domain.Context, periodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodID]
	if !ok {
		return fmt.Errorf("op=enrollment.validate_period id=%s: %w", periodID, domain.ErrNotFound)
	}
	if !p.Active {
		return fmt.Errorf("op=enrollment.validate_period id=%s: %w", periodID, domain.ErrPeriodInactive)
	}
	return nil
}

func (s *Store) LookupExistingEnrollment(_ domain.Context, studentID, periodID string) (domain.Enrollment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.StudentID == studentID && e.PeriodID == periodID {
			return e, true, nil
		}
	}
	return domain.Enrollment{}, false, nil
}

func (s *Store) InsertEnrollmentHeader(_ domain.Context, studentID, periodID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.StudentID == studentID && e.PeriodID == periodID {
			return "", fmt.Errorf("op=enrollment.insert_header: %w", domain.ErrConflict)
		}
	}
	id := uuid.New().String()
	s.enrollments[id] = domain.Enrollment{ID: id, StudentID: studentID, PeriodID: periodID, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (s *Store) DeleteEnrollmentHeader(_ domain.Context, enrollmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enrollments, enrollmentID)
	return nil
}

func (s *Store) HasDetailForGroup(_ domain.Context, enrollmentID, groupCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.details {
		if d.EnrollmentID == enrollmentID && d.GroupCode == groupCode {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) InsertEnrollmentDetail(_ domain.Context, enrollmentID, groupCode string) (string, error) {
	if s.OnInsertDetail != nil {
		if err := s.OnInsertDetail(groupCode); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[enrollmentID]; !ok {
		return "", fmt.Errorf("op=enrollment.insert_detail: %w", domain.ErrNotFound)
	}
	for _, d := range s.details {
		if d.EnrollmentID == enrollmentID && d.GroupCode == groupCode {
			return "", fmt.Errorf("op=enrollment.insert_detail: %w", domain.ErrConflict)
		}
	}
	id := uuid.New().String()
	s.details[id] = domain.EnrollmentDetail{ID: id, EnrollmentID: enrollmentID, GroupCode: groupCode, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (s *Store) DeleteEnrollmentDetail(_ domain.Context, detailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.details, detailID)
	return nil
}

func (s *Store) ListDetails(_ domain.Context, enrollmentID string) ([]domain.EnrollmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EnrollmentDetail
	for _, d := range s.details {
		if d.EnrollmentID == enrollmentID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) IncrementGroupCounter(_ domain.Context, groupCode string) error {
	if s.OnIncrement != nil {
		if err := s.OnIncrement(groupCode); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return fmt.Errorf("op=enrollment.increment_counter group=%s: %w", groupCode, domain.ErrNotFound)
	}
	if g.CurrentEnrolled >= g.Capacity {
		return domain.E(domain.CategoryCapacityExhausted, "group %s is full (%d/%d)", groupCode, g.CurrentEnrolled, g.Capacity)
	}
	g.CurrentEnrolled++
	return nil
}

func (s *Store) DecrementGroupCounter(_ domain.Context, groupCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return nil
	}
	if g.CurrentEnrolled > 0 {
		g.CurrentEnrolled--
	}
	return nil
}

func (s *Store) GetGroupMateria(_ domain.Context, groupCode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return "", fmt.Errorf("op=enrollment.get_materia group=%s: %w", groupCode, domain.ErrNotFound)
	}
	return g.Materia, nil
}

func (s *Store) GroupSchedule(_ domain.Context, groupCode string) ([]domain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupCode]
	if !ok {
		return nil, fmt.Errorf("op=enrollment.group_schedule group=%s: %w", groupCode, domain.ErrNotFound)
	}
	return append([]domain.Meeting(nil), g.Schedule...), nil
}

func (s *Store) StudentEnrolledMaterias(_ domain.Context, studentID, periodID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]struct{}{}
	for _, e := range s.enrollments {
		if e.StudentID != studentID || e.PeriodID != periodID {
			continue
		}
		for _, d := range s.details {
			if d.EnrollmentID != e.ID {
				continue
			}
			if g, ok := s.groups[d.GroupCode]; ok {
				out[g.Materia] = struct{}{}
			}
		}
	}
	return out, nil
}

func (s *Store) ScheduleConflict(ctx domain.Context, groupCode string, otherCodes []string) (*domain.ConflictPair, error) {
	target, err := s.GroupSchedule(ctx, groupCode)
	if err != nil {
		return nil, err
	}
	for _, other := range otherCodes {
		if other == groupCode {
			continue
		}
		meetings, err := s.GroupSchedule(ctx, other)
		if err != nil {
			return nil, err
		}
		for _, tm := range target {
			for _, om := range meetings {
				if tm.Overlaps(om) {
					return &domain.ConflictPair{GroupCode: groupCode, OtherCode: other}, nil
				}
			}
		}
	}
	return nil, nil
}

func (s *Store) Ping(domain.Context) error { return s.PingErr }
