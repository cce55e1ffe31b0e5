package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// EnrollmentRepo implements domain.EnrollmentStore on PostgreSQL.
//
// Tables: students(id, name, status), periods(id, active),
// enrollments(id, student_id, period_id, created_at) unique (student_id,
// period_id), enrollment_details(id, enrollment_id, group_code, created_at)
// unique (enrollment_id, group_code), groups(code, materia, capacity,
// current_enrolled), group_meetings(group_code, day, start_min, end_min).
type EnrollmentRepo struct{ Pool PgxPool }

// NewEnrollmentRepo constructs an EnrollmentRepo with the given pool.
func NewEnrollmentRepo(p PgxPool) *EnrollmentRepo { return &EnrollmentRepo{Pool: p} }

// classify maps driver errors onto the domain taxonomy so retry decisions
// upstream stay driver-agnostic.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock detected
			return domain.WrapE(domain.CategoryDeadlock, err, "op=%s", op)
		case "23505": // unique violation
			return fmt.Errorf("op=%s: %w", op, domain.ErrConflict)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

// ValidateStudentActive checks the student exists and may enroll.
func (r *EnrollmentRepo) ValidateStudentActive(ctx domain.Context, studentID string) error {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.ValidateStudentActive")
	defer span.End()
	span.SetAttributes(attribute.String("student.id", studentID))

	var status string
	q := `SELECT status FROM students WHERE id=$1`
	if err := r.Pool.QueryRow(ctx, q, studentID).Scan(&status); err != nil {
		return classify("enrollment.validate_student", err)
	}
	switch status {
	case "active":
		return nil
	case "blocked":
		return fmt.Errorf("op=enrollment.validate_student id=%s: %w", studentID, domain.ErrStudentBlocked)
	default:
		return fmt.Errorf("op=enrollment.validate_student id=%s: %w", studentID, domain.ErrStudentInactive)
	}
}

// ValidatePeriodActive checks the period exists and is open for enrollment.
func (r *EnrollmentRepo) ValidatePeriodActive(ctx domain.Context, periodID string) error {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.ValidatePeriodActive")
	defer span.End()

	var active bool
	q := `SELECT active FROM periods WHERE id=$1`
	if err := r.Pool.QueryRow(ctx, q, periodID).Scan(&active); err != nil {
		return classify("enrollment.validate_period", err)
	}
	if !active {
		return fmt.Errorf("op=enrollment.validate_period id=%s: %w", periodID, domain.ErrPeriodInactive)
	}
	return nil
}

// LookupExistingEnrollment returns the header for (student, period) if one exists.
func (r *EnrollmentRepo) LookupExistingEnrollment(ctx domain.Context, studentID, periodID string) (domain.Enrollment, bool, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.LookupExistingEnrollment")
	defer span.End()

	q := `SELECT id, student_id, period_id, created_at FROM enrollments WHERE student_id=$1 AND period_id=$2`
	var e domain.Enrollment
	err := r.Pool.QueryRow(ctx, q, studentID, periodID).Scan(&e.ID, &e.StudentID, &e.PeriodID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Enrollment{}, false, nil
		}
		return domain.Enrollment{}, false, classify("enrollment.lookup", err)
	}
	return e, true, nil
}

// InsertEnrollmentHeader creates the header row and returns its id. A unique
// violation surfaces as ErrConflict for the caller to resolve via lookup.
func (r *EnrollmentRepo) InsertEnrollmentHeader(ctx domain.Context, studentID, periodID string) (string, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.InsertEnrollmentHeader")
	defer span.End()

	id := uuid.New().String()
	q := `INSERT INTO enrollments (id, student_id, period_id, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, id, studentID, periodID, time.Now().UTC()); err != nil {
		return "", classify("enrollment.insert_header", err)
	}
	return id, nil
}

// DeleteEnrollmentHeader removes the header. Deleting a missing header is a no-op.
func (r *EnrollmentRepo) DeleteEnrollmentHeader(ctx domain.Context, enrollmentID string) error {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.DeleteEnrollmentHeader")
	defer span.End()

	q := `DELETE FROM enrollments WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, enrollmentID); err != nil {
		return classify("enrollment.delete_header", err)
	}
	return nil
}

// HasDetailForGroup reports whether the enrollment already carries the group.
func (r *EnrollmentRepo) HasDetailForGroup(ctx domain.Context, enrollmentID, groupCode string) (bool, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.HasDetailForGroup")
	defer span.End()

	var exists bool
	q := `SELECT EXISTS(SELECT 1 FROM enrollment_details WHERE enrollment_id=$1 AND group_code=$2)`
	if err := r.Pool.QueryRow(ctx, q, enrollmentID, groupCode).Scan(&exists); err != nil {
		return false, classify("enrollment.has_detail", err)
	}
	return exists, nil
}

// InsertEnrollmentDetail links a group to the header and returns the detail id.
func (r *EnrollmentRepo) InsertEnrollmentDetail(ctx domain.Context, enrollmentID, groupCode string) (string, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.InsertEnrollmentDetail")
	defer span.End()

	id := uuid.New().String()
	q := `INSERT INTO enrollment_details (id, enrollment_id, group_code, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, id, enrollmentID, groupCode, time.Now().UTC()); err != nil {
		return "", classify("enrollment.insert_detail", err)
	}
	return id, nil
}

// DeleteEnrollmentDetail removes a detail row. Missing rows are a no-op.
func (r *EnrollmentRepo) DeleteEnrollmentDetail(ctx domain.Context, detailID string) error {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.DeleteEnrollmentDetail")
	defer span.End()

	q := `DELETE FROM enrollment_details WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, detailID); err != nil {
		return classify("enrollment.delete_detail", err)
	}
	return nil
}

// ListDetails returns the enrollment's detail rows in insertion order.
func (r *EnrollmentRepo) ListDetails(ctx domain.Context, enrollmentID string) ([]domain.EnrollmentDetail, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.ListDetails")
	defer span.End()

	q := `SELECT id, enrollment_id, group_code, created_at FROM enrollment_details WHERE enrollment_id=$1 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, enrollmentID)
	if err != nil {
		return nil, classify("enrollment.list_details", err)
	}
	defer rows.Close()
	var out []domain.EnrollmentDetail
	for rows.Next() {
		var d domain.EnrollmentDetail
		if err := rows.Scan(&d.ID, &d.EnrollmentID, &d.GroupCode, &d.CreatedAt); err != nil {
			return nil, classify("enrollment.list_details", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("enrollment.list_details", err)
	}
	return out, nil
}

// IncrementGroupCounter takes the group's row lock, checks capacity, and
// increments. The row lock is the single source of truth for capacity; the
// advisory reservation upstream only reduces contention here.
func (r *EnrollmentRepo) IncrementGroupCounter(ctx domain.Context, groupCode string) error {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.IncrementGroupCounter")
	defer span.End()
	span.SetAttributes(attribute.String("group.code", groupCode))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("enrollment.increment_counter", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var capacity, current int
	q := `SELECT capacity, current_enrolled FROM groups WHERE code=$1 FOR UPDATE`
	if err := tx.QueryRow(ctx, q, groupCode).Scan(&capacity, &current); err != nil {
		return classify("enrollment.increment_counter", err)
	}
	if current >= capacity {
		return domain.E(domain.CategoryCapacityExhausted, "group %s is full (%d/%d)", groupCode, current, capacity)
	}
	if _, err := tx.Exec(ctx, `UPDATE groups SET current_enrolled = current_enrolled + 1 WHERE code=$1`, groupCode); err != nil {
		return classify("enrollment.increment_counter", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("enrollment.increment_counter", err)
	}
	return nil
}

// DecrementGroupCounter decrements the counter, clamped at zero.
func (r *EnrollmentRepo) DecrementGroupCounter(ctx domain.Context, groupCode string) error {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.DecrementGroupCounter")
	defer span.End()

	q := `UPDATE groups SET current_enrolled = GREATEST(current_enrolled - 1, 0) WHERE code=$1`
	if _, err := r.Pool.Exec(ctx, q, groupCode); err != nil {
		return classify("enrollment.decrement_counter", err)
	}
	return nil
}

// GetGroupMateria returns the materia (course) the group belongs to.
func (r *EnrollmentRepo) GetGroupMateria(ctx domain.Context, groupCode string) (string, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.GetGroupMateria")
	defer span.End()

	var materia string
	q := `SELECT materia FROM groups WHERE code=$1`
	if err := r.Pool.QueryRow(ctx, q, groupCode).Scan(&materia); err != nil {
		return "", classify("enrollment.get_materia", err)
	}
	return materia, nil
}

// GroupSchedule loads the group's meetings grouped into one Meeting per
// (start, end) block.
func (r *EnrollmentRepo) GroupSchedule(ctx domain.Context, groupCode string) ([]domain.Meeting, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.GroupSchedule")
	defer span.End()

	q := `SELECT day, start_min, end_min FROM group_meetings WHERE group_code=$1 ORDER BY start_min, day`
	rows, err := r.Pool.Query(ctx, q, groupCode)
	if err != nil {
		return nil, classify("enrollment.group_schedule", err)
	}
	defer rows.Close()

	byBlock := map[[2]int]*domain.Meeting{}
	var order [][2]int
	for rows.Next() {
		var day string
		var start, end int
		if err := rows.Scan(&day, &start, &end); err != nil {
			return nil, classify("enrollment.group_schedule", err)
		}
		key := [2]int{start, end}
		m, ok := byBlock[key]
		if !ok {
			m = &domain.Meeting{StartMin: start, EndMin: end}
			byBlock[key] = m
			order = append(order, key)
		}
		m.Days = append(m.Days, day)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("enrollment.group_schedule", err)
	}
	out := make([]domain.Meeting, 0, len(order))
	for _, key := range order {
		out = append(out, *byBlock[key])
	}
	return out, nil
}

// StudentEnrolledMaterias returns the set of materias the student already has
// details for in the period.
func (r *EnrollmentRepo) StudentEnrolledMaterias(ctx domain.Context, studentID, periodID string) (map[string]struct{}, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.StudentEnrolledMaterias")
	defer span.End()

	q := `SELECT DISTINCT g.materia
	        FROM enrollments e
	        JOIN enrollment_details d ON d.enrollment_id = e.id
	        JOIN groups g ON g.code = d.group_code
	       WHERE e.student_id=$1 AND e.period_id=$2`
	rows, err := r.Pool.Query(ctx, q, studentID, periodID)
	if err != nil {
		return nil, classify("enrollment.enrolled_materias", err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, classify("enrollment.enrolled_materias", err)
		}
		out[m] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classify("enrollment.enrolled_materias", err)
	}
	return out, nil
}

// ScheduleConflict compares groupCode's meetings against each other group's,
// returning the first colliding pair. The comparison runs in Go on top of
// GroupSchedule so the half-open interval rule lives in one place.
func (r *EnrollmentRepo) ScheduleConflict(ctx domain.Context, groupCode string, otherCodes []string) (*domain.ConflictPair, error) {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.ScheduleConflict")
	defer span.End()

	target, err := r.GroupSchedule(ctx, groupCode)
	if err != nil {
		return nil, err
	}
	for _, other := range otherCodes {
		if other == groupCode {
			continue
		}
		meetings, err := r.GroupSchedule(ctx, other)
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

// Ping verifies database connectivity.
func (r *EnrollmentRepo) Ping(ctx domain.Context) error {
	tracer := otel.Tracer("repo.enrollment")
	ctx, span := tracer.Start(ctx, "enrollment.Ping")
	defer span.End()
	if err := r.Pool.Ping(ctx); err != nil {
		return classify("enrollment.ping", err)
	}
	return nil
}
