// Package workflow composes the enrollment saga: validation, group
// reservation, header and detail writes, capacity commit and notification.
package workflow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/campusflow/enrollment-core/internal/breaker"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/observability"
	"github.com/campusflow/enrollment-core/internal/reservation"
	"github.com/campusflow/enrollment-core/internal/saga"
)

// Notifier delivers enrollment outcome notifications. Delivery is best
// effort; the saga never rolls back on a notification failure.
type Notifier interface {
	EnrollmentCompleted(ctx domain.Context, studentID, periodID string, groups []string) error
}

// LogNotifier writes notifications to the log. It stands in until a real
// channel (mail, webhook) is wired.
type LogNotifier struct{}

// EnrollmentCompleted implements Notifier.
func (LogNotifier) EnrollmentCompleted(ctx domain.Context, studentID, periodID string, groups []string) error {
	observability.LoggerFromContext(ctx).Info("enrollment completed notification",
		slog.String("student_id", studentID),
		slog.String("period_id", periodID),
		slog.Any("groups", groups))
	return nil
}

// EnrollResult is the outcome of one enrollment saga.
type EnrollResult struct {
	EnrollmentID string   `json:"enrollment_id"`
	StudentID    string   `json:"student_id"`
	PeriodID     string   `json:"period_id"`
	Groups       []string `json:"groups"`
	Skipped      []string `json:"skipped,omitempty"`
	Reused       bool     `json:"reused_existing"`
}

// Workflow drives enrollment sagas against the store, the reservation lock
// and the notifier, with circuit breakers guarding each dependency.
type Workflow struct {
	store    domain.EnrollmentStore
	reserver *reservation.Reserver
	breakers *breaker.Registry
	sagas    *saga.Manager
	notifier Notifier

	reservationTTL time.Duration
	sagaOpts       []saga.Option
}

// New constructs a Workflow.
func New(store domain.EnrollmentStore, reserver *reservation.Reserver, breakers *breaker.Registry, sagas *saga.Manager, notifier Notifier, reservationTTL time.Duration) *Workflow {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Workflow{
		store:          store,
		reserver:       reserver,
		breakers:       breakers,
		sagas:          sagas,
		notifier:       notifier,
		reservationTTL: reservationTTL,
	}
}

// SetSagaOptions adds options to every saga built by this workflow; tests
// inject an instant retry sleeper.
func (w *Workflow) SetSagaOptions(opts ...saga.Option) { w.sagaOpts = opts }

func (w *Workflow) db(ctx domain.Context, op func(domain.Context) error) error {
	cb := w.breakers.GetOrCreate(breaker.NameDatabase, breaker.DatabaseConfig())
	return cb.Call(ctx, op)
}

func (w *Workflow) redis(ctx domain.Context, op func(domain.Context) error) error {
	cb := w.breakers.GetOrCreate(breaker.NameRedis, breaker.RedisConfig())
	return cb.Call(ctx, op)
}

// enrollState is the mutable state threaded through the saga steps. A saga
// runs on a single worker, so no locking is needed.
type enrollState struct {
	enrollmentID  string
	createdHeader bool
	reused        bool
	handle        *reservation.Handle

	// Union of the student's existing detail groups and groups added so far,
	// the comparison set for schedule conflicts.
	scheduleUnion []string
	materias      map[string]struct{}

	added       []addedDetail
	skipped     []string
	incremented []string
}

type addedDetail struct {
	detailID  string
	groupCode string
}

func (st *enrollState) wasAdded(code string) bool {
	for _, a := range st.added {
		if a.groupCode == code {
			return true
		}
	}
	return false
}

// EnrollByGroups runs the full enrollment saga for one student and a set of
// groups. On any terminal step failure all completed steps are compensated
// and the step error is returned.
func (w *Workflow) EnrollByGroups(ctx domain.Context, p domain.EnrollByGroupsPayload) (*EnrollResult, error) {
	if p.StudentID == "" || p.PeriodID == "" || len(p.Groups) == 0 {
		return nil, fmt.Errorf("op=workflow.enroll: student, period and groups are required: %w", domain.ErrInvalidArgument)
	}

	st := &enrollState{materias: map[string]struct{}{}}
	s := saga.New("enrollment", w.sagaOpts...)

	s.AddStep("validate", w.validateStep(p), nil, nil, 3)
	s.AddStep("reserve_groups", w.reserveStep(p, st), w.releaseComp(st), nil, 2)
	s.AddStep("resolve_header", w.headerStep(p, st), w.headerComp(st), nil, 3)
	for _, code := range p.Groups {
		code := code
		s.AddStep("add_group_"+code, w.addGroupStep(p, st, code), w.removeGroupComp(st, code), nil, 3)
	}
	for _, code := range p.Groups {
		code := code
		s.AddStep("commit_counter_"+code, w.commitCounterStep(st, code), w.rollbackCounterComp(st, code), nil, 3)
	}
	s.AddStep("notify", w.notifyStep(p, st), nil, nil, 1)

	if err := w.sagas.Run(ctx, s); err != nil {
		return nil, err
	}

	// Locks are only needed until the counters commit.
	if err := w.redis(ctx, func(c domain.Context) error { return w.reserver.Release(c, st.handle) }); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to release group locks after completion",
			slog.Any("error", err))
	}

	groups := make([]string, 0, len(st.added))
	for _, a := range st.added {
		groups = append(groups, a.groupCode)
	}
	return &EnrollResult{
		EnrollmentID: st.enrollmentID,
		StudentID:    p.StudentID,
		PeriodID:     p.PeriodID,
		Groups:       groups,
		Skipped:      st.skipped,
		Reused:       st.reused,
	}, nil
}

// EnrollSingleGroup enrolls one group, reusing the multi-group saga.
func (w *Workflow) EnrollSingleGroup(ctx domain.Context, p domain.SingleGroupPayload) (*EnrollResult, error) {
	return w.EnrollByGroups(ctx, domain.EnrollByGroupsPayload{
		StudentID:      p.StudentID,
		PeriodID:       p.PeriodID,
		Groups:         []string{p.GroupCode},
		IdempotencyKey: p.IdempotencyKey,
		CorrelationID:  p.CorrelationID,
	})
}

func (w *Workflow) validateStep(p domain.EnrollByGroupsPayload) saga.ActionFunc {
	return func(ctx domain.Context, _ saga.Args) (*saga.StepResult, error) {
		if err := w.db(ctx, func(c domain.Context) error {
			return w.store.ValidateStudentActive(c, p.StudentID)
		}); err != nil {
			return nil, err
		}
		if err := w.db(ctx, func(c domain.Context) error {
			return w.store.ValidatePeriodActive(c, p.PeriodID)
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func (w *Workflow) reserveStep(p domain.EnrollByGroupsPayload, st *enrollState) saga.ActionFunc {
	return func(ctx domain.Context, _ saga.Args) (*saga.StepResult, error) {
		err := w.redis(ctx, func(c domain.Context) error {
			h, rerr := w.reserver.Reserve(c, p.Groups, w.reservationTTL)
			if rerr != nil {
				return rerr
			}
			st.handle = h
			return nil
		})
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func (w *Workflow) releaseComp(st *enrollState) saga.CompensationFunc {
	return func(ctx domain.Context, _ saga.Args) error {
		return w.redis(ctx, func(c domain.Context) error {
			return w.reserver.Release(c, st.handle)
		})
	}
}

func (w *Workflow) headerStep(p domain.EnrollByGroupsPayload, st *enrollState) saga.ActionFunc {
	return func(ctx domain.Context, _ saga.Args) (*saga.StepResult, error) {
		err := w.db(ctx, func(c domain.Context) error {
			existing, found, lerr := w.store.LookupExistingEnrollment(c, p.StudentID, p.PeriodID)
			if lerr != nil {
				return lerr
			}
			if found {
				st.enrollmentID = existing.ID
				st.reused = true
				details, derr := w.store.ListDetails(c, existing.ID)
				if derr != nil {
					return derr
				}
				for _, d := range details {
					st.scheduleUnion = append(st.scheduleUnion, d.GroupCode)
				}
				materias, merr := w.store.StudentEnrolledMaterias(c, p.StudentID, p.PeriodID)
				if merr != nil {
					return merr
				}
				st.materias = materias
				return nil
			}
			id, ierr := w.store.InsertEnrollmentHeader(c, p.StudentID, p.PeriodID)
			if ierr != nil {
				return ierr
			}
			st.enrollmentID = id
			st.createdHeader = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &saga.StepResult{Output: st.enrollmentID}, nil
	}
}

func (w *Workflow) headerComp(st *enrollState) saga.CompensationFunc {
	return func(ctx domain.Context, _ saga.Args) error {
		if !st.createdHeader {
			return nil
		}
		return w.db(ctx, func(c domain.Context) error {
			return w.store.DeleteEnrollmentHeader(c, st.enrollmentID)
		})
	}
}

func (w *Workflow) addGroupStep(p domain.EnrollByGroupsPayload, st *enrollState, code string) saga.ActionFunc {
	return func(ctx domain.Context, _ saga.Args) (*saga.StepResult, error) {
		var skipped bool
		err := w.db(ctx, func(c domain.Context) error {
			has, herr := w.store.HasDetailForGroup(c, st.enrollmentID, code)
			if herr != nil {
				return herr
			}
			if has {
				skipped = true
				return nil
			}

			materia, merr := w.store.GetGroupMateria(c, code)
			if merr != nil {
				return merr
			}
			if _, dup := st.materias[materia]; dup {
				return fmt.Errorf("op=workflow.add_group group=%s materia=%s: %w", code, materia, domain.ErrDuplicateMateria)
			}

			pair, serr := w.store.ScheduleConflict(c, code, st.scheduleUnion)
			if serr != nil {
				return serr
			}
			if pair != nil {
				return domain.E(domain.CategoryScheduleConflict,
					"group %s conflicts with %s", pair.GroupCode, pair.OtherCode)
			}

			detailID, ierr := w.store.InsertEnrollmentDetail(c, st.enrollmentID, code)
			if ierr != nil {
				return ierr
			}
			st.added = append(st.added, addedDetail{detailID: detailID, groupCode: code})
			st.scheduleUnion = append(st.scheduleUnion, code)
			st.materias[materia] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if skipped {
			st.skipped = append(st.skipped, code)
		}
		return nil, nil
	}
}

func (w *Workflow) removeGroupComp(st *enrollState, code string) saga.CompensationFunc {
	return func(ctx domain.Context, _ saga.Args) error {
		for _, a := range st.added {
			if a.groupCode != code {
				continue
			}
			return w.db(ctx, func(c domain.Context) error {
				return w.store.DeleteEnrollmentDetail(c, a.detailID)
			})
		}
		return nil
	}
}

// commitCounterStep increments one group's counter under the store's row
// lock. A capacity failure here is the authoritative one; the advisory
// reservation only narrows the race window. Groups skipped as pre-existing
// details never touch the counter.
func (w *Workflow) commitCounterStep(st *enrollState, code string) saga.ActionFunc {
	return func(ctx domain.Context, _ saga.Args) (*saga.StepResult, error) {
		if !st.wasAdded(code) || contains(st.incremented, code) {
			return nil, nil
		}
		err := w.db(ctx, func(c domain.Context) error {
			return w.store.IncrementGroupCounter(c, code)
		})
		if err != nil {
			return nil, err
		}
		st.incremented = append(st.incremented, code)
		return nil, nil
	}
}

func (w *Workflow) rollbackCounterComp(st *enrollState, code string) saga.CompensationFunc {
	return func(ctx domain.Context, _ saga.Args) error {
		if !contains(st.incremented, code) {
			return nil
		}
		return w.db(ctx, func(c domain.Context) error {
			return w.store.DecrementGroupCounter(c, code)
		})
	}
}

// notifyStep delivers the completion notification. Failures are logged and
// never fail the saga.
func (w *Workflow) notifyStep(p domain.EnrollByGroupsPayload, st *enrollState) saga.ActionFunc {
	return func(ctx domain.Context, _ saga.Args) (*saga.StepResult, error) {
		groups := make([]string, 0, len(st.added))
		for _, a := range st.added {
			groups = append(groups, a.groupCode)
		}
		if err := w.notifier.EnrollmentCompleted(ctx, p.StudentID, p.PeriodID, groups); err != nil {
			observability.LoggerFromContext(ctx).Warn("enrollment notification failed",
				slog.String("student_id", p.StudentID),
				slog.Any("error", err))
		}
		return nil, nil
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
