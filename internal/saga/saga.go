// Package saga implements the ordered-step workflow engine with reverse-order
// compensation used by the enrollment worker.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// Status is the lifecycle of a saga instance. Terminal states are completed,
// compensated and failed.
type Status string

const (
	StatusPending      Status = "pending"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// StepStatus is the lifecycle of one step.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepExecuting          StepStatus = "executing"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
	StepSkipped            StepStatus = "skipped"
)

// Args carries named arguments into actions and compensations.
type Args map[string]any

// StepResult is what an action returns on success. CompensationData entries
// are merged into the step's compensation args for the reverse walk.
type StepResult struct {
	Output           any
	CompensationData Args
}

// ActionFunc is a step's forward effect.
type ActionFunc func(ctx domain.Context, args Args) (*StepResult, error)

// CompensationFunc undoes a completed step.
type CompensationFunc func(ctx domain.Context, args Args) error

type step struct {
	name         string
	action       ActionFunc
	compensation CompensationFunc
	args         Args
	compArgs     Args
	maxRetries   int

	status      StepStatus
	retryCount  int
	output      any
	err         error
	startedAt   time.Time
	completedAt time.Time
}

// Saga is an ordered list of steps executed by a single worker end to end.
// It is not safe for concurrent use; ownership never migrates mid-flight.
type Saga struct {
	id    string
	name  string
	steps []*step

	status      Status
	err         error
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	sleep func(domain.Context, time.Duration) error
}

// Option configures a Saga at construction.
type Option func(*Saga)

// WithSleep replaces the inter-retry delay; tests inject an instant sleeper.
func WithSleep(sleep func(domain.Context, time.Duration) error) Option {
	return func(s *Saga) { s.sleep = sleep }
}

// WithID fixes the saga id instead of generating one.
func WithID(id string) Option {
	return func(s *Saga) { s.id = id }
}

// New constructs an empty saga.
func New(name string, opts ...Option) *Saga {
	s := &Saga{
		id:        uuid.New().String(),
		name:      name,
		status:    StatusPending,
		createdAt: time.Now().UTC(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx domain.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ID returns the saga id.
func (s *Saga) ID() string { return s.id }

// Name returns the saga name.
func (s *Saga) Name() string { return s.name }

// Status returns the current saga status.
func (s *Saga) Status() Status { return s.status }

// Err returns the terminal error, if any.
func (s *Saga) Err() error { return s.err }

// AddStep appends a step. compensation may be nil for effect-free steps.
// args is handed to the action and seeds the compensation arguments; action
// CompensationData entries overlay them before the reverse walk.
func (s *Saga) AddStep(name string, action ActionFunc, compensation CompensationFunc, args Args, maxRetries int) *Saga {
	compArgs := Args{}
	for k, v := range args {
		compArgs[k] = v
	}
	s.steps = append(s.steps, &step{
		name:         name,
		action:       action,
		compensation: compensation,
		args:         args,
		compArgs:     compArgs,
		maxRetries:   maxRetries,
		status:       StepPending,
	})
	return s
}

// Execute runs the steps strictly in insertion order. On terminal action
// failure it compensates completed steps in reverse order and returns the
// action error. Compensation failures are logged, never interrupt the walk,
// and demote the terminal status from compensated to failed.
func (s *Saga) Execute(ctx domain.Context) error {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("saga_id", s.id),
		slog.String("saga", s.name))

	s.status = StatusExecuting
	s.startedAt = time.Now().UTC()
	lg.Info("saga started", slog.Int("steps", len(s.steps)))

	for i, st := range s.steps {
		// Step boundaries are the safe points for cancellation and task
		// revocation: a cancelled saga stops before the next action and
		// unwinds whatever already completed.
		if cerr := ctx.Err(); cerr != nil {
			s.err = cerr
			lg.Warn("saga cancelled, compensating",
				slog.String("next_step", st.name),
				slog.Int("completed_steps", i))
			s.compensate(ctx, i, lg)
			s.completedAt = time.Now().UTC()
			observability.ObserveSagaOutcome(string(s.status))
			return fmt.Errorf("saga %s cancelled: %w", s.name, cerr)
		}
		if err := s.executeStep(ctx, st, lg); err != nil {
			s.err = err
			lg.Warn("saga step failed, compensating",
				slog.String("step", st.name),
				slog.Int("step_index", i),
				slog.String("category", string(domain.CategoryOf(err))),
				slog.Any("error", err))
			s.compensate(ctx, i, lg)
			s.completedAt = time.Now().UTC()
			observability.ObserveSagaOutcome(string(s.status))
			return err
		}
	}

	s.status = StatusCompleted
	s.completedAt = time.Now().UTC()
	observability.ObserveSagaOutcome(string(s.status))
	lg.Info("saga completed", slog.Duration("elapsed", s.completedAt.Sub(s.startedAt)))
	return nil
}

// executeStep retries the action on transient failures with exponential
// backoff (1s, 2s, 4s, ... capped at 30s). Permanent categories fail the step
// on the first attempt.
func (s *Saga) executeStep(ctx domain.Context, st *step, lg *slog.Logger) error {
	st.status = StepExecuting
	st.startedAt = time.Now().UTC()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := st.action(ctx, st.args)
		if err == nil {
			st.status = StepCompleted
			st.completedAt = time.Now().UTC()
			if result != nil {
				st.output = result.Output
				for k, v := range result.CompensationData {
					st.compArgs[k] = v
				}
			}
			return nil
		}
		lastErr = err

		if attempt >= st.maxRetries || !domain.Retryable(err) {
			break
		}
		st.retryCount++
		observability.SagaStepRetriesTotal.WithLabelValues(s.name, st.name).Inc()
		delay := bo.NextBackOff()
		lg.Info("saga step retrying",
			slog.String("step", st.name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if serr := s.sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	st.status = StepFailed
	st.completedAt = time.Now().UTC()
	st.err = lastErr
	return fmt.Errorf("step %s: %w", st.name, lastErr)
}

// compensate walks the steps before failedIdx in reverse, invoking each
// completed step's compensation with its merged args.
func (s *Saga) compensate(ctx domain.Context, failedIdx int, lg *slog.Logger) {
	// The forward path may have died to a cancelled context; compensations
	// still have to run or completed steps leak their side effects.
	ctx = context.WithoutCancel(ctx)
	s.status = StatusCompensating
	anyFailed := false

	for i := failedIdx - 1; i >= 0; i-- {
		st := s.steps[i]
		if st.status != StepCompleted {
			continue
		}
		if st.compensation == nil {
			st.status = StepSkipped
			continue
		}
		if err := st.compensation(ctx, st.compArgs); err != nil {
			anyFailed = true
			st.status = StepCompensationFailed
			st.err = err
			lg.Error("saga compensation failed",
				slog.String("step", st.name),
				slog.Any("error", err))
			continue
		}
		st.status = StepCompensated
		lg.Info("saga step compensated", slog.String("step", st.name))
	}

	if anyFailed {
		s.status = StatusFailed
		return
	}
	s.status = StatusCompensated
}

// StepSnapshot is the observability view of one step.
type StepSnapshot struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Snapshot is the observability view of a saga instance.
type Snapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Steps       []StepSnapshot `json:"steps"`
}

// Snapshot captures the saga's current state.
func (s *Saga) Snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		Name:      s.name,
		Status:    s.status,
		CreatedAt: s.createdAt,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if !s.completedAt.IsZero() {
		t := s.completedAt
		snap.CompletedAt = &t
	}
	for _, st := range s.steps {
		ss := StepSnapshot{
			Name:       st.name,
			Status:     st.status,
			RetryCount: st.retryCount,
		}
		if st.err != nil {
			ss.Error = st.err.Error()
		}
		if !st.startedAt.IsZero() {
			t := st.startedAt
			ss.StartedAt = &t
		}
		if !st.completedAt.IsZero() {
			t := st.completedAt
			ss.CompletedAt = &t
		}
		snap.Steps = append(snap.Steps, ss)
	}
	return snap
}
