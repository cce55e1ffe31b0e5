// Package breaker provides the per-dependency circuit breakers guarding the
// database, the key-value store and external services.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed State = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where limited operations are allowed to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config parameterizes one breaker.
type Config struct {
	// FailureThreshold opens the breaker after this many consecutive failures.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker rejects before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold closes a half-open breaker after this many consecutive successes.
	SuccessThreshold int
	// CallTimeout bounds each guarded call; a timeout counts as failure.
	CallTimeout time.Duration
	// IsFailure classifies which errors trip the breaker. Nil counts all errors.
	IsFailure func(error) bool
}

// InfrastructureFailure reports whether err indicates dependency trouble as
// opposed to a domain outcome. Business failures (capacity, conflicts,
// validation) and lock contention never trip a breaker.
func InfrastructureFailure(err error) bool {
	switch domain.CategoryOf(err) {
	case domain.CategoryTimeout, domain.CategoryConnection, domain.CategoryDeadlock:
		return true
	}
	return false
}

// Pre-configured defaults per dependency class.
func DatabaseConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2, CallTimeout: 15 * time.Second, IsFailure: InfrastructureFailure}
}

func RedisConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 3, CallTimeout: 5 * time.Second, IsFailure: InfrastructureFailure}
}

func ExternalConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 2, CallTimeout: 30 * time.Second, IsFailure: InfrastructureFailure}
}

// Stats is a point-in-time view of one breaker for observability.
type Stats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalRejections      int64     `json:"total_rejections"`
	StateChanges         int64     `json:"state_changes"`
	LastFailureAt        time.Time `json:"last_failure_at"`
}

// CircuitBreaker implements the circuit breaker pattern. State transitions are
// atomic under the per-breaker mutex; snapshot reads are racy but monotonic.
type CircuitBreaker struct {
	mu   sync.Mutex
	name string
	cfg  Config

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time

	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
	stateChanges    int64

	now      func() time.Time
	onChange func(Stats)
}

// New creates a circuit breaker in the closed state.
func New(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg, state: StateClosed, now: time.Now}
}

// SetClock replaces the time source; tests use it to cross the recovery window.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Call guards op with the breaker state machine and the configured call
// timeout. When the breaker is open the op is never invoked and the caller
// fails with domain.ErrBreakerOpen.
func (cb *CircuitBreaker) Call(ctx domain.Context, op func(domain.Context) error) error {
	if !cb.allow() {
		cb.mu.Lock()
		cb.totalRejections++
		cb.mu.Unlock()
		observability.BreakerRejectionsTotal.WithLabelValues(cb.name).Inc()
		return fmt.Errorf("op=breaker.call name=%s: %w", cb.name, domain.ErrBreakerOpen)
	}

	callCtx := ctx
	if cb.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}

	err := op(callCtx)
	if err == nil {
		cb.recordSuccess()
		return nil
	}
	if cb.isFailure(err) {
		cb.recordFailure()
	}
	return err
}

func (cb *CircuitBreaker) isFailure(err error) bool {
	if cb.cfg.IsFailure != nil {
		return cb.cfg.IsFailure(err)
	}
	// Count all errors by default; safer than letting a misclassified
	// failure mode hammer a struggling dependency.
	return true
}

// allow reports whether a call may proceed, transitioning open -> half-open
// once the recovery window has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureAt) >= cb.cfg.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			slog.Info("circuit breaker transitioning to half-open",
				slog.String("name", cb.name),
				slog.Duration("recovery_timeout", cb.cfg.RecoveryTimeout))
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
		cb.transition(StateClosed)
		slog.Info("circuit breaker closed after recovery",
			slog.String("name", cb.name),
			slog.Int("success_threshold", cb.cfg.SuccessThreshold))
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureAt = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
			slog.Warn("circuit breaker opened",
				slog.String("name", cb.name),
				slog.Int("consecutive_failures", cb.consecutiveFailures),
				slog.Int("failure_threshold", cb.cfg.FailureThreshold))
		}
	case StateHalfOpen:
		// Any failure in half-open reopens.
		cb.transition(StateOpen)
		slog.Warn("circuit breaker reopened from half-open",
			slog.String("name", cb.name))
	}
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.stateChanges++
	if to == StateHalfOpen || to == StateClosed {
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	}
	observability.ObserveBreakerState(cb.name, int(to))
	if cb.onChange != nil {
		cb.onChange(cb.statsLocked())
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns breaker statistics.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statsLocked()
}

func (cb *CircuitBreaker) statsLocked() Stats {
	return Stats{
		Name:                 cb.name,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		TotalFailures:        cb.totalFailures,
		TotalSuccesses:       cb.totalSuccesses,
		TotalRejections:      cb.totalRejections,
		StateChanges:         cb.stateChanges,
		LastFailureAt:        cb.lastFailureAt,
	}
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.totalRejections = 0
	cb.lastFailureAt = time.Time{}

	slog.Info("circuit breaker reset to closed state", slog.String("name", cb.name))
}
