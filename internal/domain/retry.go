// Package domain defines retry and DLQ entities for resilient task processing.
package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines queue-level retry behavior. Delays follow
// min(InitialDelay * Multiplier^attempt + jitter, MaxDelay).
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialDelay is the base delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd
	Jitter bool
}

// DefaultRetryConfig returns the queue retry policy defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 10 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DelayFor returns the delay before retry number attempt (zero-based).
func (c RetryConfig) DelayFor(attempt int) time.Duration {
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt)))
	if delay > c.MaxDelay || delay <= 0 {
		delay = c.MaxDelay
	}
	if c.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1)) //nolint:gosec // Weak random is fine for jitter.
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether a failed attempt should be rescheduled: only
// transient categories retry, and only while attempts remain.
func (c RetryConfig) ShouldRetry(err error, attempt int) bool {
	if attempt >= c.MaxRetries {
		return false
	}
	return Retryable(err)
}

// DLQTask is the envelope recorded on a dead-letter queue when retries are
// exhausted or the failure is permanent.
type DLQTask struct {
	// TaskID is the original task id
	TaskID string `json:"task_id"`
	// Route is the queue the task originally ran on
	Route string `json:"route"`
	// HandlerName identifies the handler that failed
	HandlerName string `json:"handler_name"`
	// Payload is the original wire payload
	Payload []byte `json:"payload"`
	// Retries is the attempt count at the time of the move
	Retries int `json:"retries"`
	// FailureReason is the terminal error message
	FailureReason string `json:"failure_reason"`
	// ErrorCategory is the terminal error category
	ErrorCategory Category `json:"error_category"`
	// MovedToDLQAt is when the task was moved
	MovedToDLQAt time.Time `json:"moved_to_dlq_at"`
	// CanBeReprocessed indicates whether an operator may requeue it
	CanBeReprocessed bool `json:"can_be_reprocessed"`
}
