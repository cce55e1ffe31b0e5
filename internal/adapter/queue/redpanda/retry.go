package redpanda

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// envelopeSink is the producer surface the retry manager needs; tests fake it.
type envelopeSink interface {
	EnqueueEnvelope(ctx domain.Context, env *Envelope) error
	EnqueueDLQ(ctx domain.Context, task domain.DLQTask) error
}

// RetryManager decides, per failed task, between a delayed re-enqueue and the
// dead-letter queue.
type RetryManager struct {
	sink    envelopeSink
	results *ResultBackend
	cfg     domain.RetryConfig

	sleep func(domain.Context, time.Duration) error
}

// NewRetryManager constructs a RetryManager.
func NewRetryManager(sink envelopeSink, results *ResultBackend, cfg domain.RetryConfig) *RetryManager {
	return &RetryManager{sink: sink, results: results, cfg: cfg, sleep: sleepCtx}
}

// SetSleep replaces the retry delay; tests inject an instant sleeper.
func (rm *RetryManager) SetSleep(sleep func(domain.Context, time.Duration) error) {
	rm.sleep = sleep
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

// HandleFailure routes a failed task. Transient failures under the retry
// budget are re-enqueued after a backoff delay; everything else goes to the
// route's DLQ and the record is finalized as failed.
func (rm *RetryManager) HandleFailure(ctx domain.Context, env *Envelope, handlerErr error) error {
	category := domain.CategoryOf(handlerErr)

	if domain.Retryable(handlerErr) && env.Retries < env.MaxRetries {
		delay := rm.cfg.DelayFor(env.Retries)
		next := *env
		next.Retries++

		if err := rm.results.MarkRetrying(ctx, env.TaskID, next.Retries); err != nil {
			slog.Warn("failed to mark task retrying",
				slog.String("task_id", env.TaskID), slog.Any("error", err))
		}
		observability.RetryTask(env.Route)
		slog.Info("task scheduled for retry",
			slog.String("task_id", env.TaskID),
			slog.Int("retries", next.Retries),
			slog.Int("max_retries", env.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("category", string(category)))

		go rm.scheduleRetry(ctx, &next, delay)
		return nil
	}

	return rm.moveToDLQ(ctx, env, handlerErr, category)
}

func (rm *RetryManager) scheduleRetry(ctx domain.Context, env *Envelope, delay time.Duration) {
	if err := rm.sleep(ctx, delay); err != nil {
		slog.Warn("retry delay interrupted", slog.String("task_id", env.TaskID), slog.Any("error", err))
		return
	}
	if rm.results.IsRevoked(ctx, env.TaskID) {
		slog.Info("task revoked during retry delay, dropping", slog.String("task_id", env.TaskID))
		return
	}
	if err := rm.sink.EnqueueEnvelope(ctx, env); err != nil {
		slog.Error("failed to re-enqueue task for retry",
			slog.String("task_id", env.TaskID), slog.Any("error", err))
		_ = rm.results.MarkFailed(ctx, env.TaskID, "failed to enqueue for retry", domain.CategoryInternal, env.Retries)
	}
}

func (rm *RetryManager) moveToDLQ(ctx domain.Context, env *Envelope, handlerErr error, category domain.Category) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	task := domain.DLQTask{
		TaskID:           env.TaskID,
		Route:            env.Route,
		HandlerName:      env.HandlerName,
		Payload:          payload,
		Retries:          env.Retries,
		FailureReason:    handlerErr.Error(),
		ErrorCategory:    category,
		MovedToDLQAt:     time.Now().UTC(),
		CanBeReprocessed: category != domain.CategoryCompensationFailed,
	}
	if err := rm.sink.EnqueueDLQ(ctx, task); err != nil {
		return fmt.Errorf("op=retry.move_to_dlq task_id=%s: %w", env.TaskID, err)
	}
	if err := rm.results.MarkFailed(ctx, env.TaskID, handlerErr.Error(), category, env.Retries); err != nil {
		slog.Warn("failed to finalize dead-lettered task",
			slog.String("task_id", env.TaskID), slog.Any("error", err))
	}
	observability.FailTask(env.Route)
	slog.Info("task moved to DLQ",
		slog.String("task_id", env.TaskID),
		slog.String("route", env.Route),
		slog.String("category", string(category)),
		slog.Int("retries", env.Retries))
	return nil
}

// Reprocess requeues a dead-lettered task onto its original route with a
// reset retry budget.
func (rm *RetryManager) Reprocess(ctx domain.Context, task domain.DLQTask) error {
	if !task.CanBeReprocessed {
		return fmt.Errorf("op=retry.reprocess task_id=%s: task cannot be reprocessed: %w", task.TaskID, domain.ErrInvalidArgument)
	}
	env, err := DecodeEnvelope(task.Payload)
	if err != nil {
		return err
	}
	env.Retries = 0
	if err := rm.results.MarkRetrying(ctx, env.TaskID, 0); err != nil {
		slog.Warn("failed to reset task record for reprocessing",
			slog.String("task_id", env.TaskID), slog.Any("error", err))
	}
	if err := rm.sink.EnqueueEnvelope(ctx, env); err != nil {
		return fmt.Errorf("op=retry.reprocess task_id=%s: %w", env.TaskID, err)
	}
	slog.Info("DLQ task requeued for reprocessing", slog.String("task_id", env.TaskID))
	return nil
}
