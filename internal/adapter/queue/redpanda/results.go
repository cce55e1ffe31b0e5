package redpanda

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusflow/enrollment-core/internal/domain"
)

const (
	taskKeyPrefix   = "task:"
	revokeKeyPrefix = "task_revoked:"
	workerKeyPrefix = "worker:"
	statKeyPrefix   = "queue_stats:"

	workerHeartbeatTTL = 60 * time.Second
)

// Stats is the aggregate queue view served by the stats endpoint.
type Stats struct {
	Active        int64 `json:"active"`
	Pending       int64 `json:"pending"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	WorkersOnline int   `json:"workers_online"`
}

// ResultBackend stores task records, revocation flags, worker heartbeats and
// aggregate counters in Redis.
type ResultBackend struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewResultBackend constructs a ResultBackend with the given record TTL.
func NewResultBackend(client redis.UniversalClient, ttl time.Duration) *ResultBackend {
	return &ResultBackend{client: client, ttl: ttl}
}

// Create stores a fresh task record and bumps the pending counter.
func (b *ResultBackend) Create(ctx domain.Context, rec domain.TaskRecord) error {
	if err := b.put(ctx, rec); err != nil {
		return err
	}
	b.incrStat(ctx, "pending", 1)
	return nil
}

// Get loads a task record; missing or expired records surface ErrNotFound.
func (b *ResultBackend) Get(ctx domain.Context, taskID string) (domain.TaskRecord, error) {
	raw, err := b.client.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.TaskRecord{}, fmt.Errorf("op=results.get task_id=%s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("op=results.get task_id=%s: %w", taskID, err)
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("op=results.get task_id=%s: %w", taskID, err)
	}
	return rec, nil
}

// MarkStarted flips the record to running.
func (b *ResultBackend) MarkStarted(ctx domain.Context, taskID string) error {
	err := b.update(ctx, taskID, func(rec *domain.TaskRecord) {
		now := time.Now().UTC()
		rec.Status = domain.TaskRunning
		rec.StartedAt = &now
	})
	if err != nil {
		return err
	}
	b.incrStat(ctx, "pending", -1)
	b.incrStat(ctx, "active", 1)
	return nil
}

// MarkProgress updates the current/total progress counters on a running task.
func (b *ResultBackend) MarkProgress(ctx domain.Context, taskID string, current, total int) error {
	return b.update(ctx, taskID, func(rec *domain.TaskRecord) {
		rec.Current = current
		rec.Total = total
	})
}

// MarkSucceeded finalizes the record with its result.
func (b *ResultBackend) MarkSucceeded(ctx domain.Context, taskID string, result any) error {
	err := b.update(ctx, taskID, func(rec *domain.TaskRecord) {
		now := time.Now().UTC()
		rec.Status = domain.TaskSucceeded
		rec.Result = result
		rec.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	b.incrStat(ctx, "active", -1)
	b.incrStat(ctx, "completed", 1)
	return nil
}

// MarkFailed finalizes the record with the failure and its category.
func (b *ResultBackend) MarkFailed(ctx domain.Context, taskID, errMsg string, category domain.Category, retries int) error {
	err := b.update(ctx, taskID, func(rec *domain.TaskRecord) {
		now := time.Now().UTC()
		rec.Status = domain.TaskFailed
		rec.Error = errMsg
		rec.ErrorCategory = category
		rec.Retries = retries
		rec.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	b.incrStat(ctx, "active", -1)
	b.incrStat(ctx, "failed", 1)
	return nil
}

// MarkRetrying bumps the retry count on the record while it stays queued.
func (b *ResultBackend) MarkRetrying(ctx domain.Context, taskID string, retries int) error {
	err := b.update(ctx, taskID, func(rec *domain.TaskRecord) {
		rec.Status = domain.TaskQueued
		rec.Retries = retries
	})
	if err != nil {
		return err
	}
	b.incrStat(ctx, "active", -1)
	b.incrStat(ctx, "pending", 1)
	return nil
}

// MarkRevoked finalizes a record a worker skipped due to revocation.
func (b *ResultBackend) MarkRevoked(ctx domain.Context, taskID string) error {
	var wasRunning bool
	err := b.update(ctx, taskID, func(rec *domain.TaskRecord) {
		wasRunning = rec.Status == domain.TaskRunning
		now := time.Now().UTC()
		rec.Status = domain.TaskRevoked
		rec.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	if wasRunning {
		b.incrStat(ctx, "active", -1)
	} else {
		b.incrStat(ctx, "pending", -1)
	}
	return nil
}

// Revoke flags a task. Workers skip flagged tasks before starting; a task
// already running has its handler context cancelled at the next poll and
// finalizes as revoked.
func (b *ResultBackend) Revoke(ctx domain.Context, taskID string) error {
	if err := b.client.Set(ctx, revokeKeyPrefix+taskID, "1", b.ttl).Err(); err != nil {
		return fmt.Errorf("op=results.revoke task_id=%s: %w", taskID, err)
	}
	err := b.update(ctx, taskID, func(rec *domain.TaskRecord) {
		if rec.Status == domain.TaskQueued {
			now := time.Now().UTC()
			rec.Status = domain.TaskRevoked
			rec.CompletedAt = &now
		}
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// IsRevoked reports whether the task carries a revocation flag.
func (b *ResultBackend) IsRevoked(ctx domain.Context, taskID string) bool {
	n, err := b.client.Exists(ctx, revokeKeyPrefix+taskID).Result()
	if err != nil {
		slog.Warn("revocation check failed", slog.String("task_id", taskID), slog.Any("error", err))
		return false
	}
	return n > 0
}

// Heartbeat refreshes the worker's liveness key.
func (b *ResultBackend) Heartbeat(ctx domain.Context, workerID string) error {
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := b.client.Set(ctx, workerKeyPrefix+workerID, ts, workerHeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("op=results.heartbeat worker=%s: %w", workerID, err)
	}
	return nil
}

// Stats aggregates counters and live worker keys.
func (b *ResultBackend) Stats(ctx domain.Context) (Stats, error) {
	var s Stats
	for name, dst := range map[string]*int64{
		"active":    &s.Active,
		"pending":   &s.Pending,
		"completed": &s.Completed,
		"failed":    &s.Failed,
	} {
		v, err := b.client.Get(ctx, statKeyPrefix+name).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Stats{}, fmt.Errorf("op=results.stats: %w", err)
		}
		*dst = v
	}
	// Counters can briefly dip below zero when a mark races an expiry.
	if s.Active < 0 {
		s.Active = 0
	}
	if s.Pending < 0 {
		s.Pending = 0
	}

	iter := b.client.Scan(ctx, 0, workerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		s.WorkersOnline++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("op=results.stats: %w", err)
	}
	return s, nil
}

func (b *ResultBackend) put(ctx domain.Context, rec domain.TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=results.put task_id=%s: %w", rec.TaskID, err)
	}
	if err := b.client.Set(ctx, taskKeyPrefix+rec.TaskID, raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("op=results.put task_id=%s: %w", rec.TaskID, err)
	}
	return nil
}

func (b *ResultBackend) update(ctx domain.Context, taskID string, mutate func(*domain.TaskRecord)) error {
	rec, err := b.Get(ctx, taskID)
	if err != nil {
		return err
	}
	mutate(&rec)
	return b.put(ctx, rec)
}

func (b *ResultBackend) incrStat(ctx domain.Context, name string, delta int64) {
	if err := b.client.IncrBy(ctx, statKeyPrefix+name, delta).Err(); err != nil {
		slog.Warn("queue stat update failed", slog.String("stat", name), slog.Any("error", err))
	}
}
