package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// reprocessCooldown keeps a dead-lettered task parked briefly before it is
// requeued, so a broken downstream is not hammered the moment it recovers.
const reprocessCooldown = 30 * time.Second

// DLQConsumer drains the dead-letter topics and requeues reprocessable tasks
// that have cooled down. Tasks older than MaxAge are dropped.
type DLQConsumer struct {
	client *kgo.Client
	retry  *RetryManager

	maxAge        time.Duration
	autoReprocess bool
}

// NewDLQConsumer constructs a DLQConsumer over every *_dlq topic.
func NewDLQConsumer(brokers []string, groupID string, retry *RetryManager, maxAge time.Duration, autoReprocess bool) (*DLQConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	dlqTopics := []string{
		domain.DLQFor(domain.QueueEnrollments),
		domain.DLQFor(domain.QueueBulk),
		domain.DLQFor(domain.QueueSingleGroup),
		domain.DLQFor(domain.QueueHealth),
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID+"-dlq"),
		kgo.ConsumeTopics(dlqTopics...),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda dlq client: %w", err)
	}
	return &DLQConsumer{client: client, retry: retry, maxAge: maxAge, autoReprocess: autoReprocess}, nil
}

// Start polls the DLQ topics until ctx ends.
func (d *DLQConsumer) Start(ctx context.Context) error {
	slog.Info("starting DLQ consumer", slog.Bool("auto_reprocess", d.autoReprocess))
	for {
		fetches := d.client.PollRecords(ctx, 10)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			d.client.Close()
			return ctx.Err()
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			d.processRecord(ctx, rec)
			d.client.MarkCommitRecords(rec)
		})
	}
}

func (d *DLQConsumer) processRecord(ctx context.Context, rec *kgo.Record) {
	var task domain.DLQTask
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		slog.Error("dropping undecodable DLQ record",
			slog.String("topic", rec.Topic), slog.Any("error", err))
		return
	}

	lg := slog.With(
		slog.String("task_id", task.TaskID),
		slog.String("route", task.Route),
		slog.String("category", string(task.ErrorCategory)))

	age := time.Since(task.MovedToDLQAt)
	if d.maxAge > 0 && age > d.maxAge {
		lg.Info("dropping expired DLQ task", slog.Duration("age", age))
		return
	}
	if !d.autoReprocess || !task.CanBeReprocessed {
		lg.Info("DLQ task parked", slog.String("reason", task.FailureReason))
		return
	}

	if remaining := reprocessCooldown - age; remaining > 0 {
		lg.Info("DLQ task cooling before reprocess", slog.Duration("remaining", remaining))
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return
		}
	}
	if err := d.retry.Reprocess(ctx, task); err != nil {
		lg.Error("failed to reprocess DLQ task", slog.Any("error", err))
	}
}
