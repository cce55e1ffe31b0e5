package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// revokePollInterval is how often a running task's revocation flag is
// checked to cancel its handler context.
const revokePollInterval = time.Second

// ConsumerConfig carries the worker pool tuning knobs.
type ConsumerConfig struct {
	GroupID          string
	WorkerID         string
	Concurrency      int
	Prefetch         int
	MaxTasksPerChild int
	Heartbeat        time.Duration
	SoftDeadline     time.Duration
	HardDeadline     time.Duration
}

// Consumer polls the queue topics and drives a fixed-size worker pool. Each
// worker takes one task at a time (prefetch defaults to one) and records are
// only marked for commit after the handler finishes, so a crash mid-task
// redelivers it to another worker.
type Consumer struct {
	client   *kgo.Client
	results  *ResultBackend
	retry    *RetryManager
	registry *Registry
	cfg      ConsumerConfig

	taskQueue chan *kgo.Record
	// markRecords is client.MarkCommitRecords; tests substitute a capture.
	markRecords func(...*kgo.Record)
	// revokePoll overrides revokePollInterval; tests shrink it.
	revokePoll time.Duration
}

// NewConsumer constructs a Consumer subscribed to all non-DLQ queue topics.
func NewConsumer(brokers []string, registry *Registry, results *ResultBackend, retry *RetryManager, cfg ConsumerConfig) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	topics := []string{
		domain.QueueEnrollments,
		domain.QueueBulk,
		domain.QueueSingleGroup,
		domain.QueueHealth,
	}

	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	EnsureQueues(context.Background(), tempClient)
	tempClient.Close()

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		// Late acknowledgment: offsets commit only for explicitly marked
		// records, after the handler has finished.
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	c := &Consumer{
		client:   client,
		results:  results,
		retry:    retry,
		registry: registry,
		cfg:      cfg,
		taskQueue:  make(chan *kgo.Record, taskQueueDepth(cfg)),
		revokePoll: revokePollInterval,
	}
	c.markRecords = client.MarkCommitRecords
	return c, nil
}

// Start runs the fetch loop, the worker pool and the heartbeat until ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting queue consumer",
		slog.String("group_id", c.cfg.GroupID),
		slog.String("worker_id", c.cfg.WorkerID),
		slog.Int("concurrency", c.cfg.Concurrency),
		slog.Int("max_tasks_per_child", c.cfg.MaxTasksPerChild))

	for i := 0; i < c.cfg.Concurrency; i++ {
		go c.workerSupervisor(ctx, i)
	}
	go c.heartbeatLoop(ctx)
	go c.fetchLoop(ctx)

	<-ctx.Done()
	slog.Info("queue consumer shutting down")
	c.client.Close()
	return ctx.Err()
}

// taskQueueDepth sizes the record channel. A prefetch of one keeps it
// unbuffered so each worker holds exactly the task it is processing; higher
// values let the pool buffer that many extra records per worker.
func taskQueueDepth(cfg ConsumerConfig) int {
	return (cfg.Prefetch - 1) * cfg.Concurrency
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		fetches := c.client.PollRecords(ctx, c.cfg.Concurrency*c.cfg.Prefetch)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case c.taskQueue <- rec:
			case <-ctx.Done():
			}
		})
	}
}

// workerSupervisor restarts a worker every time it retires after reaching its
// task budget, mirroring worker_max_tasks_per_child process recycling.
func (c *Consumer) workerSupervisor(ctx context.Context, id int) {
	generation := 0
	for ctx.Err() == nil {
		c.worker(ctx, id, generation)
		generation++
	}
}

func (c *Consumer) worker(ctx context.Context, id, generation int) {
	processed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-c.taskQueue:
			c.processRecord(ctx, rec)
			processed++
			if c.cfg.MaxTasksPerChild > 0 && processed >= c.cfg.MaxTasksPerChild {
				slog.Info("worker recycling after task budget",
					slog.Int("worker", id),
					slog.Int("generation", generation),
					slog.Int("processed", processed))
				return
			}
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	// The record is always marked: a poison message must not wedge the
	// partition, and failures are re-enqueued as fresh records.
	defer c.markRecords(rec)

	env, err := DecodeEnvelope(rec.Value)
	if err != nil {
		slog.Error("dropping undecodable task record",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return
	}

	lg := slog.With(
		slog.String("task_id", env.TaskID),
		slog.String("handler", env.HandlerName),
		slog.String("route", env.Route))

	if c.results.IsRevoked(ctx, env.TaskID) {
		lg.Info("task revoked before start, skipping")
		if err := c.results.MarkRevoked(ctx, env.TaskID); err != nil {
			lg.Warn("failed to finalize revoked task", slog.Any("error", err))
		}
		return
	}

	observability.StartProcessingTask(env.Route)
	if err := c.results.MarkStarted(ctx, env.TaskID); err != nil {
		lg.Warn("failed to mark task started", slog.Any("error", err))
	}

	handler, ok := c.registry.Lookup(env.HandlerName)
	if !ok {
		herr := fmt.Errorf("op=consumer.process: unknown handler %q: %w", env.HandlerName, domain.ErrInvalidArgument)
		if err := c.retry.HandleFailure(ctx, env, herr); err != nil {
			lg.Error("failed to dead-letter unknown handler task", slog.Any("error", err))
		}
		return
	}

	result, err := c.runWithDeadlines(ctx, env, handler, lg)

	// A task revoked after start finalizes as revoked, never as failed or
	// succeeded: the handler's context was cancelled and the saga unwound
	// its completed steps at the next boundary.
	if c.results.IsRevoked(ctx, env.TaskID) {
		lg.Info("task revoked while running")
		if merr := c.results.MarkRevoked(ctx, env.TaskID); merr != nil {
			lg.Warn("failed to finalize revoked task", slog.Any("error", merr))
		}
		return
	}

	if err != nil {
		lg.Warn("task handler failed",
			slog.String("category", string(domain.CategoryOf(err))),
			slog.Any("error", err))
		if herr := c.retry.HandleFailure(ctx, env, err); herr != nil {
			lg.Error("failed to handle task failure", slog.Any("error", herr))
		}
		return
	}

	if err := c.results.MarkSucceeded(ctx, env.TaskID, result); err != nil {
		lg.Warn("failed to mark task succeeded", slog.Any("error", err))
	}
	observability.CompleteTask(env.Route)
	lg.Info("task completed")
}

// watchRevocation derives a context that is cancelled as soon as the task's
// revocation flag appears, so handlers stop at their next safe point.
func (c *Consumer) watchRevocation(ctx context.Context, taskID string) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	interval := c.revokePoll
	if interval <= 0 {
		interval = revokePollInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				if c.results.IsRevoked(ctx, taskID) {
					cancel()
					return
				}
			}
		}
	}()
	return wctx, cancel
}

// runWithDeadlines enforces the soft and hard deadlines. The soft deadline
// logs a warning while the handler keeps running; the hard deadline cancels
// the handler's context and fails the task with a timeout category.
func (c *Consumer) runWithDeadlines(ctx context.Context, env *Envelope, handler Handler, lg *slog.Logger) (any, error) {
	soft := time.Duration(env.SoftDeadlineS) * time.Second
	hard := time.Duration(env.HardDeadlineS) * time.Second
	if soft <= 0 {
		soft = c.cfg.SoftDeadline
	}
	if hard <= 0 {
		hard = c.cfg.HardDeadline
	}

	hctx := ctx
	var cancel context.CancelFunc
	if hard > 0 {
		hctx, cancel = context.WithTimeout(ctx, hard)
		defer cancel()
	}
	hctx, stopWatch := c.watchRevocation(hctx, env.TaskID)
	defer stopWatch()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(hctx, env)
		done <- outcome{result, err}
	}()

	var softTimer <-chan time.Time
	if soft > 0 && (hard <= 0 || soft < hard) {
		t := time.NewTimer(soft)
		defer t.Stop()
		softTimer = t.C
	}

	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-softTimer:
			lg.Warn("task exceeded soft deadline", slog.Duration("soft_deadline", soft))
			softTimer = nil
		case <-hctx.Done():
			// Give the handler a moment to observe cancellation and return.
			select {
			case out := <-done:
				return out.result, out.err
			case <-time.After(2 * time.Second):
				return nil, domain.WrapE(domain.CategoryTimeout, hctx.Err(), "op=consumer.process task_id=%s: hard deadline exceeded", env.TaskID)
			}
		}
	}
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	if c.cfg.Heartbeat <= 0 || c.cfg.WorkerID == "" {
		return
	}
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.results.Heartbeat(ctx, c.cfg.WorkerID); err != nil {
				slog.Warn("worker heartbeat failed",
					slog.String("worker_id", c.cfg.WorkerID), slog.Any("error", err))
			}
		}
	}
}
