package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// Producer enqueues task envelopes with transactional (exactly-once) produce
// semantics and records each task in the result backend.
type Producer struct {
	client  *kgo.Client
	results *ResultBackend

	retry domain.RetryConfig
	soft  time.Duration
	hard  time.Duration

	// Serializes transactions; kgo allows one open transaction per client.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer and ensures all queue topics exist.
func NewProducer(brokers []string, transactionalID string, results *ResultBackend, retry domain.RetryConfig, soft, hard time.Duration) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating queue producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	EnsureQueues(context.Background(), client)

	return &Producer{
		client:          client,
		results:         results,
		retry:           retry,
		soft:            soft,
		hard:            hard,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// EnqueueOption adjusts one enqueue call.
type EnqueueOption func(*Envelope)

// WithRoute overrides the payload's default route.
func WithRoute(route string) EnqueueOption {
	return func(e *Envelope) { e.Route = route }
}

// WithMaxRetries overrides the retry budget for this task.
func WithMaxRetries(n int) EnqueueOption {
	return func(e *Envelope) { e.MaxRetries = n }
}

// WithDeadlines overrides the soft and hard deadlines in seconds.
func WithDeadlines(soft, hard int) EnqueueOption {
	return func(e *Envelope) {
		e.SoftDeadlineS = soft
		e.HardDeadlineS = hard
	}
}

// Enqueue wraps the payload in an envelope, records it in the result backend
// and produces it to its route. Returns the generated task id.
func (p *Producer) Enqueue(ctx domain.Context, payload domain.TaskPayload, opts ...EnqueueOption) (string, error) {
	kwargs, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	env := &Envelope{
		TaskID:        uuid.New().String(),
		HandlerName:   payload.HandlerName(),
		Kwargs:        kwargs,
		Route:         payload.DefaultRoute(),
		EnqueuedAt:    time.Now().UTC(),
		MaxRetries:    p.retry.MaxRetries,
		SoftDeadlineS: int(p.soft.Seconds()),
		HardDeadlineS: int(p.hard.Seconds()),
	}
	for _, opt := range opts {
		opt(env)
	}

	rec := domain.TaskRecord{
		TaskID:      env.TaskID,
		Route:       env.Route,
		HandlerName: env.HandlerName,
		Status:      domain.TaskQueued,
		MaxRetries:  env.MaxRetries,
		CreatedAt:   env.EnqueuedAt,
	}
	if err := p.results.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("op=queue.enqueue task_id=%s: %w", env.TaskID, err)
	}

	if err := p.EnqueueEnvelope(ctx, env); err != nil {
		return "", err
	}
	observability.EnqueueTask(env.Route)
	slog.Info("task enqueued",
		slog.String("task_id", env.TaskID),
		slog.String("handler", env.HandlerName),
		slog.String("route", env.Route))
	return env.TaskID, nil
}

// EnqueueEnvelope produces an existing envelope to its route inside a
// transaction. Retries and DLQ requeues reuse this path.
func (p *Producer) EnqueueEnvelope(ctx domain.Context, env *Envelope) error {
	value, err := env.Encode()
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: env.Route,
		Key:   []byte(env.TaskID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(env.TaskID)},
			{Key: "handler_name", Value: []byte(env.HandlerName)},
			{Key: "retries", Value: []byte(fmt.Sprintf("%d", env.Retries))},
		},
	}
	return p.produce(ctx, env.TaskID, record)
}

// EnqueueDLQ produces a dead-letter envelope to the route's DLQ topic.
func (p *Producer) EnqueueDLQ(ctx domain.Context, task domain.DLQTask) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue_dlq task_id=%s: %w", task.TaskID, err)
	}
	record := &kgo.Record{
		Topic: domain.DLQFor(task.Route),
		Key:   []byte(task.TaskID),
		Value: value,
	}
	if err := p.produce(ctx, task.TaskID, record); err != nil {
		return err
	}
	observability.DeadLetterTask(task.Route)
	return nil
}

func (p *Producer) produce(ctx domain.Context, taskID string, record *kgo.Record) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.String("task_id", taskID), slog.Any("error", abortErr))
		}
		return fmt.Errorf("produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks broker connectivity, used by readiness probes.
func (p *Producer) Ping(ctx domain.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
