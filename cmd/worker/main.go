// Command worker consumes enrollment tasks from the queue and runs them
// through the saga-backed workflow.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/campusflow/enrollment-core/internal/adapter/queue/redpanda"
	"github.com/campusflow/enrollment-core/internal/adapter/repo/postgres"
	"github.com/campusflow/enrollment-core/internal/app"
	"github.com/campusflow/enrollment-core/internal/config"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/observability"
	"github.com/campusflow/enrollment-core/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose queue and saga metrics on a dedicated port; the worker has no
	// other HTTP surface.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	results := redpanda.NewResultBackend(rdb, cfg.ResultTTL)

	// Producer used for retry and DLQ flows. The transactional ID is distinct
	// from the HTTP server's producer to avoid fencing across processes.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "enrollment-worker-producer", results,
		cfg.GetRetryConfig(), cfg.TaskSoftDeadline, cfg.TaskHardDeadline)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	store := postgres.NewEnrollmentRepo(pool)
	kvStore := kv.NewRedis(rdb)

	// The worker never dispatches over HTTP, so the Core carries no queue.
	core := app.NewCore(cfg, store, kvStore, nil, nil, nil)

	registry := redpanda.NewRegistry()
	workflow.NewHandlers(core.Workflow, results, store, kvStore).Register(registry)

	retryManager := redpanda.NewRetryManager(producer, results, cfg.GetRetryConfig())

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, registry, results, retryManager, redpanda.ConsumerConfig{
		GroupID:          cfg.ConsumerGroup,
		WorkerID:         fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		Concurrency:      cfg.WorkerConcurrency,
		Prefetch:         cfg.WorkerPrefetch,
		MaxTasksPerChild: cfg.WorkerMaxTasksPerChild,
		Heartbeat:        cfg.WorkerHeartbeat,
		SoftDeadline:     cfg.TaskSoftDeadline,
		HardDeadline:     cfg.TaskHardDeadline,
	})
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// DLQ consumer runs alongside the main pool and requeues reprocessable
	// tasks that have not aged out.
	dlqConsumer, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup+"-dlq", retryManager, cfg.DLQMaxAge, true)
	if err != nil {
		slog.Error("DLQ consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := dlqConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("DLQ consumer stopped", slog.Any("error", err))
		}
	}()

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker shut down")
}
