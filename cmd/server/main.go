// Command server starts the enrollment HTTP API.
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
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/campusflow/enrollment-core/internal/adapter/httpserver"
	"github.com/campusflow/enrollment-core/internal/adapter/queue/redpanda"
	"github.com/campusflow/enrollment-core/internal/adapter/repo/postgres"
	"github.com/campusflow/enrollment-core/internal/app"
	"github.com/campusflow/enrollment-core/internal/config"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP and queue instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Redis backs the KV store (idempotency, locks, snapshots) and the
	// task result backend.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	results := redpanda.NewResultBackend(rdb, cfg.ResultTTL)

	// Queue producer. The transactional ID must differ from the worker's so
	// the two processes never fence each other.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "enrollment-server-producer", results,
		cfg.GetRetryConfig(), cfg.TaskSoftDeadline, cfg.TaskHardDeadline)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	store := postgres.NewEnrollmentRepo(pool)
	kvStore := kv.NewRedis(rdb)

	core := app.NewCore(cfg, store, kvStore, producer, results, nil)

	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, rdb, producer)

	srv := httpserver.NewServer(cfg, core.Dispatcher, dbCheck, redisCheck, kafkaCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
