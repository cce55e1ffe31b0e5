// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring and exposes the
// Prometheus instrumentation used by both the API server and the workers.
package observability

import (
	"log/slog"
	"os"

	"github.com/campusflow/enrollment-core/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
