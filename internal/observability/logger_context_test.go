package observability_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campusflow/enrollment-core/internal/observability"
)

func TestLoggerFromContext_Defaults(t *testing.T) {
	assert.NotNil(t, observability.LoggerFromContext(context.Background()))
	assert.NotNil(t, observability.LoggerFromContext(nil)) //nolint:staticcheck
}

func TestContextWithLogger_RoundTrip(t *testing.T) {
	lg := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := observability.ContextWithLogger(context.Background(), lg)
	assert.Same(t, lg, observability.LoggerFromContext(ctx))
}

func TestRequestAndCorrelationIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, observability.RequestIDFromContext(ctx))
	assert.Empty(t, observability.CorrelationIDFromContext(ctx))

	ctx = observability.ContextWithRequestID(ctx, "req-1")
	ctx = observability.ContextWithCorrelationID(ctx, "corr_ab12cd34")
	assert.Equal(t, "req-1", observability.RequestIDFromContext(ctx))
	assert.Equal(t, "corr_ab12cd34", observability.CorrelationIDFromContext(ctx))

	// Empty values do not overwrite.
	ctx = observability.ContextWithRequestID(ctx, "")
	assert.Equal(t, "req-1", observability.RequestIDFromContext(ctx))
}
