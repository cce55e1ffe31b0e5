package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// requestIDContextKey stores the originating request id so that queue workers
// and deeper layers can correlate their logs with the original request.
type requestIDContextKey struct{}

// correlationIDContextKey stores the enrollment correlation id shared by all
// per-group tasks spawned from one dispatch.
type correlationIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID stores a non-empty request id in the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext retrieves the request id, or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey{}); v != nil {
		if rid, ok := v.(string); ok {
			return rid
		}
	}
	return ""
}

// ContextWithCorrelationID stores a non-empty correlation id in the context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil || correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDContextKey{}, correlationID)
}

// CorrelationIDFromContext retrieves the correlation id, or "" when none is
// present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(correlationIDContextKey{}); v != nil {
		if cid, ok := v.(string); ok {
			return cid
		}
	}
	return ""
}
