// Package app wires the HTTP surface: router, middleware chain and the
// readiness probes backing /readyz.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/campusflow/enrollment-core/internal/adapter/httpserver"
	"github.com/campusflow/enrollment-core/internal/config"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit the mutating endpoints; status reads stay unthrottled so
	// pollers don't starve enrollment traffic.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/enroll/by-groups", srv.EnrollByGroupsHandler())
		wr.Post("/v1/enroll/bulk", srv.BulkHandler())
		wr.Post("/v1/health-check", srv.HealthCheckTaskHandler())
		wr.Delete("/v1/tasks/{id}", srv.CancelTaskHandler())
		wr.Delete("/v1/idempotency/{key}", srv.InvalidateIdempotencyHandler())
		wr.Post("/v1/circuit-breakers/{name}/reset", srv.BreakerResetHandler())
	})

	r.Get("/v1/tasks/{id}", srv.TaskStatusHandler())
	r.Post("/v1/tasks/status/multiple", srv.MultiStatusHandler())
	r.Get("/v1/queue/stats", srv.QueueStatsHandler())
	r.Get("/v1/circuit-breakers", srv.BreakersHandler())
	r.Get("/v1/sagas", srv.SagasHandler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
