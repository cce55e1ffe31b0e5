package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/campusflow/enrollment-core/internal/config"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/usecase"
)

// Server aggregates the handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatcher *usecase.Dispatcher
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, d *usecase.Dispatcher, dbCheck, redisCheck, kafkaCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatcher: d, DBCheck: dbCheck, RedisCheck: redisCheck, KafkaCheck: kafkaCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeValid decodes a JSON body into dst and runs struct validation.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("validation failed: %w", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// EnrollByGroupsHandler accepts an enrollment request and fans it out as one
// task per group. Always 202 on acceptance; the work happens asynchronously.
func (s *Server) EnrollByGroupsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usecase.EnrollRequest
		if !decodeValid(w, r, &req) {
			return
		}
		res, err := s.Dispatcher.EnrollByGroups(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// BulkHandler accepts a batch of enrollment requests as one queued task.
func (s *Server) BulkHandler() http.HandlerFunc {
	type bulkRequest struct {
		Items []usecase.EnrollRequest `json:"items" validate:"required,min=1,dive"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if !decodeValid(w, r, &req) {
			return
		}
		res, err := s.Dispatcher.Bulk(r.Context(), req.Items)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// TaskStatusHandler returns the task record for one task id.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if v := ValidateTaskID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("invalid task id: %w", domain.ErrInvalidArgument), v.Errors)
			return
		}
		rec, err := s.Dispatcher.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// MultiStatusHandler looks up many task ids in one call. Individual lookup
// failures are annotated per entry.
func (s *Server) MultiStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var ids []string
		if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
			writeError(w, r, fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if len(ids) == 0 || len(ids) > 100 {
			writeError(w, r, fmt.Errorf("between 1 and 100 task ids required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.Dispatcher.MultiStatus(r.Context(), ids))
	}
}

// CancelTaskHandler revokes a task cooperatively.
func (s *Server) CancelTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if v := ValidateTaskID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("invalid task id: %w", domain.ErrInvalidArgument), v.Errors)
			return
		}
		if err := s.Dispatcher.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "revoking"})
	}
}

// QueueStatsHandler returns the aggregate queue counters.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Dispatcher.QueueStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// BreakersHandler snapshots every circuit breaker.
func (s *Server) BreakersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Dispatcher.BreakerSnapshots())
	}
}

// BreakerResetHandler forces one breaker back to closed.
func (s *Server) BreakerResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.Dispatcher.ResetBreaker(name); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": "closed"})
	}
}

// SagasHandler returns the snapshots of the sagas known to this process.
func (s *Server) SagasHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Dispatcher.SagaSnapshots())
	}
}

// InvalidateIdempotencyHandler drops one cached dispatch.
func (s *Server) InvalidateIdempotencyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if key == "" {
			writeError(w, r, fmt.Errorf("idempotency key required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		existed, err := s.Dispatcher.InvalidateIdempotency(r.Context(), key)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "invalidated": existed})
	}
}

// HealthCheckTaskHandler enqueues a probe on the health queue.
func (s *Server) HealthCheckTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := s.Dispatcher.HealthCheck(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": usecase.StatusQueued})
	}
}

// ReadyzHandler probes the database, the KV store and the broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"kafka", s.KafkaCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
