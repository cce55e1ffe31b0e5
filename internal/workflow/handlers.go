package workflow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/campusflow/enrollment-core/internal/adapter/queue/redpanda"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/observability"
)

// Handlers binds the workflow to the queue's handler registry.
type Handlers struct {
	wf      *Workflow
	results *redpanda.ResultBackend
	store   domain.EnrollmentStore
	kv      kv.Store
}

// NewHandlers constructs the handler set.
func NewHandlers(wf *Workflow, results *redpanda.ResultBackend, store domain.EnrollmentStore, kvStore kv.Store) *Handlers {
	return &Handlers{wf: wf, results: results, store: store, kv: kvStore}
}

// Register wires every task handler into the registry.
func (h *Handlers) Register(reg *redpanda.Registry) {
	reg.Register(domain.HandlerEnrollByGroups, h.handleEnrollByGroups)
	reg.Register(domain.HandlerSingleGroup, h.handleSingleGroup)
	reg.Register(domain.HandlerBulk, h.handleBulk)
	reg.Register(domain.HandlerHealthCheck, h.handleHealthCheck)
}

func (h *Handlers) handleEnrollByGroups(ctx domain.Context, env *redpanda.Envelope) (any, error) {
	payload, err := redpanda.DecodePayload(env)
	if err != nil {
		return nil, err
	}
	p, ok := payload.(domain.EnrollByGroupsPayload)
	if !ok {
		return nil, fmt.Errorf("op=workflow.handle_enroll: unexpected payload type: %w", domain.ErrInvalidArgument)
	}
	ctx = observability.ContextWithCorrelationID(ctx, p.CorrelationID)
	return h.wf.EnrollByGroups(ctx, p)
}

func (h *Handlers) handleSingleGroup(ctx domain.Context, env *redpanda.Envelope) (any, error) {
	payload, err := redpanda.DecodePayload(env)
	if err != nil {
		return nil, err
	}
	p, ok := payload.(domain.SingleGroupPayload)
	if !ok {
		return nil, fmt.Errorf("op=workflow.handle_single_group: unexpected payload type: %w", domain.ErrInvalidArgument)
	}
	ctx = observability.ContextWithCorrelationID(ctx, p.CorrelationID)
	return h.wf.EnrollSingleGroup(ctx, p)
}

// BulkItemResult is the per-item outcome of a bulk task.
type BulkItemResult struct {
	StudentID     string        `json:"student_id"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	ErrorCategory string        `json:"error_category,omitempty"`
	Result        *EnrollResult `json:"result,omitempty"`
}

// BulkResult summarizes a bulk enrollment task. Item failures live inside the
// result; the bulk task itself only fails on infrastructure errors.
type BulkResult struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Items     []BulkItemResult `json:"items"`
}

func (h *Handlers) handleBulk(ctx domain.Context, env *redpanda.Envelope) (any, error) {
	payload, err := redpanda.DecodePayload(env)
	if err != nil {
		return nil, err
	}
	p, ok := payload.(domain.BulkPayload)
	if !ok {
		return nil, fmt.Errorf("op=workflow.handle_bulk: unexpected payload type: %w", domain.ErrInvalidArgument)
	}
	ctx = observability.ContextWithCorrelationID(ctx, p.CorrelationID)

	out := BulkResult{Total: len(p.Items)}
	for i, item := range p.Items {
		res, ierr := h.wf.EnrollByGroups(ctx, item)
		if ierr != nil {
			out.Failed++
			out.Items = append(out.Items, BulkItemResult{
				StudentID:     item.StudentID,
				Status:        "failed",
				Error:         ierr.Error(),
				ErrorCategory: string(domain.CategoryOf(ierr)),
			})
		} else {
			out.Succeeded++
			out.Items = append(out.Items, BulkItemResult{
				StudentID: item.StudentID,
				Status:    "succeeded",
				Result:    res,
			})
		}
		if perr := h.results.MarkProgress(ctx, env.TaskID, i+1, out.Total); perr != nil {
			observability.LoggerFromContext(ctx).Warn("failed to record bulk progress",
				slog.String("task_id", env.TaskID), slog.Any("error", perr))
		}
	}
	return out, nil
}

// handleHealthCheck probes each dependency and reports per-component status.
// The task itself succeeds even when a dependency is down; the report is the
// result.
func (h *Handlers) handleHealthCheck(ctx domain.Context, _ *redpanda.Envelope) (any, error) {
	report := map[string]string{
		"database": "ok",
		"kv":       "ok",
	}
	if err := h.store.Ping(ctx); err != nil {
		report["database"] = err.Error()
	}
	probe := []byte(time.Now().UTC().Format(time.RFC3339))
	if err := h.kv.SetExpiring(ctx, "health:probe", probe, time.Minute); err != nil {
		report["kv"] = err.Error()
	}
	return report, nil
}
