// Package usecase contains the application services behind the HTTP surface.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campusflow/enrollment-core/internal/adapter/queue/redpanda"
	"github.com/campusflow/enrollment-core/internal/breaker"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/idempotency"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/observability"
	"github.com/campusflow/enrollment-core/internal/saga"
)

// Enqueuer is the slice of the producer the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx domain.Context, payload domain.TaskPayload, opts ...redpanda.EnqueueOption) (string, error)
}

// TaskReader reads and revokes task records in the result backend.
type TaskReader interface {
	Get(ctx domain.Context, taskID string) (domain.TaskRecord, error)
	Revoke(ctx domain.Context, taskID string) error
	Stats(ctx domain.Context) (redpanda.Stats, error)
}

// Dispatcher is the API facade: it fans enrollment requests out to the queue
// and multiplexes task status, queue stats and operator controls.
type Dispatcher struct {
	queue    Enqueuer
	tasks    TaskReader
	idem     *idempotency.Store
	breakers *breaker.Registry
	sagas    *saga.Manager
	kv       kv.Store
	taskTTL  time.Duration
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(queue Enqueuer, tasks TaskReader, idem *idempotency.Store, breakers *breaker.Registry, sagas *saga.Manager, kvStore kv.Store, taskTTL time.Duration) *Dispatcher {
	if taskTTL <= 0 {
		taskTTL = time.Hour
	}
	return &Dispatcher{
		queue:    queue,
		tasks:    tasks,
		idem:     idem,
		breakers: breakers,
		sagas:    sagas,
		kv:       kvStore,
		taskTTL:  taskTTL,
	}
}

// EnrollRequest is one student's enrollment intent.
type EnrollRequest struct {
	StudentID string   `json:"student_id" validate:"required"`
	PeriodID  string   `json:"period_id" validate:"required"`
	Groups    []string `json:"groups" validate:"required,min=1,dive,required"`
}

// GroupTask pairs a group with the task dispatched for it.
type GroupTask struct {
	Group  string `json:"group"`
	TaskID string `json:"task_id"`
}

// DispatchResult is the accepted-for-processing response of a per-group
// dispatch. Cached marks an idempotency hit serving a previous dispatch.
type DispatchResult struct {
	MainTaskID     string      `json:"main_task_id"`
	GroupTasks     []GroupTask `json:"group_tasks"`
	Status         string      `json:"status"`
	CorrelationID  string      `json:"correlation_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Cached         bool        `json:"cached,omitempty"`
}

// StatusQueued is the status reported for freshly accepted work.
const StatusQueued = "QUEUED"

// EnrollByGroups dispatches one task per group to the single-group queue, in
// input order. Logically identical requests within the idempotency TTL return
// the original dispatch instead of enqueuing again.
func (d *Dispatcher) EnrollByGroups(ctx domain.Context, req EnrollRequest) (*DispatchResult, error) {
	if req.StudentID == "" || req.PeriodID == "" || len(req.Groups) == 0 {
		return nil, fmt.Errorf("op=dispatcher.enroll: student, period and groups are required: %w", domain.ErrInvalidArgument)
	}

	sorted := append([]string(nil), req.Groups...)
	sort.Strings(sorted)
	key, err := idempotency.Fingerprint("enroll_by_groups", req.StudentID, map[string]any{
		"period_id": req.PeriodID,
		"groups":    sorted,
	})
	if err != nil {
		return nil, err
	}

	raw, cached, err := d.idem.GetOrRun(ctx, key, 0, func(c domain.Context) (any, error) {
		return d.dispatchPerGroup(c, req, key)
	})
	if err != nil {
		return nil, err
	}

	var out DispatchResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("op=dispatcher.enroll key=%s: %w", key, err)
	}
	out.Cached = cached
	return &out, nil
}

func (d *Dispatcher) dispatchPerGroup(ctx domain.Context, req EnrollRequest, key string) (*DispatchResult, error) {
	correlationID := newCorrelationID()
	ctx = observability.ContextWithCorrelationID(ctx, correlationID)

	res := &DispatchResult{
		Status:         StatusQueued,
		CorrelationID:  correlationID,
		IdempotencyKey: key,
	}
	for _, group := range req.Groups {
		taskID, err := d.queue.Enqueue(ctx, domain.SingleGroupPayload{
			StudentID:      req.StudentID,
			PeriodID:       req.PeriodID,
			GroupCode:      group,
			IdempotencyKey: key,
			CorrelationID:  correlationID,
		})
		if err != nil {
			return nil, fmt.Errorf("op=dispatcher.enroll group=%s: %w", group, err)
		}
		if res.MainTaskID == "" {
			res.MainTaskID = taskID
		}
		res.GroupTasks = append(res.GroupTasks, GroupTask{Group: group, TaskID: taskID})
	}

	d.storeTaskMeta(ctx, res)
	return res, nil
}

// storeTaskMeta mirrors the dispatch under task_meta:<main-task-id> so a
// status lookup on the main task can find its siblings. Best effort.
func (d *Dispatcher) storeTaskMeta(ctx domain.Context, res *DispatchResult) {
	if d.kv == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := d.kv.SetExpiring(ctx, kv.PrefixTaskMeta+res.MainTaskID, b, d.taskTTL); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to store task metadata",
			slog.String("task_id", res.MainTaskID), slog.Any("error", err))
	}
}

// TaskMeta returns the dispatch metadata recorded for a main task id.
func (d *Dispatcher) TaskMeta(ctx domain.Context, taskID string) (*DispatchResult, error) {
	b, ok, err := d.kv.Get(ctx, kv.PrefixTaskMeta+taskID)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.task_meta task_id=%s: %w", taskID, err)
	}
	if !ok {
		return nil, fmt.Errorf("op=dispatcher.task_meta task_id=%s: %w", taskID, domain.ErrNotFound)
	}
	var out DispatchResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("op=dispatcher.task_meta task_id=%s: %w", taskID, err)
	}
	return &out, nil
}

// BulkResult is the accepted response of a bulk dispatch.
type BulkResult struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Total         int    `json:"total"`
}

// Bulk enqueues one task carrying the whole batch; the worker reports
// per-item progress against it.
func (d *Dispatcher) Bulk(ctx domain.Context, items []EnrollRequest) (*BulkResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("op=dispatcher.bulk: at least one item is required: %w", domain.ErrInvalidArgument)
	}
	correlationID := newCorrelationID()
	ctx = observability.ContextWithCorrelationID(ctx, correlationID)

	payload := domain.BulkPayload{CorrelationID: correlationID}
	for _, item := range items {
		if item.StudentID == "" || item.PeriodID == "" || len(item.Groups) == 0 {
			return nil, fmt.Errorf("op=dispatcher.bulk student=%s: student, period and groups are required: %w", item.StudentID, domain.ErrInvalidArgument)
		}
		payload.Items = append(payload.Items, domain.EnrollByGroupsPayload{
			StudentID:     item.StudentID,
			PeriodID:      item.PeriodID,
			Groups:        item.Groups,
			CorrelationID: correlationID,
		})
	}

	taskID, err := d.queue.Enqueue(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.bulk: %w", err)
	}
	return &BulkResult{TaskID: taskID, Status: StatusQueued, CorrelationID: correlationID, Total: len(items)}, nil
}

// Status returns the task record for one task id.
func (d *Dispatcher) Status(ctx domain.Context, taskID string) (domain.TaskRecord, error) {
	return d.tasks.Get(ctx, taskID)
}

// StatusEntry is one element of a MultiStatus response. Record is zero-valued
// when Error is set.
type StatusEntry struct {
	TaskID string             `json:"task_id"`
	Record *domain.TaskRecord `json:"record,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// MultiStatus looks up many task ids at once. Individual lookup failures are
// annotated on their entry; the batch itself never fails.
func (d *Dispatcher) MultiStatus(ctx domain.Context, taskIDs []string) []StatusEntry {
	out := make([]StatusEntry, 0, len(taskIDs))
	for _, id := range taskIDs {
		rec, err := d.tasks.Get(ctx, id)
		if err != nil {
			out = append(out, StatusEntry{TaskID: id, Error: err.Error()})
			continue
		}
		out = append(out, StatusEntry{TaskID: id, Record: &rec})
	}
	return out
}

// Cancel revokes a task. Queued tasks finalize immediately; running tasks are
// signalled and honor the revocation at safe points.
func (d *Dispatcher) Cancel(ctx domain.Context, taskID string) error {
	return d.tasks.Revoke(ctx, taskID)
}

// QueueStats returns the live queue counters and online worker count.
func (d *Dispatcher) QueueStats(ctx domain.Context) (redpanda.Stats, error) {
	return d.tasks.Stats(ctx)
}

// HealthCheck enqueues a probe on the health queue and returns its task id.
func (d *Dispatcher) HealthCheck(ctx domain.Context) (string, error) {
	return d.queue.Enqueue(ctx, domain.HealthCheckPayload{RequestedAt: time.Now().UTC()})
}

// InvalidateIdempotency drops a cached dispatch; the next identical request
// enqueues fresh tasks.
func (d *Dispatcher) InvalidateIdempotency(ctx domain.Context, key string) (bool, error) {
	return d.idem.Invalidate(ctx, key)
}

// BreakerSnapshots returns the state of every registered circuit breaker.
func (d *Dispatcher) BreakerSnapshots() map[string]breaker.Stats {
	return d.breakers.Snapshot()
}

// ResetBreaker forces a breaker back to closed.
func (d *Dispatcher) ResetBreaker(name string) error {
	return d.breakers.Reset(name)
}

// SagaSnapshots returns the snapshots of the sagas known to this process.
func (d *Dispatcher) SagaSnapshots() []saga.Snapshot {
	return d.sagas.List()
}

func newCorrelationID() string {
	return "corr_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
