package httpserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/enrollment-core/internal/adapter/httpserver"
	"github.com/campusflow/enrollment-core/internal/adapter/queue/redpanda"
	"github.com/campusflow/enrollment-core/internal/breaker"
	"github.com/campusflow/enrollment-core/internal/config"
	"github.com/campusflow/enrollment-core/internal/domain"
	"github.com/campusflow/enrollment-core/internal/idempotency"
	"github.com/campusflow/enrollment-core/internal/kv"
	"github.com/campusflow/enrollment-core/internal/saga"
	"github.com/campusflow/enrollment-core/internal/usecase"
)

type fakeQueue struct {
	payloads []domain.TaskPayload
	err      error
}

func (q *fakeQueue) Enqueue(_ domain.Context, payload domain.TaskPayload, _ ...redpanda.EnqueueOption) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.payloads = append(q.payloads, payload)
	return fmt.Sprintf("task-%d", len(q.payloads)), nil
}

type fakeTasks struct {
	records map[string]domain.TaskRecord
	revoked []string
	stats   redpanda.Stats
}

func (t *fakeTasks) Get(_ domain.Context, taskID string) (domain.TaskRecord, error) {
	rec, ok := t.records[taskID]
	if !ok {
		return domain.TaskRecord{}, fmt.Errorf("op=results.get task_id=%s: %w", taskID, domain.ErrNotFound)
	}
	return rec, nil
}

func (t *fakeTasks) Revoke(_ domain.Context, taskID string) error {
	t.revoked = append(t.revoked, taskID)
	return nil
}

func (t *fakeTasks) Stats(domain.Context) (redpanda.Stats, error) { return t.stats, nil }

type testServer struct {
	srv    *httpserver.Server
	queue  *fakeQueue
	tasks  *fakeTasks
	router chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	queue := &fakeQueue{}
	tasks := &fakeTasks{records: map[string]domain.TaskRecord{}}
	mem := kv.NewMemory()
	d := usecase.NewDispatcher(queue, tasks, idempotency.New(mem, time.Hour), breaker.NewRegistry(), saga.NewManager(), mem, time.Hour)
	srv := httpserver.NewServer(config.Config{}, d, nil, nil, nil)

	r := chi.NewRouter()
	r.Post("/v1/enroll/by-groups", srv.EnrollByGroupsHandler())
	r.Post("/v1/enroll/bulk", srv.BulkHandler())
	r.Get("/v1/tasks/{id}", srv.TaskStatusHandler())
	r.Post("/v1/tasks/status/multiple", srv.MultiStatusHandler())
	r.Delete("/v1/tasks/{id}", srv.CancelTaskHandler())
	r.Get("/v1/queue/stats", srv.QueueStatsHandler())
	r.Get("/v1/circuit-breakers", srv.BreakersHandler())
	r.Post("/v1/circuit-breakers/{name}/reset", srv.BreakerResetHandler())
	r.Get("/v1/sagas", srv.SagasHandler())
	r.Delete("/v1/idempotency/{key}", srv.InvalidateIdempotencyHandler())
	r.Post("/v1/health-check", srv.HealthCheckTaskHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return &testServer{srv: srv, queue: queue, tasks: tasks, router: r}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestEnrollByGroups_Accepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/enroll/by-groups",
		`{"student_id":"RA0001","period_id":"1-2025","groups":["G1","G2"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res usecase.DispatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, usecase.StatusQueued, res.Status)
	assert.Equal(t, "task-1", res.MainTaskID)
	require.Len(t, res.GroupTasks, 2)
	assert.Equal(t, "G1", res.GroupTasks[0].Group)
	assert.Len(t, ts.queue.payloads, 2)
}

func TestEnrollByGroups_ValidationFailure(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/enroll/by-groups", `{"student_id":"RA0001"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")

	rec = ts.do(t, http.MethodPost, "/v1/enroll/by-groups", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollByGroups_BrokerDownMapsToServiceUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.err = domain.E(domain.CategoryConnection, "broker unreachable")

	rec := ts.do(t, http.MethodPost, "/v1/enroll/by-groups",
		`{"student_id":"RA0001","period_id":"1-2025","groups":["G1"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONNECTION")
}

func TestBulk_Accepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/enroll/bulk",
		`{"items":[{"student_id":"RA0001","period_id":"1-2025","groups":["G1"]}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res usecase.BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "task-1", res.TaskID)
	assert.Equal(t, 1, res.Total)
}

func TestTaskStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.tasks.records["task-1"] = domain.TaskRecord{TaskID: "task-1", Status: domain.TaskRunning, Current: 2, Total: 5}

	rec := ts.do(t, http.MethodGet, "/v1/tasks/task-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out domain.TaskRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, domain.TaskRunning, out.Status)
	assert.Equal(t, 2, out.Current)

	rec = ts.do(t, http.MethodGet, "/v1/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/tasks/bad..id", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMultiStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.tasks.records["task-1"] = domain.TaskRecord{TaskID: "task-1", Status: domain.TaskSucceeded}

	rec := ts.do(t, http.MethodPost, "/v1/tasks/status/multiple", `["task-1","missing"]`)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []usecase.StatusEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.NotNil(t, entries[0].Record)
	assert.NotEmpty(t, entries[1].Error)

	rec = ts.do(t, http.MethodPost, "/v1/tasks/status/multiple", `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodDelete, "/v1/tasks/task-7", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"task-7"}, ts.tasks.revoked)
}

func TestQueueStats(t *testing.T) {
	ts := newTestServer(t)
	ts.tasks.stats = redpanda.Stats{Active: 1, Pending: 4, WorkersOnline: 3}

	rec := ts.do(t, http.MethodGet, "/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats redpanda.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(4), stats.Pending)
	assert.Equal(t, 3, stats.WorkersOnline)
}

func TestBreakerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/circuit-breakers", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/circuit-breakers/database/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown breaker name")
}

func TestSagasEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/sagas", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidateIdempotency(t *testing.T) {
	ts := newTestServer(t)

	enroll := ts.do(t, http.MethodPost, "/v1/enroll/by-groups",
		`{"student_id":"RA0001","period_id":"1-2025","groups":["G1"]}`)
	require.Equal(t, http.StatusAccepted, enroll.Code)
	var res usecase.DispatchResult
	require.NoError(t, json.Unmarshal(enroll.Body.Bytes(), &res))

	rec := ts.do(t, http.MethodDelete, "/v1/idempotency/"+res.IdempotencyKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"invalidated":true`)
}

func TestHealthCheckTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/health-check", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "task-1")
	require.Len(t, ts.queue.payloads, 1)
	assert.Equal(t, domain.HandlerHealthCheck, ts.queue.payloads[0].HandlerName())
}

func TestReadyz(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.DBCheck = func(context.Context) error { return nil }
	ts.srv.RedisCheck = func(context.Context) error { return fmt.Errorf("redis down") }

	rec := ts.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")

	ts.srv.RedisCheck = func(context.Context) error { return nil }
	rec = ts.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
