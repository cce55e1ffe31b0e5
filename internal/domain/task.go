package domain

import "time"

// Queue names. Each route has a paired dead-letter queue named <route>_dlq.
const (
	QueueEnrollments = "enrollments"
	QueueBulk        = "enrollments_bulk"
	QueueSingleGroup = "enrollments_single_group"
	QueueHealth      = "health"
	DLQSuffix        = "_dlq"
)

// DLQFor returns the dead-letter queue paired with a route.
func DLQFor(route string) string { return route + DLQSuffix }

// TaskStatus is the lifecycle of a durable task. Terminal statuses are final.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskRevoked   TaskStatus = "revoked"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskRevoked
}

// TaskRecord is the result-backend view of a task. Mutated only by the worker
// that owns the task; retained for a bounded TTL.
type TaskRecord struct {
	TaskID        string     `json:"task_id"`
	Route         string     `json:"route"`
	HandlerName   string     `json:"handler_name"`
	Status        TaskStatus `json:"status"`
	Current       int        `json:"current,omitempty"`
	Total         int        `json:"total,omitempty"`
	Result        any        `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorCategory Category   `json:"error_category,omitempty"`
	Retries       int        `json:"retries"`
	MaxRetries    int        `json:"max_retries"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Handler names carried on the wire.
const (
	HandlerEnrollByGroups = "enroll.by_groups"
	HandlerSingleGroup    = "enroll.single_group"
	HandlerBulk           = "enroll.bulk"
	HandlerHealthCheck    = "health.check"
)

// TaskPayload is the closed sum of payloads the workers understand. Transport
// is JSON; internal values stay strongly typed.
type TaskPayload interface {
	HandlerName() string
	DefaultRoute() string
}

// EnrollByGroupsPayload enrolls one student into a set of groups in one task.
type EnrollByGroupsPayload struct {
	StudentID      string   `json:"student_id"`
	PeriodID       string   `json:"period_id"`
	Groups         []string `json:"groups"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
}

func (EnrollByGroupsPayload) HandlerName() string  { return HandlerEnrollByGroups }
func (EnrollByGroupsPayload) DefaultRoute() string { return QueueEnrollments }

// SingleGroupPayload is the per-group unit the dispatcher fans out to.
type SingleGroupPayload struct {
	StudentID      string `json:"student_id"`
	PeriodID       string `json:"period_id"`
	GroupCode      string `json:"group_code"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

func (SingleGroupPayload) HandlerName() string  { return HandlerSingleGroup }
func (SingleGroupPayload) DefaultRoute() string { return QueueSingleGroup }

// BulkPayload carries a batch of enrollment requests processed sequentially
// with progress reporting.
type BulkPayload struct {
	Items         []EnrollByGroupsPayload `json:"items"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
}

func (BulkPayload) HandlerName() string  { return HandlerBulk }
func (BulkPayload) DefaultRoute() string { return QueueBulk }

// HealthCheckPayload is a no-op probe answered by whichever worker claims it.
type HealthCheckPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

func (HealthCheckPayload) HandlerName() string  { return HandlerHealthCheck }
func (HealthCheckPayload) DefaultRoute() string { return QueueHealth }
