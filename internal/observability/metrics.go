package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued by queue",
		},
		[]string{"queue"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing by queue",
		},
		[]string{"queue"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed by queue",
		},
		[]string{"queue"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed by queue",
		},
		[]string{"queue"},
	)
	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_retried_total",
			Help: "Total number of task retries scheduled by queue",
		},
		[]string{"queue"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_dead_lettered_total",
			Help: "Total number of tasks moved to a dead-letter queue",
		},
		[]string{"queue"},
	)

	// Breaker state: 0=closed, 1=open, 2=half-open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
	BreakerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Calls rejected while the breaker was open",
		},
		[]string{"name"},
	)

	SagasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_total",
			Help: "Sagas finished by terminal outcome",
		},
		[]string{"outcome"},
	)
	SagaStepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Step-level retries performed inside sagas",
		},
		[]string{"saga", "step"},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksRetriedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerRejectionsTotal)
	prometheus.MustRegister(SagasTotal)
	prometheus.MustRegister(SagaStepRetriesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(queue string) {
	TasksEnqueuedTotal.WithLabelValues(queue).Inc()
}

func StartProcessingTask(queue string) {
	TasksProcessing.WithLabelValues(queue).Inc()
}

func CompleteTask(queue string) {
	TasksProcessing.WithLabelValues(queue).Dec()
	TasksCompletedTotal.WithLabelValues(queue).Inc()
}

func FailTask(queue string) {
	TasksProcessing.WithLabelValues(queue).Dec()
	TasksFailedTotal.WithLabelValues(queue).Inc()
}

func RetryTask(queue string) {
	TasksProcessing.WithLabelValues(queue).Dec()
	TasksRetriedTotal.WithLabelValues(queue).Inc()
}

func DeadLetterTask(queue string) {
	TasksDeadLetteredTotal.WithLabelValues(queue).Inc()
}

// ObserveBreakerState reflects a breaker transition on the state gauge.
func ObserveBreakerState(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveSagaOutcome counts a finished saga by terminal status.
func ObserveSagaOutcome(outcome string) {
	SagasTotal.WithLabelValues(outcome).Inc()
}
