package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the bucket method being instrumented.
type CacheOperation string

const (
	CacheOperationMatch  CacheOperation = "match"
	CacheOperationPut    CacheOperation = "put"
	CacheOperationDelete CacheOperation = "delete"
)

// CacheResult captures the outcome of a bucket operation.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheStored CacheResult = "stored"
	CacheError  CacheResult = "error"
)

// TaskResult captures the outcome of a background task.
type TaskResult string

const (
	TaskSucceeded TaskResult = "succeeded"
	TaskFailed    TaskResult = "failed"
	TaskSkipped   TaskResult = "skipped"
	// TaskDeduplicated marks a task dropped because the same one was
	// already running.
	TaskDeduplicated TaskResult = "deduplicated"
)

// Recorder publishes Prometheus metrics for the caching proxy.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
	background      *prometheus.CounterVec
}

// NewRecorder constructs a Recorder. When reg is nil a dedicated registry is
// created so several recorders can coexist in tests.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anxcache",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by route, strategy and response source.",
	}, []string{"route", "strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "anxcache",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3, 10},
	}, []string{"route", "strategy"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anxcache",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Bucket operations executed by strategies and the lifecycle manager.",
	}, []string{"operation", "result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anxcache",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Worker lifecycle transitions by target state.",
	}, []string{"state"})

	background := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anxcache",
		Subsystem: "background",
		Name:      "tasks_total",
		Help:      "Detached tasks (cache writes, revalidations, warmups) by result.",
	}, []string{"task", "result"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, lifecycle, background)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		lifecycle:       lifecycle,
		background:      background,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records one intercepted request.
func (r *Recorder) ObserveFetch(route, strategy, source string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	routeLabel := normalizeLabel(route)
	strategyLabel := normalizeLabel(strategy)
	r.fetchRequests.WithLabelValues(routeLabel, strategyLabel, normalizeLabel(source), statusLabel).Inc()
	r.fetchLatency.WithLabelValues(routeLabel, strategyLabel).Observe(duration.Seconds())
}

// ObserveCache records a bucket operation.
func (r *Recorder) ObserveCache(op CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(string(op)), normalizeLabel(string(result))).Inc()
}

// ObserveTransition records a lifecycle state change.
func (r *Recorder) ObserveTransition(state string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObserveBackgroundTask records the outcome of a detached task.
func (r *Recorder) ObserveBackgroundTask(task string, result TaskResult) {
	if r == nil {
		return
	}
	r.background.WithLabelValues(normalizeLabel(task), normalizeLabel(string(result))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
