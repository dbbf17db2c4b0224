// Package metrics exposes Prometheus instrumentation for the dispatcher
// core: queue depth, worker population, scheduling latency, and audit
// volume.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks the current size of the pending FIFO.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octaskly_queue_depth",
			Help: "Number of tasks currently awaiting assignment",
		},
	)

	InFlightTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octaskly_in_flight_total",
			Help: "Number of tasks currently Queued or Running",
		},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octaskly_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octaskly_tasks_total",
			Help: "Total number of tasks reaching a terminal status, by status and failure reason",
		},
		[]string{"status", "failure_reason"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octaskly_scheduling_latency_seconds",
			Help:    "Time from pop_head to a successful assignment send",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssignmentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octaskly_assignment_failures_total",
			Help: "Total number of assignment attempts that failed, by reason",
		},
		[]string{"reason"},
	)

	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octaskly_audit_events_total",
			Help: "Total number of audit events appended, by kind",
		},
		[]string{"kind"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octaskly_api_requests_total",
			Help: "Total number of API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octaskly_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	StoreSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octaskly_store_size_bytes",
			Help: "On-disk size of the durable store",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		InFlightTotal,
		WorkersTotal,
		TasksTotal,
		SchedulingLatency,
		AssignmentFailuresTotal,
		AuditEventsTotal,
		APIRequestsTotal,
		APIRequestDuration,
		StoreSizeBytes,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
