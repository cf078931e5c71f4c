package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal tracks task counts by lifecycle status.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetcore_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// NodesTotal tracks node counts by liveness status.
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetcore_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	// TasksSubmittedTotal counts every task ever submitted, by type.
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_tasks_submitted_total",
			Help: "Total number of tasks submitted by type",
		},
		[]string{"type"},
	)

	// TasksRequeuedTotal counts orphan requeues after a node goes offline.
	TasksRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetcore_tasks_requeued_total",
			Help: "Total number of tasks requeued after their owning node went offline",
		},
	)

	// TasksRejectedTotal counts worker-side rejections of piggybacked tasks.
	TasksRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetcore_tasks_rejected_total",
			Help: "Total number of tasks rejected by a node at capacity",
		},
	)

	// DispatchLatency measures time from task submission to assignment.
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetcore_dispatch_latency_seconds",
			Help:    "Time from task submission to assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TaskExecutionDuration measures worker-reported execution time by type.
	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_task_execution_duration_seconds",
			Help:    "Task execution duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// HeartbeatsTotal counts heartbeats received by outcome.
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_heartbeats_total",
			Help: "Total number of heartbeats received by outcome",
		},
		[]string{"outcome"},
	)

	// SchedulerTickDuration measures each scheduler loop pass.
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetcore_scheduler_tick_duration_seconds",
			Help:    "Time taken for a scheduler dispatch tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APIRequestsTotal tracks control-plane HTTP requests by route and status.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcore_api_requests_total",
			Help: "Total number of control plane API requests by route and status",
		},
		[]string{"route", "status"},
	)

	// APIRequestDuration tracks control-plane HTTP handler latency.
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcore_api_request_duration_seconds",
			Help:    "Control plane API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksRequeuedTotal)
	prometheus.MustRegister(TasksRejectedTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
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
