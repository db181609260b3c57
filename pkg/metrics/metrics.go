// Package metrics exposes the coordinator's Prometheus counters and gauges.
//
// These are a supplement to, not a replacement for, the flat-file
// performance log in pkg/observability: the performance log is the
// durable periodic snapshot required by the spec, while these gauges
// back the optional /metrics HTTP surface for live scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcoord_tasks_by_state",
			Help: "Number of tasks currently in each lifecycle state",
		},
		[]string{"state"},
	)

	WorkersByType = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskcoord_workers_by_type",
			Help: "Number of connected workers by worker type",
		},
		[]string{"type"},
	)

	WorkersCommittedCores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcoord_workers_committed_cores",
			Help: "Sum of cores committed to in-flight tasks across all workers",
		},
	)

	WorkersTotalCores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskcoord_workers_total_cores",
			Help: "Sum of advertised cores across all connected workers",
		},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcoord_tasks_dispatched_total",
			Help: "Total number of task dispatches by category",
		},
		[]string{"category"},
	)

	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcoord_tasks_retried_total",
			Help: "Total number of task retries by reason",
		},
		[]string{"reason"},
	)

	TasksDoneTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskcoord_tasks_done_total",
			Help: "Total number of tasks that reached a terminal result",
		},
		[]string{"result"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskcoord_scheduling_latency_seconds",
			Help:    "Time taken to select a (task, worker) pairing",
			Buckets: prometheus.DefBuckets,
		},
	)

	PutTransferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcoord_put_transfer_bytes_total",
			Help: "Total bytes streamed from coordinator to workers as task inputs",
		},
	)

	GetTransferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcoord_get_transfer_bytes_total",
			Help: "Total bytes streamed from workers to coordinator as task outputs",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcoord_cache_hits_total",
			Help: "Total number of input artifacts skipped because a worker already cached them",
		},
	)

	WorkerLossesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcoord_worker_losses_total",
			Help: "Total number of workers declared lost due to keepalive timeout or connection error",
		},
	)

	FastAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcoord_fast_aborts_total",
			Help: "Total number of tasks killed by the fast-abort policy",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksByState,
		WorkersByType,
		WorkersCommittedCores,
		WorkersTotalCores,
		TasksDispatchedTotal,
		TasksRetriedTotal,
		TasksDoneTotal,
		SchedulingLatency,
		PutTransferBytes,
		GetTransferBytes,
		CacheHitsTotal,
		WorkerLossesTotal,
		FastAbortsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
