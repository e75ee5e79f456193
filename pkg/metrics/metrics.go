// Package metrics provides Prometheus metrics collection and exposition for sift.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task & batch queue metrics
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by kind",
		},
		[]string{"kind"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_tasks_finished_total",
			Help: "Total number of tasks finished by kind and status",
		},
		[]string{"kind", "status"},
	)

	TasksEnqueuedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_tasks_enqueued",
			Help: "Number of tasks currently enqueued",
		},
	)

	BatchesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_batches_processed_total",
			Help: "Total number of batches processed by status",
		},
		[]string{"status"},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_batch_size_tasks",
			Help:    "Number of tasks grouped into a processed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_scheduling_latency_seconds",
			Help:    "Time from wake signal to batch-creation decision",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_batch_execution_duration_seconds",
			Help:    "Time to execute a batch to completion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	// Store metrics
	StoreCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_store_commit_duration_seconds",
			Help:    "Write transaction commit duration by environment",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"env"},
	)

	StoreCommitRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sift_store_commit_retries_total",
			Help: "Total number of write-transaction commits retried after a map-full error",
		},
	)

	IndexesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_indexes_total",
			Help: "Total number of indexes known to the registry",
		},
	)

	IndexDocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sift_index_documents_total",
			Help: "Number of documents stored per index",
		},
		[]string{"index_uid"},
	)

	// Search metrics
	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_search_requests_total",
			Help: "Total number of search requests by index and outcome",
		},
		[]string{"index_uid", "outcome"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_search_duration_seconds",
			Help:    "Search query duration by index",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"index_uid"},
	)

	FilterEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_filter_evaluation_duration_seconds",
			Help:    "Filter AST evaluation duration",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksFinishedTotal)
	prometheus.MustRegister(TasksEnqueuedGauge)
	prometheus.MustRegister(BatchesProcessedTotal)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(BatchExecutionDuration)
	prometheus.MustRegister(StoreCommitDuration)
	prometheus.MustRegister(StoreCommitRetriesTotal)
	prometheus.MustRegister(IndexesTotal)
	prometheus.MustRegister(IndexDocumentsTotal)
	prometheus.MustRegister(SearchRequestsTotal)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(FilterEvaluationDuration)
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
