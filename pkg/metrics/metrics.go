// Package metrics exposes the hub's Prometheus instrumentation: queue
// depth, claim outcomes, retry counts, and delivery latency, following
// the teacher's pkg/metrics convention of package-level collectors plus
// a Handler for the scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueClaimedTotal counts successful claims per queue.
	QueueClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsub_queue_claimed_total",
			Help: "Total number of rows claimed, by queue.",
		},
		[]string{"queue"},
	)

	// QueueClaimBatchSize records how many rows a batch claim returned.
	QueueClaimBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hubsub_queue_claim_batch_size",
			Help:    "Number of rows returned per batch claim, by queue.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"queue"},
	)

	// EngineProcessedTotal counts task outcomes per engine.
	EngineProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubsub_engine_processed_total",
			Help: "Total number of tasks processed, by engine and outcome.",
		},
		[]string{"engine", "outcome"}, // outcome: ok, error
	)

	// EngineProcessDuration times one Process() call per engine.
	EngineProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hubsub_engine_process_duration_seconds",
			Help:    "Time taken to process one claimed task, by engine.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	// RetryAttempts records the attempt count a task reached before
	// scheduling its next retry.
	RetryAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hubsub_retry_attempts",
			Help:    "Attempt count at the time a retry was scheduled, by queue.",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"queue"},
	)

	// WorkerInFlight tracks the current in-flight task count.
	WorkerInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubsub_worker_in_flight",
			Help: "Current number of in-flight claimed tasks.",
		},
	)

	// ContentCacheSize reports the process-local topic content cache's
	// current entry count.
	ContentCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubsub_content_cache_size",
			Help: "Current number of entries in the process-local content cache.",
		},
	)

	// SubscriptionsTotal gauges the live subscriber count.
	SubscriptionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubsub_subscriptions_total",
			Help: "Current number of live (unexpired) subscriptions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueClaimedTotal,
		QueueClaimBatchSize,
		EngineProcessedTotal,
		EngineProcessDuration,
		RetryAttempts,
		WorkerInFlight,
		ContentCacheSize,
		SubscriptionsTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
