package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction engine metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusdb_transactions_total",
			Help: "Total number of applied transactions by outcome",
		},
		[]string{"database", "outcome"},
	)

	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbusdb_transaction_duration_seconds",
			Help:    "Time taken to execute a transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	TransactionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusdb_transaction_operations_total",
			Help: "Total number of document operations applied by kind",
		},
		[]string{"database", "collection", "kind"},
	)

	// View indexer metrics
	ViewMapDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbusdb_view_map_duration_seconds",
			Help:    "Time taken to map a single document into a view",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database", "view"},
	)

	ViewInvalidatedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbusdb_view_invalidated_documents",
			Help: "Current number of documents awaiting mapping for a view",
		},
		[]string{"database", "view"},
	)

	ViewUpdateCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusdb_view_update_cycles_total",
			Help: "Total number of update-if-needed cycles completed by a view",
		},
		[]string{"database", "view"},
	)

	ViewIntegrityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusdb_view_integrity_checks_total",
			Help: "Total number of view integrity checks performed on open",
		},
		[]string{"database", "view"},
	)

	// Task dispatcher metrics
	DispatcherJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusdb_dispatcher_jobs_total",
			Help: "Total number of dispatcher jobs processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	DispatcherJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbusdb_dispatcher_job_duration_seconds",
			Help:    "Time taken to run a dispatcher job in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	DispatcherQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbusdb_dispatcher_queue_depth",
			Help: "Current number of jobs queued in the dispatcher and not yet started",
		},
	)

	// PubSub metrics
	PubSubSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbusdb_pubsub_subscribers_total",
			Help: "Current number of registered pub/sub subscribers",
		},
	)

	PubSubMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbusdb_pubsub_messages_total",
			Help: "Total number of messages delivered to subscribers",
		},
		[]string{"database"},
	)
)

func init() {
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionDuration)
	prometheus.MustRegister(TransactionOpsTotal)

	prometheus.MustRegister(ViewMapDuration)
	prometheus.MustRegister(ViewInvalidatedTotal)
	prometheus.MustRegister(ViewUpdateCyclesTotal)
	prometheus.MustRegister(ViewIntegrityChecksTotal)

	prometheus.MustRegister(DispatcherJobsTotal)
	prometheus.MustRegister(DispatcherJobDuration)
	prometheus.MustRegister(DispatcherQueueDepth)

	prometheus.MustRegister(PubSubSubscribersTotal)
	prometheus.MustRegister(PubSubMessagesTotal)
}

// Handler returns the Prometheus HTTP handler for a metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer started at the current time.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
