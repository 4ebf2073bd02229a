package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Page cache metrics
	PageCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_page_cache_hits_total",
			Help: "Total number of page cache hits",
		},
	)

	PageCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_page_cache_misses_total",
			Help: "Total number of page cache misses",
		},
	)

	PageCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_page_cache_evictions_total",
			Help: "Total number of page cache evictions",
		},
	)

	PagesPinned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrendb_pages_pinned",
			Help: "Current number of pinned pages in the cache",
		},
	)

	// WAL metrics
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warrendb_wal_append_duration_seconds",
			Help:    "Time taken to append and fsync a WAL frame",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALFramesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_wal_frames_appended_total",
			Help: "Total number of WAL frames appended",
		},
	)

	// Recovery metrics
	RecoveryRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_recovery_runs_total",
			Help: "Total number of times recovery ran at open",
		},
	)

	RecoveryUndoneTxns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warrendb_recovery_undone_txns",
			Help: "Number of transactions undone by the last recovery pass",
		},
	)

	// Transaction / version store metrics
	TxnsBegun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrendb_txns_begun_total",
			Help: "Total number of transactions begun, by isolation level",
		},
		[]string{"level"},
	)

	TxnsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_txns_committed_total",
			Help: "Total number of committed transactions",
		},
	)

	TxnsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrendb_txns_aborted_total",
			Help: "Total number of aborted transactions, by cause",
		},
		[]string{"cause"},
	)

	// Lock manager metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warrendb_lock_wait_duration_seconds",
			Help:    "Time spent parked waiting for a record lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeadlocksDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_deadlocks_detected_total",
			Help: "Total number of deadlocks detected by the lock manager",
		},
	)

	// B+tree metrics
	BPTreeSplits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_bptree_splits_total",
			Help: "Total number of B+tree node splits",
		},
	)

	BPTreeInserts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_bptree_inserts_total",
			Help: "Total number of B+tree key insertions",
		},
	)

	// Wire server metrics
	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warrendb_connections_total",
			Help: "Total number of client connections accepted",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warrendb_request_duration_seconds",
			Help:    "Time taken to execute one statement, by statement kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warrendb_request_errors_total",
			Help: "Total number of statement errors, by error kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(PageCacheHits)
	prometheus.MustRegister(PageCacheMisses)
	prometheus.MustRegister(PageCacheEvictions)
	prometheus.MustRegister(PagesPinned)
	prometheus.MustRegister(WALAppendDuration)
	prometheus.MustRegister(WALFramesAppended)
	prometheus.MustRegister(RecoveryRuns)
	prometheus.MustRegister(RecoveryUndoneTxns)
	prometheus.MustRegister(TxnsBegun)
	prometheus.MustRegister(TxnsCommitted)
	prometheus.MustRegister(TxnsAborted)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(DeadlocksDetected)
	prometheus.MustRegister(BPTreeSplits)
	prometheus.MustRegister(BPTreeInserts)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RequestErrors)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
