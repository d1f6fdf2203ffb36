package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// txnTotal counts finished transactions by outcome (commit, abort).
	txnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pathdb_txn_total",
		Help: "Finished transactions by outcome",
	}, []string{"outcome"})

	// conflictsTotal counts logical errors returned to callers by kind.
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pathdb_conflicts_total",
		Help: "Logical transaction errors by kind",
	}, []string{"kind"})

	abortRescuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pathdb_abort_rescues_total",
		Help: "Head versions restored after finding an aborted intent",
	})

	walBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pathdb_wal_batches_total",
		Help: "Commit batches appended to the write-ahead log",
	})

	replicaErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pathdb_replica_errors_total",
		Help: "Follower calls that failed, by operation",
	}, []string{"op"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pathdb_commit_duration_seconds",
		Help:    "Commit latency including follower fan-out",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
	})
)

// Outcome labels for TxnFinished.
const (
	OutcomeCommit = "commit"
	OutcomeAbort  = "abort"
)

func TxnFinished(outcome string) {
	txnTotal.WithLabelValues(outcome).Inc()
}

// Conflict records a logical error of the given kind name.
func Conflict(kind string) {
	conflictsTotal.WithLabelValues(kind).Inc()
}

func AbortRescued() {
	abortRescuesTotal.Inc()
}

func WALBatch() {
	walBatchesTotal.Inc()
}

func ReplicaError(op string) {
	replicaErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveCommit records the latency of one commit in seconds.
func ObserveCommit(seconds float64) {
	commitDuration.Observe(seconds)
}

// Handler exposes every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
