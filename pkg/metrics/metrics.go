// Package metrics exposes the Prometheus counters/gauges every NEO role
// feeds: package-level counters and gauges registered once at init,
// covering the transaction/replication/dispatch domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsCommitted counts every transaction the master has
	// finished.
	TransactionsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neo_transactions_committed_total",
		Help: "Total number of transactions committed by the primary master.",
	})

	// TransactionsAborted counts transactions the master dropped on an
	// AbortTransaction.
	TransactionsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neo_transactions_aborted_total",
		Help: "Total number of transactions aborted by the primary master.",
	})

	// ConflictsTotal counts AskStoreObject replies with conflict=true.
	ConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neo_conflicts_total",
		Help: "Total number of store conflicts detected by storage nodes.",
	})

	// PackReclaimedTotal counts object revisions reclaimed by Pack.
	PackReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neo_pack_reclaimed_total",
		Help: "Total number of object revisions reclaimed by pack.",
	})

	// ReplicationLagTIDs reports, per partition, how many TIDs a
	// replicating cell is behind its source.
	ReplicationLagTIDs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "neo_replication_lag_tids",
		Help: "Estimated number of TIDs a replicating partition cell is behind its source.",
	}, []string{"partition"})

	// DispatcherPendingRequests mirrors dispatch.Dispatcher.Pending() for
	// whichever role's dispatcher this process runs.
	DispatcherPendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neo_dispatcher_pending_requests",
		Help: "Number of requests currently awaiting an answer via the dispatcher.",
	})

	// ClusterState encodes the cluster state machine's current value,
	// one gauge value per master.ClusterState ordinal.
	ClusterState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neo_cluster_state",
		Help: "Current cluster state as an ordinal (RECOVERING=0 .. STOPPING=6).",
	})
)

func init() {
	prometheus.MustRegister(
		TransactionsCommitted,
		TransactionsAborted,
		ConflictsTotal,
		PackReclaimedTotal,
		ReplicationLagTIDs,
		DispatcherPendingRequests,
		ClusterState,
	)
}

// Handler returns the Prometheus scrape handler, served at /metrics by
// every role's cmd/ entry point.
func Handler() http.Handler {
	return promhttp.Handler()
}
