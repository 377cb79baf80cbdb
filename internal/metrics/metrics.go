package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zibridge_snapshots_total",
		Help: "snapshots finished by status",
	}, []string{"status"})

	SnapshotEntitiesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zibridge_snapshot_entities_total",
		Help: "entities frozen into snapshots",
	})

	DiffDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zibridge_diff_duration_seconds",
		Help:    "time spent comparing two snapshots",
		Buckets: prometheus.DefBuckets,
	})

	RestoreEntitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zibridge_restore_entities_total",
		Help: "restore entity results",
	}, []string{"action", "outcome"})

	RestoreEdgesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zibridge_restore_edges_total",
		Help: "auto-suture edge results",
	}, []string{"result"})

	RestoreRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zibridge_restore_runs_total",
		Help: "restore runs by final status",
	}, []string{"status"})

	ConnectorRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zibridge_connector_requests_total",
		Help: "outbound connector requests",
	}, []string{"provider", "status"})
)

func init() {
	prometheus.MustRegister(
		SnapshotsTotal,
		SnapshotEntitiesTotal,
		DiffDuration,
		RestoreEntitiesTotal,
		RestoreEdgesTotal,
		RestoreRunsTotal,
		ConnectorRequestsTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
