package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's counters. Metric names are static strings;
// no business value ever becomes a label value. The only labels used are
// RPC method names and coarse status strings.
type Metrics struct {
	registry *prometheus.Registry

	SyncPasses       prometheus.Counter
	SnapshotsCreated prometheus.Counter
	SnapshotsFailed  prometheus.Counter
	SyncDuration     prometheus.Histogram

	ReportCacheHits   prometheus.Counter
	ReportCacheMisses prometheus.Counter

	ConnectorBuilds    prometheus.Counter
	ConnectorEvictions prometheus.Counter

	RPCRequests *prometheus.CounterVec
}

// NewMetrics builds and registers the worker metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SyncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_sync_passes_total",
			Help: "Completed daily sync passes.",
		}),
		SnapshotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_snapshots_created_total",
			Help: "Snapshots upserted across all passes.",
		}),
		SnapshotsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_snapshots_failed_total",
			Help: "Connection syncs that produced no snapshot.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_sync_pass_duration_seconds",
			Help:    "Wall-clock duration of a full scheduler pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ReportCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_report_cache_hits_total",
			Help: "Report cache lookups served without an upstream call.",
		}),
		ReportCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_report_cache_misses_total",
			Help: "Report cache lookups that triggered an upstream fetch.",
		}),
		ConnectorBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_connector_builds_total",
			Help: "Connector instances constructed by the registry.",
		}),
		ConnectorEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_connector_evictions_total",
			Help: "Connector instances evicted and wiped.",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_rpc_requests_total",
			Help: "RPC requests by method and status class.",
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		m.SyncPasses,
		m.SnapshotsCreated,
		m.SnapshotsFailed,
		m.SyncDuration,
		m.ReportCacheHits,
		m.ReportCacheMisses,
		m.ConnectorBuilds,
		m.ConnectorEvictions,
		m.RPCRequests,
	)
	return m
}

// Handler returns the exposition handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
