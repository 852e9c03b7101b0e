// Package metrics exposes the server's Prometheus collectors: stream
// counts, waiter-set occupancy (C7), and retention-sweep outcomes (C4),
// scraped from /metrics by the standalone server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "durable_streams_active_streams",
		Help: "Number of streams currently known to the store.",
	})

	WaiterCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "durable_streams_waiter_count",
		Help: "Number of long-poll/SSE requests currently suspended waiting for data (C7).",
	})

	RetentionSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "durable_streams_retention_sweep_duration_seconds",
		Help:    "Duration of each retention/TTL scheduler sweep (C4).",
		Buckets: prometheus.DefBuckets,
	})

	RetentionDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_retention_deleted_total",
		Help: "Streams deleted by the retention scheduler for exceeding their TTL/ExpiresAt.",
	})

	RetentionPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_retention_pruned_total",
		Help: "Successful byte-retention prune passes by the retention scheduler over streams with a retention horizon, whether or not any record was dropped.",
	})
)

// Registry is a dedicated prometheus.Registerer carrying only this
// package's collectors, so the standalone server's /metrics endpoint
// doesn't also expose Go/process defaults unless it chooses to.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(ActiveStreams, WaiterCount, RetentionSweepDuration, RetentionDeletedTotal, RetentionPrunedTotal)
}
