package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks HTTP request latency. Shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetrent",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// NodesProbedTotal counts Health loop probe outcomes by result.
var NodesProbedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "health",
		Name:      "nodes_probed_total",
		Help:      "Total number of node liveness probes, by outcome.",
	},
	[]string{"result"},
)

// LeasesMigratedTotal counts leases successfully relocated off a dead node.
var LeasesMigratedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "migration",
		Name:      "leases_migrated_total",
		Help:      "Total number of leases relocated off dead nodes.",
	},
)

// MigrationShortfallTotal counts leases that could not be migrated for lack of
// an eligible replacement node.
var MigrationShortfallTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "migration",
		Name:      "shortfall_total",
		Help:      "Total number of leases left unmigrated due to insufficient replacement capacity.",
	},
)

// MigrationProvisionerFailuresTotal counts createUser failures on replacement
// nodes during migration (logged, non-fatal to the batch).
var MigrationProvisionerFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "migration",
		Name:      "provisioner_failures_total",
		Help:      "Total number of provisioner createUser failures observed during migration.",
	},
)

// LeasesExpiredTotal counts leases reclaimed by the Expiry loop.
var LeasesExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "expiry",
		Name:      "leases_expired_total",
		Help:      "Total number of expired leases reclaimed.",
	},
)

// ExpiryProvisionerFailuresTotal counts deleteUser failures that left an
// expired lease active for retry on the next iteration.
var ExpiryProvisionerFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "expiry",
		Name:      "provisioner_failures_total",
		Help:      "Total number of provisioner deleteUser failures observed during expiry retry.",
	},
)

// NodesScrubbedTotal counts nodes cleared for reuse by the Scrub loop.
var NodesScrubbedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "scrub",
		Name:      "nodes_scrubbed_total",
		Help:      "Total number of nodes cleared of residual tenant state and re-admitted.",
	},
)

// ScrubProvisionerFailuresTotal counts deleteUser failures during scrub that
// left needs_cleanup set for retry.
var ScrubProvisionerFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetrent",
		Subsystem: "scrub",
		Name:      "provisioner_failures_total",
		Help:      "Total number of provisioner deleteUser failures observed during scrub retry.",
	},
)

// PoolUtilizationRatio gauges the fraction of known nodes currently allocated.
var PoolUtilizationRatio = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fleetrent",
		Subsystem: "pool",
		Name:      "utilization_ratio",
		Help:      "Fraction of known nodes currently allocated to a lease.",
	},
)

// All returns all fleetrent-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		NodesProbedTotal,
		LeasesMigratedTotal,
		MigrationShortfallTotal,
		MigrationProvisionerFailuresTotal,
		LeasesExpiredTotal,
		ExpiryProvisionerFailuresTotal,
		NodesScrubbedTotal,
		ScrubProvisionerFailuresTotal,
		PoolUtilizationRatio,
	}
}
