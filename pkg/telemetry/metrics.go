// Package telemetry holds the Prometheus collectors shared across the
// dashboard and orchestrator processes.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var ClaimsProcessedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "claimflow",
		Subsystem: "orchestrator",
		Name:      "claims_processed_total",
		Help:      "Total number of claims picked up for processing.",
	},
)

var ClaimsSucceededTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "claimflow",
		Subsystem: "orchestrator",
		Name:      "claims_succeeded_total",
		Help:      "Total number of claims whose worker exited successfully.",
	},
)

var ClaimsFailedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "claimflow",
		Subsystem: "orchestrator",
		Name:      "claims_failed_total",
		Help:      "Total number of claims that exhausted their retries.",
	},
)

var ActiveAgents = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "claimflow",
		Subsystem: "orchestrator",
		Name:      "active_agents",
		Help:      "Number of live worker processes.",
	},
)

var RetryQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "claimflow",
		Subsystem: "orchestrator",
		Name:      "retry_queue_depth",
		Help:      "Number of claims waiting for a retry.",
	},
)

var SpawnDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "claimflow",
		Subsystem: "spawner",
		Name:      "spawn_duration_seconds",
		Help:      "Time from spawn request to worker process start.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
)

var HubConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "claimflow",
		Subsystem: "hub",
		Name:      "connections",
		Help:      "Number of connected WebSocket observers.",
	},
)

var EventsBroadcastTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claimflow",
		Subsystem: "hub",
		Name:      "events_broadcast_total",
		Help:      "Total number of dashboard events broadcast, by type.",
	},
	[]string{"type"},
)

var HooksReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "claimflow",
		Subsystem: "hooks",
		Name:      "received_total",
		Help:      "Total number of worker lifecycle hooks received, by event.",
	},
	[]string{"event"},
)

// Register adds all collectors to the given registry. Call once in main.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ClaimsProcessedTotal,
		ClaimsSucceededTotal,
		ClaimsFailedTotal,
		ActiveAgents,
		RetryQueueDepth,
		SpawnDuration,
		HubConnections,
		EventsBroadcastTotal,
		HooksReceivedTotal,
	)
}
