// Package observability wires process-wide telemetry. This file exposes the
// Prometheus collectors for the domain side of the system: ingestion
// outcomes, pipeline stage timings, subscription renewal health, and
// WebSocket fan-out. HTTP traffic metrics live in the middleware package.
//
// Label cardinality is kept bounded: outcomes, stages, and statuses are all
// closed sets.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// IngestOutcomes counts per-change ingestion outcomes
	// (transferred/duplicate/skipped/removed/failed).
	IngestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_changes_total",
			Help: "Total processed Drive changes by outcome.",
		},
		[]string{"outcome"},
	)

	// PipelineStageDuration records wall time per pipeline stage.
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	// PipelineTransitions counts item state transitions by target status.
	PipelineTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_transitions_total",
			Help: "Total item state transitions by target status.",
		},
		[]string{"status"},
	)

	// RenewalFailures counts failed subscription renewal attempts.
	RenewalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscription_renewal_failures_total",
			Help: "Total failed Drive channel renewal attempts.",
		},
	)

	// SubscriptionExpirySeconds gauges how long the active channel has left.
	SubscriptionExpirySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscription_expiry_seconds",
			Help: "Seconds until the active Drive channel expires.",
		},
	)

	// WebsocketDeliveries counts fan-out deliveries by result.
	WebsocketDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_deliveries_total",
			Help: "Total WebSocket event deliveries by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestOutcomes,
		PipelineStageDuration,
		PipelineTransitions,
		RenewalFailures,
		SubscriptionExpirySeconds,
		WebsocketDeliveries,
	)
}
