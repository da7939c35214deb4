// Package metrics defines the Prometheus collectors shared across the realtime core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tilemud",
			Name:      "intents_processed_total",
			Help:      "Intents processed, labelled by intent type and ack status.",
		},
		[]string{"intent_type", "status"},
	)

	broadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tilemud",
			Name:      "state_delta_broadcasts_total",
			Help:      "State deltas fanned out to room peers.",
		},
	)

	connectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tilemud",
			Name:      "room_connected_clients",
			Help:      "Currently connected realtime clients.",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tilemud",
			Name:      "ratelimit_rejections_total",
			Help:      "Rate limit rejections by channel.",
		},
		[]string{"channel"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tilemud",
			Name:      "circuit_breaker_open",
			Help:      "Whether the named circuit breaker is open (1) or closed (0).",
		},
		[]string{"name"},
	)

	snapshotSchedules = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tilemud",
			Name:      "sequence_snapshot_schedules_total",
			Help:      "Pending snapshot requests scheduled by the sequence service.",
		},
	)

	pipelineRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tilemud",
			Name:      "pipeline_rejections_total",
			Help:      "Actions rejected at pipeline admission, labelled by cause.",
		},
		[]string{"cause"},
	)
)

// RecordIntent counts a processed intent by type and outcome.
func RecordIntent(intentType, status string) {
	intentsProcessed.WithLabelValues(intentType, status).Inc()
}

// RecordBroadcast counts one state-delta fanout.
func RecordBroadcast() { broadcasts.Inc() }

// SetConnectedClients records the current room population.
func SetConnectedClients(n int) { connectedClients.Set(float64(n)) }

// RecordRateLimitRejection counts a rate-limit rejection on the channel.
func RecordRateLimitRejection(channel string) {
	rateLimitRejections.WithLabelValues(channel).Inc()
}

// SetCircuitBreakerOpen records whether the named breaker is open.
func SetCircuitBreakerOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	circuitBreakerState.WithLabelValues(name).Set(v)
}

// RecordSnapshotSchedule counts one pending-snapshot scheduling.
func RecordSnapshotSchedule() { snapshotSchedules.Inc() }

// RecordPipelineRejection counts a pipeline admission rejection.
func RecordPipelineRejection(cause string) {
	pipelineRejections.WithLabelValues(cause).Inc()
}
