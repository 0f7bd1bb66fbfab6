// Package metrics declares the Prometheus collectors for the signaling
// server, kept close to the runtime packages that exercise them.
//
// Naming convention: namespace_subsystem_name
//   - namespace: signalhub
//   - subsystem: connection, room, ratelimit, heartbeat, dispatch, document
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Current number of active WebSocket connections.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of active rooms in the registry.",
	})

	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "room",
		Name:      "members",
		Help:      "Number of members currently in a room.",
	}, []string{"room_id"})

	DispatchedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "dispatch",
		Name:      "frames_total",
		Help:      "Total inbound frames processed by type and outcome.",
	}, []string{"type", "outcome"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signalhub",
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Time spent routing a single inbound frame.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total rate-limit breaches by limiter kind.",
	}, []string{"kind"})

	HeartbeatTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "heartbeat",
		Name:      "terminations_total",
		Help:      "Total connections terminated for missed heartbeats.",
	})

	DocumentUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "document",
		Name:      "updates_total",
		Help:      "Total document update attempts by outcome (accepted, rejected).",
	}, []string{"outcome"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "ratelimit",
		Name:      "store_circuit_state",
		Help:      "Circuit breaker state for the rate-limit store (0=closed, 1=open, 2=half-open).",
	}, []string{"store"})
)

// DecConnection decrements the active-connection gauge on teardown.
func DecConnection() {
	ActiveConnections.Dec()
}
