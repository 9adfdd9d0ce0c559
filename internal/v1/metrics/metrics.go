package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the sync server.
//
// Naming convention: namespace_subsystem_name
// - namespace: cinesync (application-level grouping)
// - subsystem: protocol, room (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)

var (
	// ActiveConnections tracks the current number of open protocol connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cinesync",
		Subsystem: "protocol",
		Name:      "connections_active",
		Help:      "Current number of open protocol connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cinesync",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomWatchers tracks the number of watchers in each room
	RoomWatchers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cinesync",
		Subsystem: "room",
		Name:      "watchers_count",
		Help:      "Number of watchers in each room",
	}, []string{"room"})

	// FramesProcessed counts inbound protocol frames by command and outcome
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cinesync",
		Subsystem: "protocol",
		Name:      "frames_total",
		Help:      "Total inbound protocol frames processed",
	}, []string{"command", "status"})

	// StateFramesSent counts outbound State frames, split by forced flag
	StateFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cinesync",
		Subsystem: "protocol",
		Name:      "state_frames_sent_total",
		Help:      "Total outbound State frames",
	}, []string{"forced"})

	// TLSUpgrades counts in-band TLS upgrade attempts
	TLSUpgrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cinesync",
		Subsystem: "protocol",
		Name:      "tls_upgrades_total",
		Help:      "Total in-band TLS upgrade attempts",
	}, []string{"status"})

	// ProxyActiveSessions tracks open proxy sessions (client + upstream pair)
	ProxyActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cinesync",
		Subsystem: "proxy",
		Name:      "sessions_active",
		Help:      "Current number of open proxy sessions",
	})

	// ProxyFramesForwarded counts frames relayed by the proxy per direction
	ProxyFramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cinesync",
		Subsystem: "proxy",
		Name:      "frames_forwarded_total",
		Help:      "Total frames relayed by the proxy",
	}, []string{"direction"})

	// CircuitBreakerState exposes the breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cinesync",
		Subsystem: "proxy",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"target"})

	// CircuitBreakerFailures counts requests rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cinesync",
		Subsystem: "proxy",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total requests rejected by an open circuit breaker",
	}, []string{"target"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}

func RecordFrame(command, status string) {
	FramesProcessed.WithLabelValues(command, status).Inc()
}
