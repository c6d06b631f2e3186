package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the GameBuddies lobby core.
//
// Naming convention: namespace_subsystem_name
// - namespace: gamebuddies (application-level grouping)
// - subsystem: lobby, edge, sessiontoken, returncoord, reaper, circuit_breaker, rate_limit, store, bus (feature-level grouping)
// - name: specific metric (rooms_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (rooms, members, circuit breaker state)
// - Counter: Cumulative events (operations processed, reaper runs)
// - Histogram: Latency distributions (operation duration)

var (
	// ActiveConnections tracks the current number of attached lobby socket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamebuddies",
		Subsystem: "edge",
		Name:      "connections_active",
		Help:      "Current number of active lobby socket connections",
	})

	// ActiveRooms tracks the current number of non-closed rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamebuddies",
		Subsystem: "lobby",
		Name:      "rooms_active",
		Help:      "Current number of active (non-closed) rooms",
	})

	// RoomMembers tracks the current member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gamebuddies",
		Subsystem: "lobby",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_code"})

	// LobbyOperationsTotal tracks every Lobby Manager operation processed.
	LobbyOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "lobby",
		Name:      "operations_total",
		Help:      "Total Lobby Manager operations processed",
	}, []string{"operation", "status"})

	// LobbyOperationDuration tracks the time spent applying a Lobby Manager operation.
	LobbyOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gamebuddies",
		Subsystem: "lobby",
		Name:      "operation_duration_seconds",
		Help:      "Time spent applying a Lobby Manager operation",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	// SessionTokensActive tracks the current number of live (unexpired) session tokens.
	SessionTokensActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamebuddies",
		Subsystem: "sessiontoken",
		Name:      "active",
		Help:      "Current number of live session tokens",
	})

	// SessionTokenOperationsTotal tracks mint/resolve/purge calls against the Session Token Service.
	SessionTokenOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "sessiontoken",
		Name:      "operations_total",
		Help:      "Total session token mint/resolve/purge operations",
	}, []string{"operation", "status"})

	// ReturnCoordinatorFanoutTotal tracks RETURN_TO_GAME pushes delivered over the socket vs. discovered by poll.
	ReturnCoordinatorFanoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "returncoord",
		Name:      "fanout_total",
		Help:      "Total return-to-game signals delivered, by channel",
	}, []string{"channel"}) // "push" or "poll"

	// ReaperRunsTotal tracks completed reaper sweeps by kind.
	ReaperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "reaper",
		Name:      "runs_total",
		Help:      "Total reaper sweeps completed",
	}, []string{"kind"}) // "stale_member", "room", "session_token"

	// ReaperEvictionsTotal tracks entities evicted by a reaper sweep.
	ReaperEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "reaper",
		Name:      "evictions_total",
		Help:      "Total entities evicted across reaper sweeps",
	}, []string{"kind"})

	// CircuitBreakerState tracks the current state of the Store/Bus circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gamebuddies",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded a rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against a rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// StoreOperationsTotal tracks Store (Redis-backed) operations.
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total number of Store operations",
	}, []string{"operation", "status"})

	// StoreOperationDuration tracks the duration of Store operations.
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gamebuddies",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// BusEventsTotal tracks cross-instance bus publish/receive traffic.
	BusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamebuddies",
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Total cross-instance bus events, by direction and channel",
	}, []string{"direction", "channel"}) // direction: "publish" or "receive"
)

// IncConnection records a new attached lobby socket connection.
func IncConnection() {
	ActiveConnections.Inc()
}

// DecConnection records a detached lobby socket connection.
func DecConnection() {
	ActiveConnections.Dec()
}
