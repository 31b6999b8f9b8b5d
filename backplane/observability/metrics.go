package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrackedChanges tracks the number of entries in the change cache.
	TrackedChanges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backplane_tracked_changes",
		Help: "Current number of data changes held in the change cache",
	})

	// DisposedChanges counts changes handed to providers for disposal.
	DisposedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backplane_disposed_changes_total",
		Help: "Total number of data changes disposed",
	}, []string{"reason"}) // reason: expired, shutdown

	// ProviderCallDuration tracks the duration of a single provider call inside a fan-out.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backplane_provider_call_duration_seconds",
		Help:    "Duration of provider calls issued by the manager",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "method"})

	// ProviderFailures counts failed provider calls by classification.
	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backplane_provider_failures_total",
		Help: "Total number of failed provider calls",
	}, []string{"provider", "method", "kind"})

	// ConnectorConnected is 1 while a transport holds a live connection.
	ConnectorConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backplane_connector_connected",
		Help: "Whether the connector transport is connected (1) or not (0)",
	}, []string{"transport"})

	// ConnectorDisconnects counts connection losses.
	ConnectorDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backplane_connector_disconnects_total",
		Help: "Total number of connector disconnect events",
	}, []string{"transport"})

	// ConnectorConnectAttempts counts physical connect attempts by outcome.
	ConnectorConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backplane_connector_connect_attempts_total",
		Help: "Total number of physical connect attempts",
	}, []string{"transport", "outcome"})

	// EnsureConnectedTimeouts counts bounded waits that expired.
	EnsureConnectedTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backplane_ensure_connected_timeouts_total",
		Help: "Total number of EnsureConnected waits that timed out",
	})

	// BackplaneUnavailable counts calls rejected because the attempt limit was reached.
	BackplaneUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backplane_unavailable_total",
		Help: "Total number of calls failed fast with backplane unavailable",
	})

	// LoopIterations counts hosted loop iterations by outcome.
	LoopIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backplane_loop_iterations_total",
		Help: "Total number of hosted loop iterations",
	}, []string{"outcome"}) // outcome: ok, panic

	// LoopIterationDuration tracks the duration of one HandleNext call.
	LoopIterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backplane_loop_iteration_duration_seconds",
		Help:    "Duration of a hosted loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// RelayServices tracks the number of services registered with the relay server.
	RelayServices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backplane_relay_services",
		Help: "Current number of services registered with the relay",
	})

	// RelayRequests counts requests handled by the relay server.
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backplane_relay_requests_total",
		Help: "Total number of requests handled by the relay server",
	}, []string{"method", "transport"})

	// HubConnections tracks the number of live hub websocket connections.
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backplane_hub_connections",
		Help: "Current number of hub websocket connections",
	})

	// RedisLatency tracks latency of Redis round trips made by the redis provider.
	RedisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backplane_redis_latency_seconds",
		Help:    "Latency of Redis operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"operation"})

	// PostgresLatency tracks latency of Postgres round trips made by the postgres provider.
	PostgresLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backplane_postgres_latency_seconds",
		Help:    "Latency of Postgres operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"operation"})
)
