package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliveries tracks per-subscriber delivery attempts by outcome.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_deliveries_total",
		Help: "Delivery attempts to individual subscribers by outcome",
	}, []string{"outcome"}) // delivered, failed_permanently, failed_transiently

	// SubscribersRemoved tracks registry entries pruned after a closed channel.
	SubscribersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanout_subscribers_removed_total",
		Help: "Subscribers removed from the registry because their channel was closed",
	})

	// CleanupFailures tracks prune attempts that the registry rejected.
	CleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanout_cleanup_failures_total",
		Help: "Registry deletes that failed while pruning closed subscribers",
	})

	// BroadcastDuration tracks the wall time of a full broadcast.
	BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fanout_broadcast_duration_seconds",
		Help:    "Time from registry snapshot to the last delivery of a broadcast",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})

	// BroadcastFanout tracks the size of the snapshot each broadcast ran against.
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fanout_broadcast_subscribers",
		Help:    "Number of subscribers in the snapshot of each broadcast",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// RegistryLatency tracks registry operations per backend.
	RegistryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fanout_registry_latency_seconds",
		Help:    "Latency of registry operations",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"backend", "op"})

	// RegistryErrors tracks registry failures surfaced as RegistryUnavailable.
	RegistryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_registry_errors_total",
		Help: "Registry operations that failed",
	}, []string{"op"})

	// ActiveConnections tracks WebSocket connections held by this process.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_ws_connections",
		Help: "WebSocket connections currently attached to the local hub",
	})

	// APIRateLimited tracks requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_api_rate_limited_total",
		Help: "Requests rejected with 429",
	}, []string{"endpoint"})

	// IdempotentReplays tracks responses served from the idempotency cache.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fanout_idempotent_replays_total",
		Help: "Responses replayed for a repeated idempotency key",
	})

	// IngressMessages tracks events consumed from NATS.
	IngressMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_ingress_messages_total",
		Help: "Events received from the message bus by result",
	}, []string{"result"}) // broadcast, invalid, registry_error, error
)
