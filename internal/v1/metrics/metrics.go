package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat platform, shared by the comet, logic and job binaries.
//
// Naming convention: namespace_subsystem_name
// - namespace: chat (application-level grouping)
// - subsystem: websocket, room, store, pipeline (feature-level grouping)

var (
	// ActiveWebSocketConnections tracks currently open edge connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// RoomSubscribers tracks local subscribers per room topic.
	RoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "room",
		Name:      "subscribers_count",
		Help:      "Number of local subscribers per room topic",
	}, []string{"room_id"})

	// EnvelopesTotal counts WebSocket envelopes routed on the edge.
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "websocket",
		Name:      "envelopes_total",
		Help:      "Total WebSocket envelopes processed",
	}, []string{"type", "status"})

	// MessagesStored counts messages appended to the tiered store.
	MessagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "store",
		Name:      "messages_stored_total",
		Help:      "Messages appended to the cache stream",
	})

	// PersistBatchSize observes how many queued records each persister tick drained.
	PersistBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "store",
		Name:      "persist_batch_size",
		Help:      "Messages persisted to the durable store per batch",
		Buckets:   []float64{1, 5, 10, 25, 50, 100},
	})

	// PipelineDropped counts job records dropped before fan-out, by reason.
	PipelineDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "pipeline",
		Name:      "records_dropped_total",
		Help:      "Job records dropped before fan-out",
	}, []string{"reason"})

	// BroadcastFanout counts per-edge BroadcastRoom RPC outcomes.
	BroadcastFanout = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "pipeline",
		Name:      "broadcast_fanout_total",
		Help:      "Per-edge BroadcastRoom RPC outcomes",
	}, []string{"status"})

	// KafkaRecords counts log records produced and consumed.
	KafkaRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "pipeline",
		Name:      "kafka_records_total",
		Help:      "Log records produced and consumed",
	}, []string{"direction", "status"})

	// CircuitBreakerState exposes the Redis breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
