package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: shadow_nexus (application-level grouping)
// - subsystem: chat, relay, signaling, store (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (frames routed, errors, transfers)

var (
	// ActiveChatConnections tracks the current number of chat sessions.
	ActiveChatConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shadow_nexus",
		Subsystem: "chat",
		Name:      "connections_active",
		Help:      "Current number of connected chat sessions",
	})

	// FramesRouted counts frames dispatched by the chat router, per kind.
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "chat",
		Name:      "frames_routed_total",
		Help:      "Total chat frames routed, by frame type and status",
	}, []string{"type", "status"})

	// FanoutSendFailures counts per-recipient send failures during fan-out.
	FanoutSendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "chat",
		Name:      "fanout_failures_total",
		Help:      "Total per-recipient send failures during broadcast",
	}, []string{"class"})

	// HeartbeatDisconnects counts sessions dropped by the idle reaper.
	HeartbeatDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "chat",
		Name:      "heartbeat_disconnects_total",
		Help:      "Total sessions dropped for exceeding the idle timeout",
	})

	// FileUploads counts completed relay uploads by outcome.
	FileUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "relay",
		Name:      "uploads_total",
		Help:      "Total file relay uploads, by outcome",
	}, []string{"status"})

	// FileDownloads counts relay downloads by outcome.
	FileDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "relay",
		Name:      "downloads_total",
		Help:      "Total file relay downloads, by outcome",
	}, []string{"status"})

	// RelayBytes counts payload bytes moved through the relay.
	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "relay",
		Name:      "bytes_total",
		Help:      "Total payload bytes transferred through the relay",
	}, []string{"direction"})

	// ActiveRooms tracks the current number of signaling rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shadow_nexus",
		Subsystem: "signaling",
		Name:      "rooms_active",
		Help:      "Current number of active call rooms",
	})

	// RoomParticipants tracks participants per signaling room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shadow_nexus",
		Subsystem: "signaling",
		Name:      "participants_count",
		Help:      "Number of participants in each call room",
	}, []string{"room_id"})

	// MissedCalls counts missed-call events emitted back through chat.
	MissedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "signaling",
		Name:      "missed_calls_total",
		Help:      "Total missed-call events emitted, by media kind",
	}, []string{"media"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "signaling",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by the rate limiter, by scope",
	}, []string{"scope"})

	// PersistWrites counts collection flushes by the durable store.
	PersistWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadow_nexus",
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Total collection flushes to disk, by collection and status",
	}, []string{"collection", "status"})
)

func IncConnection() {
	ActiveChatConnections.Inc()
}

func DecConnection() {
	ActiveChatConnections.Dec()
}
