package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the sync server. Scraped at /metrics.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	// Message metrics
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Playback engine metrics
	PlaybackCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_playback_commands_total",
		Help: "Playback commands accepted, by type",
	}, []string{"type"})

	PlaybackConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_playback_cas_conflicts_total",
		Help: "Snapshot updates rejected by the sequence guard",
	})

	PlaybackConflictsExceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_playback_cas_exhausted_total",
		Help: "Playback commands that failed after exhausting CAS retries",
	})

	// Room metrics
	RoomJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_room_joins_total",
		Help: "Successful room joins",
	})

	RoomJoinRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_room_join_rejections_total",
		Help: "Rejected room joins, by wire error code",
	}, []string{"code"})

	// Throttling metrics
	RateLimitedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_rate_limited_events_total",
		Help: "Client events dropped by rate limiting, by kind",
	}, []string{"kind"})

	// Bus metrics
	BusPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_bus_published_total",
		Help: "Messages published to the event bus",
	})

	BusReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_bus_received_total",
		Help: "Messages received from the event bus",
	})

	BusErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_bus_errors_total",
		Help: "Event bus publish/subscribe failures",
	})

	BusConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_bus_connected",
		Help: "1 when the event bus connection is up, 0 otherwise",
	})

	// Reliability metrics
	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_slow_clients_disconnected_total",
		Help: "Clients disconnected for not draining their send buffer",
	})

	DroppedBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_dropped_broadcasts_total",
		Help: "Broadcast messages dropped, by reason",
	}, []string{"reason"})

	PanicsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_panics_recovered_total",
		Help: "Panics recovered in per-connection goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		DisconnectsTotal,
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		PlaybackCommands,
		PlaybackConflicts,
		PlaybackConflictsExceeded,
		RoomJoins,
		RoomJoinRejections,
		RateLimitedEvents,
		BusPublished,
		BusReceived,
		BusErrors,
		BusConnected,
		SlowClientsDisconnected,
		DroppedBroadcasts,
		PanicsRecovered,
	)
}

// Disconnect reason constants used as metric labels.
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteTimeout   = "write_timeout"
	DisconnectReasonServerShutdown = "server_shutdown"
	DisconnectReasonSlowClient     = "slow_client"
	DisconnectReasonKicked         = "kicked"
	DisconnectReasonAuthFailure    = "auth_failure"

	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
