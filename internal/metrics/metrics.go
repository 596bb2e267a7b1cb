package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_state",
			Help: "Backend WebSocket state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_ws_reconnect_attempts_total",
			Help: "Total backend WebSocket dial attempts after the first",
		},
	)

	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_ws_frames_received_total",
			Help: "Total frames read from the backend WebSocket",
		},
	)

	// Routing metrics
	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_routed_total",
			Help: "Total decoded events routed by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_dropped_total",
			Help: "Total frames dropped",
		},
		[]string{"reason"}, // "malformed", "unknown_type", "panic"
	)

	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_duplicate_messages_total",
			Help: "Total message:new events for messages already present",
		},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Total outgoing messages by result",
		},
		[]string{"result"}, // "ok" or "failed"
	)

	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_unread_total",
			Help: "Current unread messages across rooms",
		},
	)

	Resyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_resyncs_total",
			Help: "Total full resyncs by trigger",
		},
		[]string{"trigger"}, // "connected", "periodic", "reload", "manual"
	)

	// Infrastructure metrics
	RESTLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_rest_latency_seconds",
			Help:    "Backend REST call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	RESTErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rest_errors_total",
			Help: "Total failed backend REST calls",
		},
		[]string{"op"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "path", "status"},
	)
)
