package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// WebSocket metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_ws_connections_active",
			Help: "Currently open WebSocket connections",
		},
	)

	IdentitiesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_identities_online",
			Help: "Identities with at least one live connection",
		},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ws_events_delivered_total",
			Help: "Events enqueued to client send buffers",
		},
		[]string{"event_type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ws_events_dropped_total",
			Help: "Events dropped because a client send buffer overflowed",
		},
		[]string{"event_type"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_ws_events_received_total",
			Help: "Client events received over WebSocket",
		},
		[]string{"event_type"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_messages_sent_total",
			Help: "Total messages appended",
		},
		[]string{"message_type"},
	)

	NotificationsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_notifications_queued_total",
			Help: "Total offline notifications queued",
		},
	)

	NotificationsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_notifications_flushed_total",
			Help: "Total offline notifications delivered on reconnect",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_rate_limit_hits_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)
)
