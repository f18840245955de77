package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Emit results used as the "result" label of EmitsTotal.
const (
	EmitSent    = "sent"
	EmitQueued  = "queued"
	EmitFailed  = "failed"
	EmitDropped = "dropped"
)

var (
	ChannelConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_live", Name: "channel_connected", Help: "1 when the realtime channel has a live connection"},
		[]string{"channel"},
	)
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_live", Name: "events_received_total", Help: "Inbound realtime events decoded"},
		[]string{"channel", "event"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_live", Name: "events_dropped_total", Help: "Inbound frames that could not be decoded"},
		[]string{"channel", "reason"},
	)
	EmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_live", Name: "emits_total", Help: "Outbound realtime messages by result"},
		[]string{"channel", "event", "result"},
	)
	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_live", Name: "reconnect_attempts_total", Help: "Automatic reconnection dials"},
		[]string{"channel"},
	)
	OutboxDepth   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_live", Name: "outbox_depth", Help: "Messages waiting for the chat channel to come back"})
	ChatBuffered  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_live", Name: "chat_messages_buffered", Help: "Chat lines held in memory"})
	SinkDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_live", Name: "sink_dropped_total", Help: "Events not handed to sinks because the sink queue was full"})
	SinkErrors    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_live", Name: "sink_errors_total", Help: "Event sink failures"}, []string{"sink"})
	SinkLatency   = promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: "ride_live", Name: "sink_latency_seconds", Help: "Event sink latency seconds", Buckets: prometheus.DefBuckets}, []string{"sink"})
	ViewsOpen     = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: "ride_live", Name: "views_open", Help: "Open per-ride views"}, []string{"view"})
	StaleReadings = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_live", Name: "stale_location_reads_total", Help: "Driver location reads that were stale"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_live", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_live",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
