// ABOUTME: Prometheus collectors for the router, registered on the default registry.
// ABOUTME: Covers HTTP traffic, connections, dispatch outcomes, agent invocations and broadcasts.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_router_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channel_router_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Real-time connections
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channel_router_connections",
			Help: "Live real-time connections",
		},
		[]string{"transport"},
	)

	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_router_events_sent_total",
			Help: "Events delivered to connections",
		},
		[]string{"event"},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "channel_router_send_failures_total",
			Help: "Event deliveries dropped because the connection was gone or the write failed",
		},
	)

	InboundRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "channel_router_inbound_rate_limited_total",
			Help: "Inbound client events rejected by the per-connection limiter",
		},
	)

	// Dispatch
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_router_messages_ingested_total",
			Help: "Inbound messages by ingest result",
		},
		[]string{"result"}, // "routed", "invalid", "not_found", "storage", "duplicate"
	)

	AgentInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_router_agent_invocations_total",
			Help: "Agent invocations by terminal state",
		},
		[]string{"agent", "outcome"},
	)

	AgentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channel_router_agent_latency_seconds",
			Help:    "Time spent in agent Generate calls",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "channel_router_agents_registered",
			Help: "Agent runtimes currently registered",
		},
	)

	// Infrastructure metrics
	RelayPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "channel_router_relay_publish_failures_total",
			Help: "Room broadcasts that could not be published to the Redis relay",
		},
	)
)
