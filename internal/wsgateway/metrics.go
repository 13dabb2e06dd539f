package wsgateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_gateway_connections_active",
			Help: "Number of authenticated WebSocket connections",
		},
	)

	connectionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_gateway_connections_pending",
			Help: "Number of connections waiting for the authenticate handshake",
		},
	)

	connectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_gateway_connections_total",
			Help: "Total number of authenticated connections",
		},
	)

	handshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_gateway_handshake_failures_total",
			Help: "Total number of rejected handshakes",
		},
		[]string{"reason"},
	)

	roomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_gateway_rooms_active",
			Help: "Number of rooms with at least one member",
		},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_gateway_commands_total",
			Help: "Total number of dispatched commands",
		},
		[]string{"command", "result"},
	)

	commandLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_gateway_command_latency_seconds",
			Help:    "Command handling latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"command"},
	)

	eventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_gateway_events_delivered_total",
			Help: "Total number of events enqueued to connections",
		},
		[]string{"event"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_gateway_events_dropped_total",
			Help: "Total number of events dropped because a connection was slow or closing",
		},
		[]string{"event"},
	)
)
