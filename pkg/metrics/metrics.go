package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionsConnected tracks currently connected sessions by protocol (fix/fixp)
var SessionsConnected = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fixgate_sessions_connected",
		Help: "Number of currently connected sessions",
	},
	[]string{"protocol"},
)

// MessagesReceived counts inbound business and admin messages by protocol
var MessagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_messages_received_total",
		Help: "Total number of inbound messages accepted by the gateway",
	},
	[]string{"protocol", "kind"},
)

// MessagesSent counts outbound messages by protocol
var MessagesSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_messages_sent_total",
		Help: "Total number of outbound messages published by the gateway",
	},
	[]string{"protocol", "kind"},
)

// ReplaysServed counts resend/retransmit operations served from the archive
var ReplaysServed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixgate_replays_served_total",
		Help: "Total number of replay operations served",
	},
	[]string{"protocol"},
)

// Backpressure and disconnect accounting
var (
	BackpressureEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixgate_backpressure_events_total",
			Help: "Number of times a carrier publication back-pressured the framer",
		},
	)

	Disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixgate_disconnects_total",
			Help: "Number of connection teardowns by reason",
		},
		[]string{"reason"},
	)

	IndexFlushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fixgate_sequence_index_flush_latency_seconds",
			Help:    "Latency in seconds of sequence number index flushes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsConnected, MessagesReceived, MessagesSent)
	prometheus.MustRegister(ReplaysServed, BackpressureEvents, Disconnects, IndexFlushLatency)
}
