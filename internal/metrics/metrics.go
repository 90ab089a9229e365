// Package metrics provides Prometheus instrumentation for the companion
// gateway. It exposes gauges for connections and chat-list subscribers,
// counters for message and typing throughput, and histograms for request
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// AuthenticatedConnections tracks connections bound to a user.
	AuthenticatedConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_authenticated_connections",
		Help: "Current number of connections bound to a user",
	})

	// MessagesTotal counts chat messages, labeled by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // type = "sent", "delivered", "rejected", "rate_limited"

	// TypingRelays counts typing indicators relayed to chat partners.
	TypingRelays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_typing_relays_total",
		Help: "Total number of typing indicators relayed",
	}, []string{"state"}) // state = "start", "stop"

	// ChatListSubscribers tracks connections holding a chat-list subscription.
	ChatListSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_chat_list_subscribers",
		Help: "Current number of connections subscribed to chat-list updates",
	})

	// MessageLatency records the time from receiving a message to its ack.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RequestDuration records handler latency per client message type.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisper_request_duration_seconds",
		Help:    "Client request handling latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		AuthenticatedConnections,
		MessagesTotal,
		TypingRelays,
		ChatListSubscribers,
		MessageLatency,
		RequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
