// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent tracks messages submitted through the send pipeline.
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages submitted through the optimistic send pipeline",
		},
	)

	// SendFailures tracks sends that ended in error status.
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Sends that failed, by reason",
		},
		[]string{"reason"},
	)

	// RequestTimeouts tracks correlated requests that hit their deadline.
	RequestTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_request_timeouts_total",
			Help: "Correlated requests that timed out, by event",
		},
		[]string{"event"},
	)

	// PendingRequests tracks currently outstanding correlated requests.
	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_pending_requests",
			Help: "Correlated requests awaiting a response",
		},
	)

	// Reconnects tracks websocket reconnect attempts.
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "WebSocket reconnect attempts",
		},
	)

	// Connected reports the connection state (1 connected, 0 not).
	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connected",
			Help: "Whether the websocket is currently connected",
		},
	)

	// FallbackRequests tracks REST fallback fetches.
	FallbackRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_fallback_requests_total",
			Help: "REST fallback fetches, by resource and outcome",
		},
		[]string{"resource", "outcome"},
	)
)

// RecordSendFailure records a failed send with its reason.
func RecordSendFailure(reason string) {
	SendFailures.WithLabelValues(reason).Inc()
}

// RecordFallback records a fallback fetch outcome.
func RecordFallback(resource, outcome string) {
	FallbackRequests.WithLabelValues(resource, outcome).Inc()
}
