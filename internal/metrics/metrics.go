// Package metrics provides Prometheus instrumentation for the chat
// server. It exposes gauges for connection counts, counters for message
// and frame throughput, and a histogram for HTTP API latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "yueling_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages processed, labeled by outcome:
	// "delivered" (receiver online), "stored" (receiver offline), or
	// "rejected" (sender and receiver are not friends).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yueling_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// FramesTotal counts inbound WebSocket frames, labeled by frame type.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yueling_frames_total",
		Help: "Total number of inbound WebSocket frames",
	}, []string{"type"})

	// HTTPDuration records HTTP API request latency in seconds, labeled
	// by route.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yueling_http_duration_seconds",
		Help:    "HTTP API request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route"})

	// FriendRequestsTotal counts filed friend requests, labeled by
	// outcome: "created", "accepted", or "rejected".
	FriendRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yueling_friend_requests_total",
		Help: "Total number of friend request operations",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		FramesTotal,
		HTTPDuration,
		FriendRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
