// Package metrics holds the Prometheus collectors for the preview server.
//
// Collectors are registered once with the default registry at package init,
// so every package can record without threading a handle around.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsComposed counts composed documents by mode (fragment, document).
	DocumentsComposed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bncode_documents_composed_total",
			Help: "Total number of composed preview documents",
		},
		[]string{"mode"},
	)

	// HandlesLive is the number of document handles currently servable.
	HandlesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bncode_sandbox_handles_live",
			Help: "Number of live sandbox document handles",
		},
	)

	// RevokeFailures counts handle revocations that failed.
	RevokeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bncode_sandbox_revoke_failures_total",
			Help: "Total number of failed sandbox handle revocations",
		},
	)

	// BridgeMessages counts inbound bridge messages by outcome (accepted, ignored, unrouted).
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bncode_bridge_messages_total",
			Help: "Total number of messages received by the bridge",
		},
		[]string{"outcome"},
	)

	// LogEntriesEvicted counts entries dropped from full log sinks.
	LogEntriesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bncode_log_entries_evicted_total",
			Help: "Total number of console entries evicted from log sinks",
		},
	)

	// PreviewsActive is the number of open preview sessions.
	PreviewsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bncode_previews_active",
			Help: "Number of active preview sessions",
		},
	)

	// WSConnections is the number of open bridge WebSocket connections.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bncode_ws_connections",
			Help: "Number of active bridge WebSocket connections",
		},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bncode_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bncode_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Bridge message outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeIgnored  = "ignored"
	OutcomeUnrouted = "unrouted"
)

// Middleware creates a Gin middleware recording request counts and latency.
// The route template is used as the path label to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
