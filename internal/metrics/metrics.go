// Package metrics exposes Prometheus instrumentation for the relay and the
// session surface.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drawbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChannelsActive tracks the number of live channels in the registry
	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_channels_active",
			Help: "Number of channels with at least one connection",
		},
	)

	// PeersConnected tracks channels with a registered peer
	PeersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_peers_connected",
			Help: "Number of connected controlled peers",
		},
	)

	// CallersConnected tracks caller sockets across all channels
	CallersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_callers_connected",
			Help: "Number of connected caller sockets",
		},
	)

	// FramesRelayed counts frames moved through the registry by direction
	FramesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_frames_relayed_total",
			Help: "Total frames relayed through the channel registry",
		},
		[]string{"direction"},
	)

	// BridgeCalls counts bridge RPC calls by terminal state
	BridgeCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_bridge_calls_total",
			Help: "Total bridge RPC calls by outcome",
		},
		[]string{"outcome"},
	)

	// BridgeCallDuration tracks settled bridge call latency
	BridgeCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drawbridge_bridge_call_duration_seconds",
			Help:    "Bridge call duration from send to settlement",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// SessionsActive tracks live sessions on the session-routed surface
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_sessions_active",
			Help: "Number of active protocol sessions",
		},
	)

	// ToolCalls counts tool invocations on the session surface
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_tool_calls_total",
			Help: "Total tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses paths to their first segment to bound label
// cardinality.
func normalizePath(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
