package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "majordomo_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "majordomo_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently active sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "majordomo_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// ConnectionsOpen tracks open relay connections
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "majordomo_relay_connections_open",
			Help: "Number of open WebSocket connections",
		},
	)

	// FramesTotal counts relay frames by type and direction
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "majordomo_relay_frames_total",
			Help: "Total number of relay frames",
		},
		[]string{"type", "direction"},
	)

	// AgentRunDuration tracks how long agent runs take
	AgentRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "majordomo_agent_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// AgentRounds tracks capability-invocation rounds per agent run
	AgentRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "majordomo_agent_rounds",
			Help:    "Capability invocation rounds per agent run",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 45, 90},
		},
	)

	// ProviderSpawns counts capability provider process launches
	ProviderSpawns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "majordomo_provider_spawns_total",
			Help: "Total number of capability provider spawns",
		},
		[]string{"provider", "status"},
	)

	// CapabilityCalls counts capability tool invocations
	CapabilityCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "majordomo_capability_calls_total",
			Help: "Total number of capability tool calls",
		},
		[]string{"provider", "status"},
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

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ws", "/metrics", "/auth/google/callback", "/auth/status", "/auth/logout":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFrame records one relay frame
func RecordFrame(frameType, direction string) {
	FramesTotal.WithLabelValues(frameType, direction).Inc()
}

// RecordAgentRun records an agent run outcome
func RecordAgentRun(status string, durationSeconds float64, rounds int) {
	AgentRunDuration.WithLabelValues(status).Observe(durationSeconds)
	AgentRounds.Observe(float64(rounds))
}

// RecordProviderSpawn records a capability provider launch attempt
func RecordProviderSpawn(provider, status string) {
	ProviderSpawns.WithLabelValues(provider, status).Inc()
}

// RecordCapabilityCall records a capability tool invocation
func RecordCapabilityCall(provider, status string) {
	CapabilityCalls.WithLabelValues(provider, status).Inc()
}
