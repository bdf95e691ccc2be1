package host

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's Prometheus collectors. Each Metrics owns its
// registry so several hosts can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	requests     *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	rateLimited  prometheus.Counter
	sessions     prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpbridge_host_tool_calls_total",
				Help: "Inbound tool calls by tool, decision and outcome",
			},
			[]string{"tool", "decision", "success"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpbridge_host_tool_call_duration_seconds",
				Help:    "Inbound tool call latency",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"tool"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpbridge_host_requests_total",
				Help: "Inbound JSON-RPC requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpbridge_host_http_requests_total",
				Help: "Host HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcpbridge_host_rate_limited_total",
			Help: "Host HTTP requests rejected by the rate limiter",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpbridge_host_sessions",
			Help: "Live inbound MCP sessions",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) recordToolCall(tool string, decision Decision, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, string(decision), strconv.FormatBool(success)).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) recordRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) recordHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) recordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
