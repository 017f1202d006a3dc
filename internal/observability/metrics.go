package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds service-level Prometheus metrics.
// Uses a custom registry, no global state. Workflow-level metrics
// register on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Completion provider metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool invocation metrics.
	ToolInvocationsTotal   *prometheus.CounterVec
	ToolInvocationDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total completion API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Completion API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total completion tokens consumed.",
		}, []string{"provider", "direction"}),

		ToolInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "tool",
			Name:      "invocations_total",
			Help:      "Total answer tool invocations.",
		}, []string{"tool", "status"}),

		ToolInvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "tool",
			Name:      "invocation_duration_seconds",
			Help:      "Answer tool invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "advisor",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolInvocationsTotal,
		m.ToolInvocationDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}
