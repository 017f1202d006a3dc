package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the workflow engine.
// All metrics use the advisor_workflow_ namespace. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RunsTotal             *prometheus.CounterVec
	RunDuration           *prometheus.HistogramVec
	QuestionsTotal        *prometheus.CounterVec
	QuestionDuration      *prometheus.HistogramVec
	ToolFailuresTotal     *prometheus.CounterVec
	DecompositionFallback prometheus.Counter
	ReviewPasses          prometheus.Histogram
	ActiveRuns            prometheus.Gauge
}

// NewMetrics creates and registers workflow metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Total runs by final status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Run total duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		QuestionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "questions_total",
			Help:      "Total sub-questions dispatched by tool.",
		}, []string{"tool"}),

		QuestionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "question_duration_seconds",
			Help:      "Sub-question answer duration in seconds by tool.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),

		ToolFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "tool_failures_total",
			Help:      "Total failed tool invocations recorded as failure markers.",
		}, []string{"tool"}),

		DecompositionFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "decomposition_fallbacks_total",
			Help:      "Total decompositions that fell back to the original query.",
		}),

		ReviewPasses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "review_passes",
			Help:      "Review passes consumed per satisfied run.",
			Buckets:   []float64{1, 2, 3},
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "advisor",
			Subsystem: "workflow",
			Name:      "active_runs",
			Help:      "Number of currently executing runs.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.QuestionsTotal,
		m.QuestionDuration,
		m.ToolFailuresTotal,
		m.DecompositionFallback,
		m.ReviewPasses,
		m.ActiveRuns,
	)
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) runFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) observeQuestion(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.QuestionsTotal.WithLabelValues(tool).Inc()
	m.QuestionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) toolFailure(tool string) {
	if m == nil {
		return
	}
	m.ToolFailuresTotal.WithLabelValues(tool).Inc()
}

func (m *Metrics) decompositionFallback() {
	if m == nil {
		return
	}
	m.DecompositionFallback.Inc()
}

func (m *Metrics) observeReviewPasses(passes int) {
	if m == nil {
		return
	}
	m.ReviewPasses.Observe(float64(passes))
}
