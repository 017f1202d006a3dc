package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexabank/advisor/internal/llm"
	"github.com/nexabank/advisor/internal/tools"
)

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps a completion provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{inner: inner, metrics: metrics, tracer: tracer}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.complete",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.Complete(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// InstrumentedTool wraps a tools.Tool with metrics and tracing.
type InstrumentedTool struct {
	inner   tools.Tool
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedTool wraps an answer tool with observability.
func NewInstrumentedTool(inner tools.Tool, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedTool {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedTool{inner: inner, metrics: metrics, tracer: tracer}
}

func (t *InstrumentedTool) Name() string        { return t.inner.Name() }
func (t *InstrumentedTool) Description() string { return t.inner.Description() }

func (t *InstrumentedTool) Invoke(ctx context.Context, question string) (string, error) {
	name := t.inner.Name()

	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "tool.invoke",
			trace.WithAttributes(
				attribute.String("tool.name", name),
			))
		defer span.End()
	}

	start := time.Now()
	answer, err := t.inner.Invoke(ctx, question)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if t.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if t.metrics != nil {
		t.metrics.ToolInvocationsTotal.WithLabelValues(name, status).Inc()
		t.metrics.ToolInvocationDuration.WithLabelValues(name).Observe(duration)
	}

	return answer, err
}

var (
	_ llm.Provider = (*InstrumentedProvider)(nil)
	_ tools.Tool   = (*InstrumentedTool)(nil)
)
