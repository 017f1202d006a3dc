package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nexabank/advisor/internal/config"
	"github.com/nexabank/advisor/internal/llm"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilSafe(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.LLMRequestsTotal.WithLabelValues("openai", "success").Inc()
	m.LLMRequestsTotal.WithLabelValues("openai", "success").Inc()
	m.LLMRequestsTotal.WithLabelValues("openai", "error").Inc()
	m.ToolInvocationsTotal.WithLabelValues("customer_details", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/ask", "200").Inc()

	if got := counterValue(t, m.Registry, "advisor_llm_requests_total", prometheus.Labels{"provider": "openai", "status": "success"}); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "advisor_llm_requests_total", prometheus.Labels{"provider": "openai", "status": "error"}); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "advisor_tool_invocations_total", prometheus.Labels{"tool": "customer_details", "status": "success"}); got != 1 {
		t.Errorf("tool count = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "advisor_http_requests_total", prometheus.Labels{"method": "POST", "path": "/v1/ask", "status_code": "200"}); got != 1 {
		t.Errorf("http count = %v, want 1", got)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("docs", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["docs"].Status != "ok" {
		t.Errorf("docs check = %q, want ok", status.Checks["docs"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{
		name: "test",
		resp: &llm.Response{
			Content: "hello",
			Usage:   llm.Usage{InputTokens: 10, OutputTokens: 20},
		},
	}

	p := NewInstrumentedProvider(inner, metrics, nil)
	resp, err := p.Complete(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Content)
	}
	if inner.called != 1 {
		t.Errorf("inner called %d times, want 1", inner.called)
	}

	if val := counterValue(t, metrics.Registry, "advisor_llm_requests_total", prometheus.Labels{"provider": "test", "status": "success"}); val != 1 {
		t.Errorf("requests_total = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "advisor_llm_tokens_used_total", prometheus.Labels{"provider": "test", "direction": "output"}); val != 20 {
		t.Errorf("output tokens = %v, want 20", val)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{name: "test", err: errors.New("api error")}

	p := NewInstrumentedProvider(inner, metrics, nil)
	if _, err := p.Complete(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}

	if val := counterValue(t, metrics.Registry, "advisor_llm_requests_total", prometheus.Labels{"provider": "test", "status": "error"}); val != 1 {
		t.Errorf("error requests_total = %v, want 1", val)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	inner := &mockProvider{name: "test", resp: &llm.Response{Content: "ok"}}

	// nil metrics must not panic.
	p := NewInstrumentedProvider(inner, nil, nil)
	resp, err := p.Complete(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

// --- InstrumentedTool ---

type mockTool struct {
	name   string
	answer string
	err    error
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Description() string { return "mock" }
func (m *mockTool) Invoke(ctx context.Context, question string) (string, error) {
	return m.answer, m.err
}

func TestInstrumentedTool_RecordsOutcome(t *testing.T) {
	metrics := NewMetricsCollector()

	ok := NewInstrumentedTool(&mockTool{name: "rates", answer: "4.25%"}, metrics, nil)
	if answer, err := ok.Invoke(context.Background(), "what is the ISA rate?"); err != nil || answer != "4.25%" {
		t.Fatalf("unexpected result: %q, %v", answer, err)
	}

	failing := NewInstrumentedTool(&mockTool{name: "rates", err: errors.New("index empty")}, metrics, nil)
	if _, err := failing.Invoke(context.Background(), "rate?"); err == nil {
		t.Fatal("expected error")
	}

	if val := counterValue(t, metrics.Registry, "advisor_tool_invocations_total", prometheus.Labels{"tool": "rates", "status": "success"}); val != 1 {
		t.Errorf("success invocations = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "advisor_tool_invocations_total", prometheus.Labels{"tool": "rates", "status": "error"}); val != 1 {
		t.Errorf("error invocations = %v, want 1", val)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	if val := counterValue(t, metrics.Registry, "advisor_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"}); val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
