// Package httpapi implements the HTTP API gateway for the advisor service.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Per-client rate limiting via token bucket
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/nexabank/advisor/internal/observability"
	"github.com/nexabank/advisor/internal/ratelimit"
	"github.com/nexabank/advisor/internal/storage"
	"github.com/nexabank/advisor/internal/workflow"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Engine runs one question-answering workflow per request.
// Implemented by workflow.Engine.
type Engine interface {
	Run(ctx context.Context, query string, sink workflow.Sink) (*workflow.Result, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool              // Serve OpenAPI documentation.
	APIKeys        map[string]string // API key to client ID mapping. Empty = no auth.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	engine  Engine
	store   *storage.Store // nil = run history endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	sseEnabled bool

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, engine Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		engine:  engine,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithRunHistory attaches the persisted run store, enabling the /v1/runs endpoints.
func (g *Gateway) WithRunHistory(store *storage.Store) *Gateway {
	g.store = store
	return g
}

// WithSSE enables the SSE streaming endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Advisor",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/ask", g.handleAsk,
		okapi.DocSummary("Answer a customer question"),
		okapi.DocTags("Ask"),
		okapi.DocRequestBody(AskRequest{}),
		okapi.DocResponse(AskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	if g.sseEnabled {
		g.group.Post("/ask/stream", g.handleAskStream,
			okapi.DocSummary("Answer a customer question, streaming progress via SSE"),
			okapi.DocTags("Ask"),
			okapi.DocRequestBody(AskRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	if g.store != nil {
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("List recent runs"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]RunSummary{}),
		)
		g.group.Get("/runs/{id}", g.handleRunGet,
			okapi.DocSummary("Get a run with its answer history"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse(RunDetail{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // Runs may take minutes; SSE keeps the connection open.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// AskRequest is the JSON body for POST /v1/ask.
type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse is the JSON response for POST /v1/ask.
type AskResponse struct {
	RunID        string `json:"run_id"`
	Answer       string `json:"answer"`
	ReviewPasses int    `json:"review_passes"`
	Fallback     bool   `json:"fallback,omitempty"` // Decomposition fell back to the raw question.
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

func (g *Gateway) handleAsk(c *okapi.Context) error {
	clientID := g.clientID(c)

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			if g.config.Metrics != nil {
				g.config.Metrics.RateLimitedTotal.Inc()
			}
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("question is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return c.AbortBadRequest("question is required")
	}

	g.logger.Info("http ask",
		slog.String("client_id", clientID),
	)

	result, err := g.engine.Run(c.Context(), req.Question, nil)
	if err != nil {
		if errors.Is(err, workflow.ErrRunTimeout) {
			return c.JSON(http.StatusGatewayTimeout, okapi.M{"error": "run timed out"})
		}
		g.logger.Error("run failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("processing failed")
	}

	return c.OK(AskResponse{
		RunID:        result.RunID,
		Answer:       result.FinalAnswer,
		ReviewPasses: result.ReviewPasses,
		Fallback:     result.Fallback,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		DurationMS:   result.Duration.Milliseconds(),
	})
}

// --- Run history ---

// RunSummary is one run in the GET /v1/runs listing.
type RunSummary struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	State        string    `json:"state"`
	ReviewPasses int       `json:"review_passes"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// RunDetail is the full run returned by GET /v1/runs/{id}.
type RunDetail struct {
	RunSummary
	Outline     string      `json:"outline,omitempty"`
	FinalAnswer string      `json:"final_answer,omitempty"`
	Error       string      `json:"error,omitempty"`
	Answers     []RunAnswer `json:"answers"`
}

// RunAnswer is one (question, answer) pair within a run.
type RunAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Tool     string `json:"tool,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit := 50
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	runs, err := g.store.ListRuns(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}

	resp := make([]RunSummary, len(runs))
	for i, r := range runs {
		resp[i] = runSummary(&r)
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	run, err := g.store.GetRun(c.Context(), c.Param("id"))
	if err != nil {
		g.logger.Error("loading run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading run failed")
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	}

	detail := RunDetail{
		RunSummary:  runSummary(run),
		Outline:     run.Outline,
		FinalAnswer: run.FinalAnswer,
		Error:       run.Error,
		Answers:     make([]RunAnswer, len(run.Answers)),
	}
	for i, a := range run.Answers {
		detail.Answers[i] = RunAnswer{
			Question: a.Question,
			Answer:   a.Answer,
			Tool:     a.Tool,
			Failed:   a.Failed,
		}
	}
	return c.OK(detail)
}

func runSummary(r *storage.RunModel) RunSummary {
	return RunSummary{
		ID:           r.ID,
		Query:        r.Query,
		State:        r.State,
		ReviewPasses: r.ReviewPasses,
		StartedAt:    r.StartedAt,
		DurationMS:   r.DurationMS,
	}
}

// --- Probes ---

// HealthResponse is the JSON response for the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key when keys are configured and stores the
// resolved client ID on the context. Without configured keys, clients are
// identified by remote address for rate limiting.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// clientID resolves the rate-limiting identity for a request.
func (g *Gateway) clientID(c *okapi.Context) string {
	if id := c.GetString("clientID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}
