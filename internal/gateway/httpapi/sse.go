package httpapi

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/jkaninda/okapi"

	"github.com/nexabank/advisor/internal/workflow"
)

// handleAskStream handles POST /v1/ask/stream with SSE responses.
// Workflow progress events are forwarded live as they are emitted; the final
// answer arrives as a terminal "done" event.
func (g *Gateway) handleAskStream(c *okapi.Context) error {
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

	// Answer events arrive from dispatch goroutines; the response writer is
	// not safe for concurrent use.
	var mu sync.Mutex
	sink := func(ev workflow.Event) {
		mu.Lock()
		defer mu.Unlock()
		c.SSEvent(string(ev.Type), ev)
	}

	result, err := g.engine.Run(c.Context(), req.Question, sink)
	if err != nil {
		if errors.Is(err, workflow.ErrRunTimeout) {
			c.SSEvent("error", okapi.M{"error": "run timed out"})
			return nil
		}
		g.logger.Error("streamed run failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		c.SSEvent("error", okapi.M{"error": "processing failed"})
		return nil
	}

	c.SSEvent("done", AskResponse{
		RunID:        result.RunID,
		Answer:       result.FinalAnswer,
		ReviewPasses: result.ReviewPasses,
		Fallback:     result.Fallback,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		DurationMS:   result.Duration.Milliseconds(),
	})
	return nil
}
