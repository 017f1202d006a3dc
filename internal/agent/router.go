// Package agent implements the tool-routing agent: given one sub-question it
// picks exactly one answer tool from the registry and invokes it.
//
// Routing never fails a run. The model is asked to name a tool; if its answer
// does not match a registered tool, keyword overlap against the tool
// descriptions decides; if that is inconclusive too, the first registered
// tool is used.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/nexabank/advisor/internal/llm"
	"github.com/nexabank/advisor/internal/tools"
)

// Router selects and invokes one answer tool per sub-question.
type Router struct {
	provider llm.Provider
	registry *tools.Registry
	logger   *slog.Logger
}

// NewRouter creates a Router. The registry must hold at least one tool.
func NewRouter(provider llm.Provider, registry *tools.Registry, logger *slog.Logger) *Router {
	if registry.Len() == 0 {
		panic("Router requires at least one registered tool")
	}
	return &Router{provider: provider, registry: registry, logger: logger}
}

// Answer routes the question to a tool and returns the tool's answer.
// The returned tool name identifies which tool produced the answer.
func (r *Router) Answer(ctx context.Context, question string) (answer, toolName string, err error) {
	tool := r.pick(ctx, question)
	answer, err = tool.Invoke(ctx, question)
	return answer, tool.Name(), err
}

// pick chooses a tool for the question.
func (r *Router) pick(ctx context.Context, question string) tools.Tool {
	if tool := r.pickByModel(ctx, question); tool != nil {
		return tool
	}
	if tool := r.pickByKeywords(question); tool != nil {
		r.logger.DebugContext(ctx, "tool picked by keyword overlap",
			slog.String("tool", tool.Name()),
		)
		return tool
	}
	first := r.registry.All()[0]
	r.logger.DebugContext(ctx, "tool routing defaulted to first tool",
		slog.String("tool", first.Name()),
	)
	return first
}

func (r *Router) pickByModel(ctx context.Context, question string) tools.Tool {
	var sb strings.Builder
	for _, t := range r.registry.All() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
	}

	prompt := fmt.Sprintf(`Pick the single best tool to answer the question.
Respond with the tool name only, nothing else.

Tools:
%s
Question: %s`, sb.String(), question)

	resp, err := r.provider.Complete(ctx, llm.NewPromptRequest("", prompt))
	if err != nil {
		r.logger.WarnContext(ctx, "tool routing completion failed, using keyword fallback",
			slog.String("error", err.Error()),
		)
		return nil
	}

	name := strings.TrimSpace(resp.Content)
	if tool := r.registry.Get(name); tool != nil {
		return tool
	}

	// Be tolerant of responses that wrap the name in punctuation or prose.
	for _, t := range r.registry.All() {
		if strings.Contains(name, t.Name()) {
			return t
		}
	}

	r.logger.WarnContext(ctx, "tool routing response did not name a tool",
		slog.String("response", name),
	)
	return nil
}

// pickByKeywords scores each tool by token overlap between the question and
// the tool's name plus description. Returns nil when no tool scores above zero.
func (r *Router) pickByKeywords(question string) tools.Tool {
	questionTokens := tokenize(question)
	if len(questionTokens) == 0 {
		return nil
	}

	var best tools.Tool
	bestScore := 0
	for _, t := range r.registry.All() {
		toolTokens := make(map[string]bool)
		for _, tok := range tokenize(t.Name() + " " + t.Description()) {
			toolTokens[tok] = true
		}
		score := 0
		for _, qt := range questionTokens {
			if toolTokens[qt] {
				score++
			}
		}
		if score > bestScore {
			best = t
			bestScore = score
		}
	}
	return best
}

// tokenize splits text into lowercase word tokens of three or more characters.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	result := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 {
			result = append(result, w)
		}
	}
	return result
}
