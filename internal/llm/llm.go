// Package llm defines the provider-agnostic interface for text completion.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable wraps any provider transport or API failure. The workflow
// treats a completion failure during decomposition, synthesis, or review as
// fatal to the run, so callers need a single error class to test against.
var ErrUnavailable = errors.New("completion service unavailable")

// Provider is the abstraction over any completion backend (OpenAI, Gemini, etc.).
type Provider interface {
	// Complete sends a prompt to the model and returns its completion.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request is a single completion call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64 // 0 = provider default
}

// NewPromptRequest builds a single-turn user request, the common case for
// workflow steps that send one prompt and read one completion.
func NewPromptRequest(system, prompt string) *Request {
	return &Request{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
	}
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the model returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates usage from another response.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
