package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nexabank/advisor/internal/llm"
	"github.com/nexabank/advisor/internal/tools"
)

type stubProvider struct {
	resp string
	err  error
}

func (s *stubProvider) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.resp}, nil
}

func (s *stubProvider) Name() string { return "stub" }

type fakeTool struct {
	name        string
	description string
	invoked     bool
	answer      string
	err         error
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return f.description }
func (f *fakeTool) Invoke(_ context.Context, _ string) (string, error) {
	f.invoked = true
	return f.answer, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() (*tools.Registry, *fakeTool, *fakeTool, *fakeTool) {
	rates := &fakeTool{name: "account_interest_rates", description: "search the account interest rates from the rate documents", answer: "4.25% AER"}
	customer := &fakeTool{name: "customer_details", description: "search the customer details from the bank customer database", answer: "Bob Brown, Doctor, £2000"}
	pending := &fakeTool{name: "pending_tx_details", description: "search the total amount of pending transactions for a customer", answer: "£165.75"}

	reg := tools.NewRegistry()
	reg.Register(rates)
	reg.Register(customer)
	reg.Register(pending)
	return reg, rates, customer, pending
}

func TestAnswer_ModelPicksTool(t *testing.T) {
	reg, _, customer, _ := testRegistry()
	router := NewRouter(&stubProvider{resp: "customer_details"}, reg, discardLogger())

	answer, toolName, err := router.Answer(context.Background(), "List all the details of Bob Brown?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolName != "customer_details" {
		t.Errorf("expected customer_details, got %q", toolName)
	}
	if !customer.invoked {
		t.Error("expected customer tool to be invoked")
	}
	if answer != "Bob Brown, Doctor, £2000" {
		t.Errorf("unexpected answer %q", answer)
	}
}

func TestAnswer_ModelResponseWithProse(t *testing.T) {
	reg, rates, _, _ := testRegistry()
	router := NewRouter(&stubProvider{resp: "The best tool is account_interest_rates."}, reg, discardLogger())

	_, toolName, err := router.Answer(context.Background(), "Whats the Cash ISA rate?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolName != "account_interest_rates" || !rates.invoked {
		t.Errorf("expected rates tool, got %q", toolName)
	}
}

func TestAnswer_KeywordFallbackOnProviderError(t *testing.T) {
	reg, _, _, pending := testRegistry()
	router := NewRouter(&stubProvider{err: errors.New("down")}, reg, discardLogger())

	_, toolName, err := router.Answer(context.Background(), "What is the total amount of pending transactions for C001?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolName != "pending_tx_details" || !pending.invoked {
		t.Errorf("expected pending tool via keyword fallback, got %q", toolName)
	}
}

func TestAnswer_DefaultsToFirstTool(t *testing.T) {
	reg, rates, _, _ := testRegistry()
	// Unknown tool name from the model and a question with no keyword overlap.
	router := NewRouter(&stubProvider{resp: "no_such_tool"}, reg, discardLogger())

	_, toolName, err := router.Answer(context.Background(), "zzz qqq")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolName != "account_interest_rates" || !rates.invoked {
		t.Errorf("expected first tool as default, got %q", toolName)
	}
}

func TestAnswer_ToolErrorPropagates(t *testing.T) {
	reg := tools.NewRegistry()
	failing := &fakeTool{name: "only_tool", description: "the only tool", err: errors.New("backend timeout")}
	reg.Register(failing)
	router := NewRouter(&stubProvider{resp: "only_tool"}, reg, discardLogger())

	_, toolName, err := router.Answer(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected tool error to propagate")
	}
	if toolName != "only_tool" {
		t.Errorf("expected tool name even on failure, got %q", toolName)
	}
}

func TestNewRouter_EmptyRegistryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for empty registry")
		}
	}()
	NewRouter(&stubProvider{}, tools.NewRegistry(), discardLogger())
}
