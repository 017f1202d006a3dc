package pendingtx

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexabank/advisor/internal/llm"
)

const testCSV = `customer_id,transaction_id,date,description,amount
C001,TX1001,2025-02-10,Utility bill,120.50
C001,TX1002,2025-02-12,Grocery store,45.25
C002,TX1003,2025-02-11,Card payment,300.00
C003,TX1004,2025-02-13,Standing order,75.10
`

type stubProvider struct {
	lastPrompt string
	resp       string
}

func (s *stubProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.lastPrompt = req.Messages[0].Content
	return &llm.Response{Content: s.resp}, nil
}

func (s *stubProvider) Name() string { return "stub" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTestCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pending_tx.csv")
	if err := os.WriteFile(path, []byte(testCSV), 0600); err != nil {
		t.Fatalf("writing test csv: %v", err)
	}
	return path
}

func TestInvoke_TotalForCustomerID(t *testing.T) {
	tool := NewTool(writeTestCSV(t), &stubProvider{}, discardLogger())

	answer, err := tool.Invoke(context.Background(), "What is the total amount of pending transactions for customer id C001?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(answer, "£165.75") {
		t.Errorf("expected total £165.75, got %q", answer)
	}
	if !strings.Contains(answer, "2 pending transaction") {
		t.Errorf("expected count of 2, got %q", answer)
	}
}

func TestInvoke_BreakdownRequested(t *testing.T) {
	tool := NewTool(writeTestCSV(t), &stubProvider{}, discardLogger())

	answer, err := tool.Invoke(context.Background(), "List the pending transactions for C001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(answer, "TX1001") || !strings.Contains(answer, "TX1002") {
		t.Errorf("expected individual transactions listed, got %q", answer)
	}
}

func TestInvoke_UnknownCustomer(t *testing.T) {
	tool := NewTool(writeTestCSV(t), &stubProvider{}, discardLogger())

	answer, err := tool.Invoke(context.Background(), "Pending transactions for C999?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(answer, "no pending transactions") {
		t.Errorf("expected no-transactions answer, got %q", answer)
	}
}

func TestInvoke_NoCustomerIDGoesToProvider(t *testing.T) {
	provider := &stubProvider{resp: "The largest pending transaction is £300.00."}
	tool := NewTool(writeTestCSV(t), provider, discardLogger())

	answer, err := tool.Invoke(context.Background(), "Which pending transaction is the largest?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "The largest pending transaction is £300.00." {
		t.Errorf("unexpected answer %q", answer)
	}
	if !strings.Contains(provider.lastPrompt, "TX1003") {
		t.Error("expected the table in the provider prompt")
	}
}

func TestInvoke_MissingFile(t *testing.T) {
	tool := NewTool(filepath.Join(t.TempDir(), "missing.csv"), &stubProvider{}, discardLogger())
	if _, err := tool.Invoke(context.Background(), "total for C001"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseCSV_MissingColumn(t *testing.T) {
	_, err := parseCSV(strings.NewReader("customer_id,description\nC001,x\n"))
	if err == nil || !strings.Contains(err.Error(), "amount") {
		t.Errorf("expected missing amount column error, got %v", err)
	}
}

func TestParseCSV_BadAmount(t *testing.T) {
	_, err := parseCSV(strings.NewReader("customer_id,amount\nC001,notanumber\n"))
	if err == nil {
		t.Error("expected error for invalid amount")
	}
}
