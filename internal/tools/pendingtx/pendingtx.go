// Package pendingtx implements the pending-transaction aggregation tool.
//
// Pending transactions live in a CSV file with the columns
// customer_id, transaction_id, date, description, amount. Questions naming a
// customer ID are answered by direct aggregation; anything else is handed to
// the completion provider together with the full table.
package pendingtx

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/nexabank/advisor/internal/llm"
	"github.com/nexabank/advisor/internal/tools"
)

// ToolName is the registry identifier for this tool.
const ToolName = "pending_tx_details"

// Transaction is one pending transaction row.
type Transaction struct {
	CustomerID    string
	TransactionID string
	Date          string
	Description   string
	Amount        float64
}

// customerIDPattern matches customer identifiers like "C001".
var customerIDPattern = regexp.MustCompile(`(?i)\bC\d{3,}\b`)

// Tool answers pending-transaction questions from a CSV table.
type Tool struct {
	path     string
	provider llm.Provider
	logger   *slog.Logger

	mu  sync.RWMutex
	txs []Transaction
}

var _ tools.Tool = (*Tool)(nil)

// NewTool creates the pending-transaction tool reading from the CSV at path.
// The file is loaded lazily on first Invoke; call Reload to load it eagerly.
func NewTool(path string, provider llm.Provider, logger *slog.Logger) *Tool {
	return &Tool{path: path, provider: provider, logger: logger}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "search the total amount of pending transactions for a customer from the pending transactions table"
}

// Reload re-reads the CSV file.
func (t *Tool) Reload(ctx context.Context) error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("opening pending transactions file: %w", err)
	}
	defer f.Close()

	txs, err := parseCSV(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.txs = txs
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "pending transactions loaded",
		slog.String("path", t.path),
		slog.Int("rows", len(txs)),
	)
	return nil
}

// Invoke answers a pending-transaction question.
func (t *Tool) Invoke(ctx context.Context, question string) (string, error) {
	txs, err := t.current(ctx)
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}

	if id := customerIDPattern.FindString(question); id != "" {
		return t.answerForCustomer(strings.ToUpper(id), question, txs), nil
	}

	// No customer ID in the question: let the model read the table.
	answer, err := t.answerFromTable(ctx, question, txs)
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}
	return answer, nil
}

func (t *Tool) current(ctx context.Context) ([]Transaction, error) {
	t.mu.RLock()
	txs := t.txs
	t.mu.RUnlock()
	if txs != nil {
		return txs, nil
	}
	if err := t.Reload(ctx); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.txs, nil
}

func (t *Tool) answerForCustomer(id, question string, txs []Transaction) string {
	var total float64
	var matched []Transaction
	for _, tx := range txs {
		if strings.EqualFold(tx.CustomerID, id) {
			total += tx.Amount
			matched = append(matched, tx)
		}
	}
	if len(matched) == 0 {
		return fmt.Sprintf("Customer %s has no pending transactions.", id)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Customer %s has %d pending transaction(s) totalling £%.2f.",
		id, len(matched), total)

	if wantsBreakdown(question) {
		sb.WriteString("\n")
		for _, tx := range matched {
			fmt.Fprintf(&sb, "\n- %s (%s): %s, £%.2f", tx.TransactionID, tx.Date, tx.Description, tx.Amount)
		}
	}
	return sb.String()
}

func (t *Tool) answerFromTable(ctx context.Context, question string, txs []Transaction) (string, error) {
	var sb strings.Builder
	sb.WriteString("customer_id\ttransaction_id\tdate\tdescription\tamount\n")
	for _, tx := range txs {
		fmt.Fprintf(&sb, "%s\t%s\t%s\t%s\t%.2f\n",
			tx.CustomerID, tx.TransactionID, tx.Date, tx.Description, tx.Amount)
	}

	prompt := fmt.Sprintf(`Answer the question from the pending transactions table below.
Amounts are in GBP. Round totals to 2 decimal places.

Table (tab-separated, first row is the header):
%s
Question: %s`, sb.String(), question)

	resp, err := t.provider.Complete(ctx, llm.NewPromptRequest("", prompt))
	if err != nil {
		return "", err
	}
	return tools.TruncateOutput(resp.Content, tools.MaxOutputBytes), nil
}

// wantsBreakdown reports whether the question asks for individual transactions
// rather than just a total.
func wantsBreakdown(question string) bool {
	q := strings.ToLower(question)
	for _, kw := range []string{"list", "detail", "each", "breakdown", "individual", "show"} {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// parseCSV reads pending transactions from CSV data with a header row.
func parseCSV(r io.Reader) ([]Transaction, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"customer_id", "amount"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	var txs []Transaction
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", line, err)
		}
		line++

		amount, err := strconv.ParseFloat(strings.TrimSpace(field(record, col, "amount")), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid amount %q", line, field(record, col, "amount"))
		}

		txs = append(txs, Transaction{
			CustomerID:    strings.ToUpper(strings.TrimSpace(field(record, col, "customer_id"))),
			TransactionID: strings.TrimSpace(field(record, col, "transaction_id")),
			Date:          strings.TrimSpace(field(record, col, "date")),
			Description:   strings.TrimSpace(field(record, col, "description")),
			Amount:        amount,
		})
	}
	return txs, nil
}

func field(record []string, col map[string]int, name string) string {
	idx, ok := col[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return record[idx]
}
