// Package customer implements the customer-record lookup tool.
//
// The completion provider translates the natural-language question into a
// single SELECT over the customer table; the statement is validated as
// read-only before execution and the result rows are summarized back into
// natural language.
//
// Security:
//   - Only single SELECT/WITH statements are executed
//   - All write/DDL statements blocked (INSERT, UPDATE, DELETE, DROP, ...)
//   - Query timeout enforced via context
//   - Row limit enforced to prevent OOM
package customer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for dedicated-DSN mode.

	"github.com/nexabank/advisor/internal/llm"
	"github.com/nexabank/advisor/internal/tools"
)

// ToolName is the registry identifier for this tool.
const ToolName = "customer_details"

// Default limits.
const (
	defaultMaxRows    = 100
	defaultTimeoutSec = 30
)

// schemaDescription is shown to the model when generating SQL.
const schemaDescription = `Table "customers":
  customer_id          TEXT PRIMARY KEY  -- e.g. "C001"
  customer_name        TEXT
  customer_address     TEXT
  customer_phone       TEXT
  customer_email       TEXT
  customer_dob         TEXT              -- ISO date, e.g. "1985-05-15"
  customer_gender      TEXT
  customer_nationality TEXT
  customer_occupation  TEXT
  customer_income      TEXT              -- formatted with currency, e.g. "£70000"
  account_balance      TEXT              -- formatted with currency, e.g. "£2000"`

// blockedPrefixes are SQL statement prefixes that indicate write/DDL operations.
var blockedPrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "ATTACH", "DETACH", "PRAGMA",
}

// allowedPrefixes are the only SQL statement prefixes permitted.
var allowedPrefixes = []string{"SELECT", "WITH"}

// Config holds customer tool settings.
type Config struct {
	DSN            string // Optional dedicated PostgreSQL DSN. Empty = use the shared handle.
	MaxRows        int    // Maximum rows returned per query. Default: 100.
	TimeoutSeconds int    // Per-query timeout. Default: 30.
}

// Tool answers customer questions by generating and running read-only SQL.
type Tool struct {
	config   Config
	provider llm.Provider
	db       *sql.DB
	logger   *slog.Logger
}

var _ tools.Tool = (*Tool)(nil)

// NewTool creates a customer lookup tool. db is typically the run store's
// underlying connection; it may be nil when cfg.DSN is set, in which case a
// dedicated PostgreSQL connection is opened lazily on first use.
func NewTool(cfg Config, provider llm.Provider, db *sql.DB, logger *slog.Logger) *Tool {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSec
	}
	return &Tool{config: cfg, provider: provider, db: db, logger: logger}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "search the customer details from the bank customer database which contains customer and account information in a SQL database"
}

// Invoke translates the question to SQL, executes it read-only, and
// summarizes the rows into a natural-language answer.
func (t *Tool) Invoke(ctx context.Context, question string) (string, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}

	query, err := t.generateSQL(ctx, question)
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}

	if err := validateReadOnly(query); err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}

	timeout := time.Duration(t.config.TimeoutSeconds) * time.Second
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.logger.InfoContext(ctx, "customer lookup executing",
		slog.String("query", truncateQuery(query, 120)),
	)

	rows, err := t.db.QueryContext(queryCtx, query)
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: fmt.Errorf("query execution: %w", err)}
	}
	defer rows.Close()

	table, rowCount, err := formatRows(rows, t.config.MaxRows)
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: fmt.Errorf("reading results: %w", err)}
	}
	if rowCount == 0 {
		return "No matching customer records were found.", nil
	}

	answer, err := t.summarize(ctx, question, table)
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}
	return answer, nil
}

func (t *Tool) generateSQL(ctx context.Context, question string) (string, error) {
	prompt := fmt.Sprintf(`Translate the question into a single SQL SELECT statement.

%s

Rules:
- Return only the SQL statement, no explanation and no code fences.
- Read-only: SELECT (or WITH ... SELECT) only.
- One statement, no trailing semicolon needed.
- Match names case-insensitively where sensible.

Question: %s`, schemaDescription, question)

	resp, err := t.provider.Complete(ctx, llm.NewPromptRequest("", prompt))
	if err != nil {
		return "", fmt.Errorf("generating SQL: %w", err)
	}
	return stripSQLFences(resp.Content), nil
}

func (t *Tool) summarize(ctx context.Context, question, table string) (string, error) {
	prompt := fmt.Sprintf(`Answer the customer's question from the query results below.
Be concise and include the relevant values.

Question: %s

Results (tab-separated, first row is the header):
%s`, question, table)

	resp, err := t.provider.Complete(ctx, llm.NewPromptRequest("", prompt))
	if err != nil {
		return "", fmt.Errorf("summarizing results: %w", err)
	}
	return tools.TruncateOutput(resp.Content, tools.MaxOutputBytes), nil
}

// ensureConnected opens a dedicated connection when a DSN is configured and
// no handle has been provided.
func (t *Tool) ensureConnected(ctx context.Context) error {
	if t.db != nil {
		return t.db.PingContext(ctx)
	}
	if t.config.DSN == "" {
		return fmt.Errorf("customer database not configured")
	}

	db, err := sql.Open("pgx", t.config.DSN)
	if err != nil {
		return fmt.Errorf("opening customer database: %w", err)
	}
	// Conservative pool for a tool (not a web server).
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging customer database: %w", err)
	}

	t.db = db
	return nil
}

// stripSQLFences removes a surrounding markdown code fence from a generated
// statement, if present.
func stripSQLFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```sql")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// validateReadOnly checks that a SQL statement is safe for read-only execution.
func validateReadOnly(query string) error {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return fmt.Errorf("query must not be empty")
	}

	normalized = stripLeadingComments(normalized)
	upper := strings.ToUpper(normalized)

	// Check against blocked prefixes first for clear error messages.
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed (read-only mode)", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(allowedPrefixes, ", "))
	}

	// Block multiple statements (semicolons not at the end).
	trimmed := strings.TrimRight(normalized, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multiple statements not allowed; submit one query at a time")
	}

	return nil
}

// stripLeadingComments removes SQL comments from the beginning of a query.
func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

// formatRows reads SQL rows and formats them as a tab-separated table with headers.
func formatRows(rows *sql.Rows, maxRows int) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("getting columns: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	rowCount := 0
	for rows.Next() {
		if rowCount >= maxRows {
			fmt.Fprintf(&sb, "\n... [results truncated at %d rows]", maxRows)
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return "", rowCount, fmt.Errorf("scanning row %d: %w", rowCount, err)
		}
		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(formatValue(v))
		}
		sb.WriteString("\n")
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return "", rowCount, err
	}
	return sb.String(), rowCount, nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truncateQuery(q string, n int) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) <= n {
		return q
	}
	return q[:n] + "..."
}
