// Package config handles loading and validating advisor configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the advisor service.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.advisor/data. Override: ADVISOR_DATA_DIR env var.
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Workflow      WorkflowConfig       `json:"workflow" yaml:"workflow"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Documents     DocumentsConfig      `json:"documents" yaml:"documents"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ProvidersConfig selects the completion backends.
type ProvidersConfig struct {
	Default  string       `json:"default" yaml:"default"`                       // "openai", "gemini", "ollama". Empty = "openai".
	Fallback []string     `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
	Gemini   GeminiConfig `json:"gemini" yaml:"gemini"`
	Ollama   OllamaConfig `json:"ollama" yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN string `json:"dsn" yaml:"dsn"` // Override: ADVISOR_DB_DSN env var.
}

// WorkflowConfig tunes the question-answering engine.
type WorkflowConfig struct {
	RunTimeoutSeconds      int `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`           // Default: 300.
	QuestionTimeoutSeconds int `json:"question_timeout_seconds" yaml:"question_timeout_seconds"` // Default: 60.
	MaxReviewPasses        int `json:"max_review_passes" yaml:"max_review_passes"`               // Default: 3.
	MaxConcurrent          int `json:"max_concurrent" yaml:"max_concurrent"`                     // Default: 4.
}

// RunTimeout returns the whole-run timeout with a default of 5m.
func (w WorkflowConfig) RunTimeout() time.Duration {
	if w.RunTimeoutSeconds > 0 {
		return time.Duration(w.RunTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// QuestionTimeout returns the per-question timeout with a default of 60s.
func (w WorkflowConfig) QuestionTimeout() time.Duration {
	if w.QuestionTimeoutSeconds > 0 {
		return time.Duration(w.QuestionTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	SSE                 bool              `json:"sse" yaml:"sse"`                 // Enable SSE streaming endpoint.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"` // Serve OpenAPI documentation.
	APIKeyClientMapping map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key to client ID. Empty = no auth. Merged with ADVISOR_API_KEYS.
}

// Addr returns the listen address with a default of ":8080".
func (g GatewayConfig) Addr() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-client rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DocumentsConfig locates the rate documents and the pending transaction file.
type DocumentsConfig struct {
	Dir             string `json:"dir" yaml:"dir"`                           // Directory of rate documents (.md/.txt). Override: ADVISOR_DOCS_DIR env var.
	PendingTxPath   string `json:"pending_tx_path" yaml:"pending_tx_path"`   // CSV of pending transactions. Override: ADVISOR_PENDING_TX env var.
	RefreshSchedule string `json:"refresh_schedule" yaml:"refresh_schedule"` // Cron expression for re-ingest and index refresh. Empty = no refresh.
}

// ToolsConfig configures individual answer tools.
type ToolsConfig struct {
	Customer CustomerToolConfig `json:"customer" yaml:"customer"`
}

// CustomerToolConfig configures the customer lookup tool.
type CustomerToolConfig struct {
	DSN            string `json:"dsn,omitempty" yaml:"dsn,omitempty"` // Dedicated PostgreSQL DSN. Empty = the run store's handle. Override: ADVISOR_CUSTOMER_DSN env var.
	MaxRows        int    `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "advisor"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// DefaultConfigPath returns the default config file path (~/.advisor/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/advisor.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".advisor", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and data paths can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variables over config file values.
func (c *Config) applyEnvOverrides() {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		c.Providers.Gemini.APIKey = envKey
	}
	if envDD := os.Getenv("ADVISOR_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("ADVISOR_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envDir := os.Getenv("ADVISOR_DOCS_DIR"); envDir != "" {
		c.Documents.Dir = envDir
	}
	if envPath := os.Getenv("ADVISOR_PENDING_TX"); envPath != "" {
		c.Documents.PendingTxPath = envPath
	}
	if envDSN := os.Getenv("ADVISOR_CUSTOMER_DSN"); envDSN != "" {
		c.Tools.Customer.DSN = envDSN
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".advisor", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the effective SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "advisor.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("fallback provider: %w", err)
		}
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set ADVISOR_DB_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Workflow.MaxReviewPasses < 0 {
		return fmt.Errorf("workflow.max_review_passes must not be negative")
	}
	if c.Workflow.MaxConcurrent < 0 {
		return fmt.Errorf("workflow.max_concurrent must not be negative")
	}
	if c.Gateway.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("gateway.rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

// validateProvider checks that the named completion provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use openai, gemini, or ollama)", name)
	}
	return nil
}
