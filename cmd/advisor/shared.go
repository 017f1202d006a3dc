package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nexabank/advisor/internal/agent"
	"github.com/nexabank/advisor/internal/config"
	"github.com/nexabank/advisor/internal/ingest"
	"github.com/nexabank/advisor/internal/llm"
	"github.com/nexabank/advisor/internal/llm/gemini"
	"github.com/nexabank/advisor/internal/llm/openai"
	"github.com/nexabank/advisor/internal/observability"
	"github.com/nexabank/advisor/internal/storage"
	"github.com/nexabank/advisor/internal/tools"
	"github.com/nexabank/advisor/internal/tools/customer"
	"github.com/nexabank/advisor/internal/tools/pendingtx"
	"github.com/nexabank/advisor/internal/tools/rates"
	"github.com/nexabank/advisor/internal/workflow"
)

// SharedComponents holds all initialized subsystems that both server and
// one-shot modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *storage.Store
	Obs      *observability.Observability
	Provider llm.Provider
	ToolReg  *tools.Registry
	Engine   *workflow.Engine
	Ingester *ingest.Ingester

	// Reloaders are the tools rebuilt after each scheduled re-ingest.
	Reloaders []ingest.Reloader

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between server and
// one-shot modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Completion provider.
	provider, err := newProvider(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing completion provider: %w", err)
	}
	logger.Debug("completion provider initialized", slog.String("provider", provider.Name()))

	if obs.MetricsOrNil() != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil())
	}
	sc.Provider = provider

	// Answer tools.
	toolReg, reloaders, err := buildTools(cfg, provider, store, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing tools: %w", err)
	}
	sc.ToolReg = toolReg
	sc.Reloaders = reloaders
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	// Workflow engine.
	var wfMetrics *workflow.Metrics
	if obs.MetricsOrNil() != nil {
		wfMetrics = workflow.NewMetrics(obs.Metrics.Registry)
	}

	router := agent.NewRouter(provider, toolReg, logger)
	sc.Engine = workflow.NewEngine(provider, router, toolDescriptions(toolReg), workflow.EngineConfig{
		RunTimeout:      cfg.Workflow.RunTimeout(),
		QuestionTimeout: cfg.Workflow.QuestionTimeout(),
		MaxReviewPasses: cfg.Workflow.MaxReviewPasses,
		MaxConcurrent:   cfg.Workflow.MaxConcurrent,
	}, store, wfMetrics, logger)

	// Health checks.
	if obs != nil && obs.Health != nil {
		if cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
	}

	sc.Ingester = ingest.New(store, logger)

	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case "postgres":
		return storage.OpenPostgres(cfg.Storage.Postgres.DSN, logger)
	case "sqlite":
		return storage.OpenSQLite(cfg.DatabasePath(), logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// buildTools registers the answer tools enabled by config. The concrete rate
// and pending transaction tools are also returned as reloaders so the
// scheduled refresh can rebuild their in-memory state.
func buildTools(cfg *config.Config, provider llm.Provider, store *storage.Store, obs *observability.Observability, logger *slog.Logger) (*tools.Registry, []ingest.Reloader, error) {
	reg := tools.NewRegistry()
	var reloaders []ingest.Reloader

	instrument := func(t tools.Tool) tools.Tool {
		if obs.MetricsOrNil() != nil {
			return observability.NewInstrumentedTool(t, obs.Metrics, obs.TracerOrNil())
		}
		return t
	}

	// Rate documents: passages come from the store, refreshed by re-ingest.
	loader := rates.LoaderFunc(func(ctx context.Context) ([]rates.Passage, error) {
		models, err := store.ListPassages(ctx)
		if err != nil {
			return nil, err
		}
		passages := make([]rates.Passage, len(models))
		for i, m := range models {
			passages[i] = rates.Passage{Source: m.Source, Text: m.Content}
		}
		return passages, nil
	})
	ratesTool := rates.NewTool(provider, loader, logger)
	reg.Register(instrument(ratesTool))
	reloaders = append(reloaders, ratesTool)

	// Customer records: dedicated PostgreSQL DSN when configured, otherwise
	// the store's database handle.
	customerCfg := customer.Config{
		DSN:            cfg.Tools.Customer.DSN,
		MaxRows:        cfg.Tools.Customer.MaxRows,
		TimeoutSeconds: cfg.Tools.Customer.TimeoutSeconds,
	}
	var db *sql.DB
	if customerCfg.DSN == "" {
		var err error
		db, err = store.SQLDB()
		if err != nil {
			return nil, nil, fmt.Errorf("unwrapping database handle: %w", err)
		}
	}
	reg.Register(instrument(customer.NewTool(customerCfg, provider, db, logger)))

	// Pending transactions: only when the CSV path is configured.
	if cfg.Documents.PendingTxPath != "" {
		txTool := pendingtx.NewTool(cfg.Documents.PendingTxPath, provider, logger)
		reg.Register(instrument(txTool))
		reloaders = append(reloaders, txTool)
	}

	return reg, reloaders, nil
}

// toolDescriptions builds the catalog shown to the decomposition model.
func toolDescriptions(reg *tools.Registry) []workflow.ToolDescription {
	all := reg.All()
	descs := make([]workflow.ToolDescription, len(all))
	for i, t := range all {
		descs[i] = workflow.ToolDescription{Name: t.Name(), Description: t.Description()}
	}
	return descs
}

// newProvider creates the completion provider based on the configured default.
func newProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Build fallback chain if configured.
	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single completion provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
