package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/nexabank/advisor/internal/config"
	"github.com/nexabank/advisor/internal/gateway/httpapi"
	"github.com/nexabank/advisor/internal/ingest"
	"github.com/nexabank/advisor/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `advisor --config path` and `advisor serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the advisor HTTP API server.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("ADVISOR_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting advisor server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial document ingest so the rate index is ready before the first run.
	if cfg.Documents.Dir != "" {
		if _, _, err := sc.Ingester.IngestDir(ctx, cfg.Documents.Dir); err != nil {
			logger.Error("initial document ingest failed",
				slog.String("dir", cfg.Documents.Dir),
				slog.String("error", err.Error()),
			)
		}
		for _, rl := range sc.Reloaders {
			if err := rl.Reload(ctx); err != nil {
				logger.Error("tool reload failed",
					slog.String("tool", rl.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	// Scheduled re-ingest.
	if cfg.Documents.RefreshSchedule != "" && cfg.Documents.Dir != "" {
		refresher, err := ingest.NewRefresher(sc.Ingester, cfg.Documents.Dir, cfg.Documents.RefreshSchedule, logger)
		if err != nil {
			return err
		}
		for _, rl := range sc.Reloaders {
			refresher.AddReloader(rl)
		}
		cancelRefresh := refresher.Start(ctx)
		defer cancelRefresh()
	}

	gw := buildGateway(cfg, sc)

	errs := make(chan error, 1)
	go func() {
		if err := gw.Start(ctx); err != nil {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		logger.Error("gateway failed", slog.String("error", err.Error()))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", slog.String("error", err.Error()))
	}

	logger.Info("advisor server stopped")
	return nil
}

// buildGateway creates the HTTP API gateway from config and shared components.
func buildGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	})

	// Build API key → client ID mapping from config + env override.
	apiKeys := cfg.Gateway.APIKeyClientMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("ADVISOR_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestSizeBytes,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Engine, limiter, sc.Logger).
		WithRunHistory(sc.Store)
	if cfg.Gateway.SSE {
		gw.WithSSE(true)
		sc.Logger.Debug("SSE streaming endpoint enabled")
	}
	return gw
}
