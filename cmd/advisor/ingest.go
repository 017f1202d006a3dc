package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/nexabank/advisor/internal/config"
	"github.com/nexabank/advisor/internal/ingest"
	"github.com/nexabank/advisor/internal/storage"
)

var ingestDir string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest rate documents into the passage store",
	Long: `Load every .md and .txt file from the document directory into the
passage store, replacing previously ingested versions. The running server
picks up changes on its next scheduled refresh.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "document directory (default: documents.dir from config)")
	ingestCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runIngest(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("ADVISOR_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	dir := ingestDir
	if dir == "" {
		dir = cfg.Documents.Dir
	}
	if dir == "" {
		return fmt.Errorf("no document directory: set --dir or documents.dir in config")
	}

	ctx := context.Background()

	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func(s *storage.Store) {
		if err := s.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}(store)

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	files, chunks, err := ingest.New(store, logger).IngestDir(ctx, dir)
	if err != nil {
		return err
	}

	fmt.Printf("ingested %d files (%d passages) from %s\n", files, chunks, dir)
	return nil
}
