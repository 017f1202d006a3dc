package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexabank/advisor/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "advisor.db"), discardLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return store
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"interest-rates_1.md": "# Cash ISA Saver\n\nAnnual rate 4.25% AER for accounts opened after 18/02/25.\n\n# Instant Access\n\n1.30% AER variable.",
		"interest-rates_2.txt": "Fixed Rate Bond: 3.90% gross per annum over two years.",
		"notes.pdf":            "binary, must be skipped",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	store := openTestStore(t)
	ing := New(store, discardLogger())

	nFiles, nChunks, err := ing.IngestDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if nFiles != 2 {
		t.Errorf("expected 2 files ingested, got %d", nFiles)
	}
	if nChunks < 2 {
		t.Errorf("expected at least 2 chunks, got %d", nChunks)
	}

	passages, err := store.ListPassages(context.Background())
	if err != nil {
		t.Fatalf("listing passages: %v", err)
	}
	var foundISA bool
	for _, p := range passages {
		if p.Source == "notes.pdf" {
			t.Error("unsupported file type was ingested")
		}
		if strings.Contains(p.Content, "4.25% AER") {
			foundISA = true
		}
	}
	if !foundISA {
		t.Error("expected ISA rate passage in store")
	}
}

func TestIngestFile_ReplacesOnReingest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.md")
	if err := os.WriteFile(path, []byte("old rate 1.00%"), 0600); err != nil {
		t.Fatalf("writing: %v", err)
	}

	store := openTestStore(t)
	ing := New(store, discardLogger())
	ctx := context.Background()

	if _, err := ing.IngestFile(ctx, path); err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if err := os.WriteFile(path, []byte("new rate 2.00%"), 0600); err != nil {
		t.Fatalf("rewriting: %v", err)
	}
	if _, err := ing.IngestFile(ctx, path); err != nil {
		t.Fatalf("re-ingesting: %v", err)
	}

	passages, err := store.ListPassages(ctx)
	if err != nil {
		t.Fatalf("listing passages: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("expected 1 passage after replace, got %d", len(passages))
	}
	if !strings.Contains(passages[0].Content, "new rate") {
		t.Errorf("expected replaced content, got %q", passages[0].Content)
	}
}

func TestChunkText(t *testing.T) {
	text := strings.Repeat("para one sentence. ", 20) + "\n\n" + strings.Repeat("para two sentence. ", 20) + "\n\n\n\n" + "short."
	chunks := chunkText(text, 400)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if strings.TrimSpace(c) == "" {
			t.Error("blank chunk produced")
		}
	}

	if got := chunkText("", 400); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}
