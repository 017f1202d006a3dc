// Package ingest loads rate documents into the passage store. Plain-text and
// Markdown files are split into paragraph-aligned chunks; re-ingesting a file
// replaces its previous passages.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nexabank/advisor/internal/storage"
)

// maxChunkChars bounds one passage. Paragraphs are grouped until the next
// one would cross the limit; oversized single paragraphs are kept whole.
const maxChunkChars = 1600

// supportedExtensions lists the file types the ingester accepts.
var supportedExtensions = map[string]bool{
	".md":  true,
	".txt": true,
}

// Ingester loads documents into the passage store.
type Ingester struct {
	store  *storage.Store
	logger *slog.Logger
}

// New creates an Ingester.
func New(store *storage.Store, logger *slog.Logger) *Ingester {
	return &Ingester{store: store, logger: logger}
}

// IngestDir ingests every supported file in dir (non-recursive).
// Returns the number of files and chunks ingested.
func (i *Ingester) IngestDir(ctx context.Context, dir string) (files, chunks int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("reading document directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !supportedExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		n, err := i.IngestFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			return files, chunks, err
		}
		files++
		chunks += n
	}

	i.logger.InfoContext(ctx, "document ingestion finished",
		slog.String("dir", dir),
		slog.Int("files", files),
		slog.Int("chunks", chunks),
	)
	return files, chunks, nil
}

// IngestFile ingests one document, replacing its previous passages.
// Returns the number of chunks stored.
func (i *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	chunks := chunkText(string(data), maxChunkChars)
	if len(chunks) == 0 {
		i.logger.WarnContext(ctx, "document is empty, skipping", slog.String("path", path))
		return 0, nil
	}

	source := filepath.Base(path)
	if err := i.store.ReplaceDocument(ctx, source, chunks); err != nil {
		return 0, err
	}

	i.logger.InfoContext(ctx, "document ingested",
		slog.String("source", source),
		slog.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

// chunkText splits text into paragraph-aligned chunks of at most maxChars.
func chunkText(text string, maxChars int) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")

	var chunks []string
	var current strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
