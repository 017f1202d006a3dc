// Package rates implements the interest-rate document search tool.
//
// Ingested rate documents are held in an in-memory keyword index; the top
// matching passages are handed to the completion provider, which writes the
// answer from that context only.
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/nexabank/advisor/internal/llm"
	"github.com/nexabank/advisor/internal/tools"
)

const (
	// ToolName is the registry identifier for this tool.
	ToolName = "account_interest_rates"

	defaultTopK = 5
)

// Passage is one indexed chunk of an ingested rate document.
type Passage struct {
	Source string // Originating document name.
	Text   string
}

// Loader supplies the current set of ingested passages. Backed by the
// document store; called at startup and on each scheduled refresh.
type Loader interface {
	LoadPassages(ctx context.Context) ([]Passage, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) ([]Passage, error)

func (f LoaderFunc) LoadPassages(ctx context.Context) ([]Passage, error) { return f(ctx) }

// Tool answers questions about account interest rates from ingested documents.
type Tool struct {
	provider llm.Provider
	loader   Loader
	logger   *slog.Logger
	topK     int

	mu    sync.RWMutex
	index *index
}

var _ tools.Tool = (*Tool)(nil)

// NewTool creates the interest-rate search tool. Passages are loaded lazily
// on first Invoke; call Reload to populate or refresh the index eagerly.
func NewTool(provider llm.Provider, loader Loader, logger *slog.Logger) *Tool {
	return &Tool{
		provider: provider,
		loader:   loader,
		logger:   logger,
		topK:     defaultTopK,
	}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "search the account interest rates from the bank account interest rate documents stored in the document index"
}

// Reload rebuilds the passage index from the loader.
func (t *Tool) Reload(ctx context.Context) error {
	passages, err := t.loader.LoadPassages(ctx)
	if err != nil {
		return fmt.Errorf("loading rate passages: %w", err)
	}

	t.mu.Lock()
	t.index = newIndex(passages)
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "rate document index rebuilt", slog.Int("passages", len(passages)))
	return nil
}

// Invoke answers a question from the top-scoring rate document passages.
func (t *Tool) Invoke(ctx context.Context, question string) (string, error) {
	idx, err := t.currentIndex(ctx)
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}

	matches := idx.search(question, t.topK)
	if len(matches) == 0 {
		return "", &tools.InvocationError{Tool: ToolName, Err: fmt.Errorf("no rate documents match the question")}
	}

	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", m.Source, m.Text)
	}

	prompt := fmt.Sprintf(`You are an expert on this bank's account interest rates.
Answer the question using only the document excerpts below. If the excerpts do
not contain the answer, say so.

Documents:
%s
Question: %s`, sb.String(), question)

	resp, err := t.provider.Complete(ctx, llm.NewPromptRequest("", prompt))
	if err != nil {
		return "", &tools.InvocationError{Tool: ToolName, Err: err}
	}
	return tools.TruncateOutput(resp.Content, tools.MaxOutputBytes), nil
}

func (t *Tool) currentIndex(ctx context.Context) (*index, error) {
	t.mu.RLock()
	idx := t.index
	t.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}

	if err := t.Reload(ctx); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index, nil
}

// --- keyword index ---

// index scores passages against a query with keyword TF-IDF weighting.
type index struct {
	passages []Passage
	freqs    []map[string]int
	df       map[string]int
}

func newIndex(passages []Passage) *index {
	idx := &index{
		passages: passages,
		freqs:    make([]map[string]int, len(passages)),
		df:       make(map[string]int),
	}
	for i, p := range passages {
		freq := tokenizeFreq(p.Source + " " + p.Text)
		idx.freqs[i] = freq
		for token := range freq {
			idx.df[token]++
		}
	}
	return idx
}

type scoredPassage struct {
	Passage
	score float64
}

func (idx *index) search(query string, topK int) []Passage {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || len(idx.passages) == 0 {
		return nil
	}

	numDocs := float64(len(idx.passages))
	var matches []scoredPassage

	for i, p := range idx.passages {
		docTokens := idx.freqs[i]
		docLen := 0
		for _, count := range docTokens {
			docLen += count
		}
		if docLen == 0 {
			continue
		}

		score := 0.0
		for _, qt := range queryTokens {
			tf := float64(docTokens[qt]) / float64(docLen)
			idf := math.Log(1 + numDocs/float64(1+idx.df[qt]))
			score += tf * idf
		}
		if score > 0 {
			matches = append(matches, scoredPassage{Passage: p, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	result := make([]Passage, len(matches))
	for i, m := range matches {
		result[i] = m.Passage
	}
	return result
}

// tokenize splits text into lowercase word tokens, dropping stop words.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	result := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 && !stopWords[w] {
			result = append(result, w)
		}
	}
	return result
}

func tokenizeFreq(text string) map[string]int {
	freq := make(map[string]int)
	for _, token := range tokenize(text) {
		freq[token]++
	}
	return freq
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"was": true, "one": true, "our": true, "out": true, "with": true,
	"that": true, "this": true, "from": true, "have": true, "been": true,
	"will": true, "they": true, "when": true, "what": true, "your": true,
	"which": true, "their": true, "about": true, "would": true, "there": true,
	"should": true, "each": true, "than": true, "them": true, "then": true,
	"into": true, "some": true, "whats": true,
}
