package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexabank/advisor/internal/llm"
)

// fakeProvider answers engine prompts by kind: outline, decomposition,
// synthesis, review. Safe for concurrent calls.
type fakeProvider struct {
	mu           sync.Mutex
	decompose    string   // Decomposition response.
	reviews      []string // One response per review call; empty = "OKAY".
	failAll      bool
	synthPrompts []string
	reviewCalls  int
	synthCalls   int
}

func (f *fakeProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, fmt.Errorf("%w: backend down", llm.ErrUnavailable)
	}

	prompt := req.Messages[0].Content
	switch {
	case strings.Contains(prompt, "formulating plans"):
		return &llm.Response{Content: "1. Find the data. 2. Answer."}, nil
	case strings.Contains(prompt, "breaks down complex questions"):
		return &llm.Response{Content: f.decompose}, nil
	case strings.Contains(prompt, "expert reviewer"):
		f.reviewCalls++
		if len(f.reviews) == 0 {
			return &llm.Response{Content: "OKAY"}, nil
		}
		resp := f.reviews[0]
		f.reviews = f.reviews[1:]
		return &llm.Response{Content: resp}, nil
	case strings.Contains(prompt, "expert in answering customer queries"):
		f.synthCalls++
		f.synthPrompts = append(f.synthPrompts, prompt)
		return &llm.Response{Content: fmt.Sprintf("draft %d", f.synthCalls)}, nil
	default:
		return nil, fmt.Errorf("unexpected prompt: %s", prompt)
	}
}

func (f *fakeProvider) Name() string { return "fake" }

// fakeRouter answers every question with a canned answer, failing the
// questions listed in failOn.
type fakeRouter struct {
	mu       sync.Mutex
	answered []string
	failOn   map[string]error
}

func (r *fakeRouter) Answer(_ context.Context, question string) (string, string, error) {
	r.mu.Lock()
	r.answered = append(r.answered, question)
	r.mu.Unlock()
	if r.failOn != nil {
		if err, ok := r.failOn[question]; ok {
			return "", "fake_tool", err
		}
	}
	return "answer to: " + question, "fake_tool", nil
}

type recordingStore struct {
	mu   sync.Mutex
	recs []*RunRecord
}

func (s *recordingStore) SaveRun(_ context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(provider llm.Provider, router ToolRouter, store RunStore) *Engine {
	descs := []ToolDescription{
		{Name: "account_interest_rates", Description: "rate documents"},
		{Name: "customer_details", Description: "customer database"},
		{Name: "pending_tx_details", Description: "pending transactions"},
	}
	return NewEngine(provider, router, descs, EngineConfig{}, store, nil, discardLogger())
}

func TestRun_SingleQuestionAcceptedFirstReview(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["List all the details of Bob Brown?"]}`,
	}
	router := &fakeRouter{}
	store := &recordingStore{}
	engine := testEngine(provider, router, store)

	result, err := engine.Run(context.Background(), "List all the details of Bob Brown?", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(result.Answers))
	}
	if !strings.Contains(result.Answers[0].Text, "Bob Brown") {
		t.Errorf("expected answer to reference Bob Brown, got %q", result.Answers[0].Text)
	}
	if result.ReviewPasses != 1 {
		t.Errorf("expected 1 review pass, got %d", result.ReviewPasses)
	}
	if result.FinalAnswer != "draft 1" {
		t.Errorf("expected first draft as final answer, got %q", result.FinalAnswer)
	}
	if result.Fallback {
		t.Error("expected parsed decomposition, not fallback")
	}
	// Synthesis prompt must carry the answer.
	if !strings.Contains(provider.synthPrompts[0], "Bob Brown") {
		t.Error("expected Bob Brown in the synthesis prompt")
	}
	// Completed run persisted.
	if len(store.recs) != 1 || store.recs[0].State != StateSatisfied {
		t.Errorf("expected one satisfied run record, got %+v", store.recs)
	}
}

func TestRun_MalformedDecompositionFallsBackToQuery(t *testing.T) {
	provider := &fakeProvider{decompose: "sorry, I cannot produce JSON"}
	router := &fakeRouter{}
	engine := testEngine(provider, router, nil)

	const query = "Whats the Cash ISA rate?"
	result, err := engine.Run(context.Background(), query, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Fallback {
		t.Error("expected fallback flag")
	}
	if len(result.Answers) != 1 || result.Answers[0].Question != query {
		t.Errorf("expected the original query as the single sub-question, got %+v", result.Answers)
	}
}

func TestRun_BlankQuestionsSkippedWithoutStalling(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["q1", "", "   ", "q2", "\t"]}`,
	}
	router := &fakeRouter{}
	engine := testEngine(provider, router, nil)

	done := make(chan *Result, 1)
	go func() {
		result, err := engine.Run(context.Background(), "composite query", nil)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- result
	}()

	select {
	case result := <-done:
		// Fan-in must release at exactly N - E answers.
		if len(result.Answers) != 2 {
			t.Errorf("expected 2 answers after skipping blanks, got %d", len(result.Answers))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run stalled: join barrier waited for skipped questions")
	}
}

func TestRun_ReviewLoopTerminatesWithinThreePasses(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["q1"]}`,
		// Never returns OKAY.
		reviews: []string{
			"follow-up A\nfollow-up B",
			"follow-up C",
			"follow-up D", // Must never be requested.
		},
	}
	router := &fakeRouter{}
	engine := testEngine(provider, router, nil)

	result, err := engine.Run(context.Background(), "hard query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReviewPasses != 3 {
		t.Errorf("expected exactly 3 review passes, got %d", result.ReviewPasses)
	}
	if provider.reviewCalls != 2 {
		t.Errorf("expected 2 critique calls before forced acceptance, got %d", provider.reviewCalls)
	}
	// Last synthesized answer wins.
	if result.FinalAnswer != fmt.Sprintf("draft %d", provider.synthCalls) {
		t.Errorf("expected last draft as final answer, got %q", result.FinalAnswer)
	}
	// q1 + A + B + C all answered, none dropped.
	if len(result.Answers) != 4 {
		t.Errorf("expected 4 accumulated answers, got %d", len(result.Answers))
	}
}

func TestRun_AnswersAccumulateAcrossRounds(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["first question"]}`,
		reviews:   []string{"second question"},
	}
	router := &fakeRouter{}
	engine := testEngine(provider, router, nil)

	_, err := engine.Run(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.synthPrompts) != 2 {
		t.Fatalf("expected 2 synthesis calls, got %d", len(provider.synthPrompts))
	}
	// Every Q/A pair from the first synthesis must appear in the second.
	second := provider.synthPrompts[1]
	for _, q := range []string{"first question", "second question"} {
		if !strings.Contains(second, "<question>"+q+"</question>") {
			t.Errorf("expected %q in second synthesis prompt", q)
		}
	}
	if !strings.Contains(second, "answer to: first question") {
		t.Error("first round answer dropped from second synthesis")
	}
}

func TestRun_ToolFailureRecordsMarkerAndCompletes(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["good question", "doomed question"]}`,
	}
	router := &fakeRouter{failOn: map[string]error{
		"doomed question": errors.New("backend timeout"),
	}}
	engine := testEngine(provider, router, nil)

	result, err := engine.Run(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("tool failure must not be fatal: %v", err)
	}
	// Fan-in still completed at the expected count.
	if len(result.Answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(result.Answers))
	}

	var marker string
	for _, a := range result.Answers {
		if a.Failed {
			marker = a.Text
		}
	}
	if !strings.HasPrefix(marker, FailureMarker) {
		t.Errorf("expected failure marker prefix %q, got %q", FailureMarker, marker)
	}
	// Marker is surfaced verbatim to synthesis.
	if !strings.Contains(provider.synthPrompts[0], marker) {
		t.Error("expected failure marker verbatim in synthesis prompt")
	}
}

func TestRun_SentinelTrimmedOfWhitespace(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["q"]}`,
		reviews:   []string{"\n  OKAY  \n"},
	}
	engine := testEngine(provider, &fakeRouter{}, nil)

	result, err := engine.Run(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReviewPasses != 1 {
		t.Errorf("expected acceptance on first pass, got %d passes", result.ReviewPasses)
	}
}

func TestRun_LowercaseSentinelIsNotAcceptance(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["q"]}`,
		// Case-sensitive contract: "okay" is treated as a follow-up question.
		reviews: []string{"okay"},
	}
	engine := testEngine(provider, &fakeRouter{}, nil)

	result, err := engine.Run(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ReviewPasses < 2 {
		t.Errorf("expected a second round, got %d passes", result.ReviewPasses)
	}
}

func TestRun_FollowUpsCappedAtFour(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["q"]}`,
		reviews:   []string{"f1\nf2\nf3\nf4\nf5\nf6"},
	}
	router := &fakeRouter{}
	engine := testEngine(provider, router, nil)

	result, err := engine.Run(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 1 initial + at most 4 follow-ups.
	if len(result.Answers) != 5 {
		t.Errorf("expected 5 answers (1 + 4 capped follow-ups), got %d", len(result.Answers))
	}
}

func TestRun_CompletionFailureIsFatal(t *testing.T) {
	provider := &fakeProvider{failAll: true}
	store := &recordingStore{}
	engine := testEngine(provider, &fakeRouter{}, store)

	_, err := engine.Run(context.Background(), "query", nil)
	if err == nil {
		t.Fatal("expected run failure when the completion service is down")
	}
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	// Failed run persisted with the error.
	if len(store.recs) != 1 || store.recs[0].State != StateFailed || store.recs[0].Error == "" {
		t.Errorf("expected failed run record, got %+v", store.recs)
	}
}

func TestRun_EventsOrdered(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["q1", "q2"]}`,
	}
	engine := testEngine(provider, &fakeRouter{}, nil)

	var mu sync.Mutex
	var events []Event
	sink := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	if _, err := engine.Run(context.Background(), "query", sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if events[0].Type != EventRunStarted {
		t.Errorf("expected run_started first, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != EventRunCompleted {
		t.Errorf("expected run_completed last, got %s", events[len(events)-1].Type)
	}

	answerCount := 0
	for _, ev := range events {
		if ev.Type == EventAnswer {
			answerCount++
		}
	}
	if answerCount != 2 {
		t.Errorf("expected 2 answer events, got %d", answerCount)
	}
}

func TestRun_TimeoutAbortsRun(t *testing.T) {
	provider := &fakeProvider{
		decompose: `{"sub_questions": ["slow question"]}`,
	}
	slowRouter := routerFunc(func(ctx context.Context, q string) (string, string, error) {
		select {
		case <-ctx.Done():
			return "", "slow_tool", ctx.Err()
		case <-time.After(10 * time.Second):
			return "too late", "slow_tool", nil
		}
	})
	descs := []ToolDescription{{Name: "slow_tool", Description: "slow"}}
	engine := NewEngine(provider, slowRouter, descs, EngineConfig{
		RunTimeout:      200 * time.Millisecond,
		QuestionTimeout: 100 * time.Millisecond,
	}, nil, nil, discardLogger())

	start := time.Now()
	result, err := engine.Run(context.Background(), "query", nil)
	if time.Since(start) > 3*time.Second {
		t.Fatal("run did not respect its timeout")
	}
	// The slow tool produces a failure marker and the run still completes;
	// either outcome (marker result or run timeout) is acceptable, but the
	// run must terminate promptly.
	if err == nil && result == nil {
		t.Fatal("expected either a result or an error")
	}
}

type routerFunc func(ctx context.Context, question string) (string, string, error)

func (f routerFunc) Answer(ctx context.Context, question string) (string, string, error) {
	return f(ctx, question)
}
