package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexabank/advisor/internal/llm"
)

// reviewSentinel is the exact critique response that accepts the draft.
// Comparison is case-sensitive after trimming surrounding whitespace.
const reviewSentinel = "OKAY"

// maxFollowUpQuestions caps the follow-up questions taken from one critique.
const maxFollowUpQuestions = 4

// EngineConfig tunes run execution. The zero value is usable.
type EngineConfig struct {
	RunTimeout      time.Duration // Whole-run deadline. Default: 5m.
	QuestionTimeout time.Duration // Per sub-question tool deadline. Default: 1m.
	MaxReviewPasses int           // Review passes before forced acceptance. Default: 3.
	MaxConcurrent   int           // Parallel sub-question dispatches. Default: 4.
}

func (c EngineConfig) runTimeout() time.Duration {
	if c.RunTimeout > 0 {
		return c.RunTimeout
	}
	return 5 * time.Minute
}

func (c EngineConfig) questionTimeout() time.Duration {
	if c.QuestionTimeout > 0 {
		return c.QuestionTimeout
	}
	return time.Minute
}

func (c EngineConfig) maxReviewPasses() int {
	if c.MaxReviewPasses > 0 {
		return c.MaxReviewPasses
	}
	return 3
}

func (c EngineConfig) concurrency() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return 4
}

// Engine executes runs: decompose, dispatch, synthesize, review.
// Safe for concurrent use; each run owns its own state.
type Engine struct {
	provider llm.Provider
	router   ToolRouter
	catalog  toolCatalog
	config   EngineConfig
	store    RunStore // nil = no persistence
	metrics  *Metrics // nil = no metrics
	logger   *slog.Logger
}

// NewEngine creates a workflow engine. Store and metrics may be nil.
func NewEngine(provider llm.Provider, router ToolRouter, toolDescs []ToolDescription, cfg EngineConfig, store RunStore, metrics *Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		router:   router,
		catalog:  toolCatalog(toolDescs),
		config:   cfg,
		store:    store,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run executes the workflow for one query. The sink receives ordered progress
// events and may be nil. A run either returns a final synthesized answer or
// an error; it never hangs past the configured run timeout.
func (e *Engine) Run(ctx context.Context, query string, sink Sink) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.runTimeout())
	defer cancel()

	rs := &runState{
		id:           uuid.New().String(),
		query:        query,
		state:        StateDecomposing,
		reviewPasses: 1,
		startedAt:    time.Now(),
	}

	e.metrics.runStarted()
	e.logger.InfoContext(ctx, "run started",
		slog.String("run_id", rs.id),
		slog.String("query", query),
	)
	e.emit(sink, Event{Type: EventRunStarted, RunID: rs.id, Message: query})

	result, err := e.execute(ctx, rs, sink)

	duration := time.Since(rs.startedAt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrRunTimeout, duration.Round(time.Millisecond), err)
		}
		rs.state = StateFailed
		e.metrics.runFinished("failed", duration)
		e.logger.ErrorContext(ctx, "run failed",
			slog.String("run_id", rs.id),
			slog.String("error", err.Error()),
			slog.Duration("duration", duration),
		)
		e.emit(sink, Event{Type: EventRunFailed, RunID: rs.id, Message: err.Error()})
		e.persist(rs, duration, err)
		return nil, err
	}

	result.Duration = duration
	e.metrics.runFinished("satisfied", duration)
	e.metrics.observeReviewPasses(result.ReviewPasses)
	e.logger.InfoContext(ctx, "run completed",
		slog.String("run_id", rs.id),
		slog.Int("answers", len(result.Answers)),
		slog.Int("review_passes", result.ReviewPasses),
		slog.Duration("duration", duration),
	)
	e.emit(sink, Event{Type: EventRunCompleted, RunID: rs.id, Message: result.FinalAnswer})
	e.persist(rs, duration, nil)
	return result, nil
}

// execute drives the state machine to a terminal state.
func (e *Engine) execute(ctx context.Context, rs *runState, sink Sink) (*Result, error) {
	// Decomposing: outline the plan, then derive sub-questions.
	outline, err := e.complete(ctx, outlinePrompt(rs.query), &rs.usage)
	if err != nil {
		return nil, fmt.Errorf("formulating outline: %w", err)
	}
	rs.outline = outline
	e.emit(sink, Event{Type: EventOutline, RunID: rs.id, Message: outline})

	raw, err := e.complete(ctx, decomposePrompt(rs.query, outline, e.catalog), &rs.usage)
	if err != nil {
		return nil, fmt.Errorf("decomposing query: %w", err)
	}

	questions, fallback := parseSubQuestions(raw, rs.query)
	rs.fallback = fallback
	if fallback {
		e.metrics.decompositionFallback()
		e.logger.WarnContext(ctx, "decomposition output unparseable, using original query",
			slog.String("run_id", rs.id),
		)
	}

	b := newBatch(questions)
	if b.skipped > 0 {
		e.logger.DebugContext(ctx, "skipping empty sub-questions",
			slog.String("run_id", rs.id),
			slog.Int("skipped", b.skipped),
		)
	}
	if b.expected == 0 {
		// All generated questions were blank; degrade like a parse failure.
		rs.fallback = true
		b = newBatch([]string{rs.query})
	}
	e.emit(sink, Event{Type: EventSubQuestions, RunID: rs.id, Questions: b.questions})

	for {
		// Dispatching: fan out the batch, join on the frozen expected count.
		rs.state = StateDispatching
		answers := e.dispatch(ctx, rs.id, b, sink)
		// Append-only: prior rounds' answers are never replaced, so each
		// synthesis sees strictly more context than the one before.
		rs.answers = append(rs.answers, answers...)

		// Synthesizing.
		rs.state = StateSynthesizing
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		draft, err := e.complete(ctx, synthesisPrompt(rs.query, rs.outline, rs.answers), &rs.usage)
		if err != nil {
			return nil, fmt.Errorf("synthesizing answer: %w", err)
		}
		rs.draft = draft
		e.emit(sink, Event{Type: EventDraft, RunID: rs.id, Message: draft})

		// Reviewing. The counter moves before the critique; once it passes
		// the cap the draft is accepted no matter what, guaranteeing
		// termination against a never-satisfied reviewer.
		rs.state = StateReviewing
		rs.reviewPasses++
		if rs.reviewPasses > e.config.maxReviewPasses() {
			e.logger.InfoContext(ctx, "review passes exhausted, accepting draft",
				slog.String("run_id", rs.id),
				slog.Int("review_passes", rs.reviewPasses-1),
			)
			e.emit(sink, Event{Type: EventReview, RunID: rs.id, Message: "review limit reached, accepting answer"})
			break
		}

		critique, err := e.complete(ctx, reviewPrompt(rs.query, draft), &rs.usage)
		if err != nil {
			return nil, fmt.Errorf("reviewing answer: %w", err)
		}
		if strings.TrimSpace(critique) == reviewSentinel {
			e.emit(sink, Event{Type: EventReview, RunID: rs.id, Message: "answer accepted"})
			break
		}

		followUps := splitQuestions(critique, maxFollowUpQuestions)
		if len(followUps) == 0 {
			// Critique had neither the sentinel nor questions; nothing to expand.
			e.emit(sink, Event{Type: EventReview, RunID: rs.id, Message: "no follow-up questions, accepting answer"})
			break
		}

		e.logger.InfoContext(ctx, "review requested follow-ups",
			slog.String("run_id", rs.id),
			slog.Int("questions", len(followUps)),
			slog.Int("review_pass", rs.reviewPasses-1),
		)
		e.emit(sink, Event{Type: EventReview, RunID: rs.id, Questions: followUps, Message: "expanding answer"})

		// Expanding: new batch with its own frozen expected count; collected
		// answers are kept.
		b = newBatch(followUps)
	}

	rs.state = StateSatisfied
	return &Result{
		RunID:        rs.id,
		Query:        rs.query,
		Outline:      rs.outline,
		FinalAnswer:  rs.draft,
		Answers:      rs.answers,
		ReviewPasses: rs.reviewPasses - 1,
		Fallback:     rs.fallback,
		Usage:        rs.usage,
	}, nil
}

// dispatch fans the batch out to the router and blocks until exactly
// batch.expected answers have arrived. Tool failures are recorded as
// failure-marker answers so the join barrier always fills.
func (e *Engine) dispatch(ctx context.Context, runID string, b batch, sink Sink) []Answer {
	results := make(chan Answer, b.expected)
	sem := make(chan struct{}, e.config.concurrency())

	var wg sync.WaitGroup
	for _, q := range b.questions {
		wg.Add(1)
		go func(question string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			qCtx, cancel := context.WithTimeout(ctx, e.config.questionTimeout())
			defer cancel()

			start := time.Now()
			text, toolName, err := e.router.Answer(qCtx, question)
			failed := err != nil
			if failed {
				text = FailureMarker + ": " + err.Error()
				e.metrics.toolFailure(toolName)
				e.logger.WarnContext(ctx, "tool invocation failed",
					slog.String("run_id", runID),
					slog.String("tool", toolName),
					slog.String("question", question),
					slog.String("error", err.Error()),
				)
			}
			e.metrics.observeQuestion(toolName, time.Since(start))
			e.emit(sink, Event{
				Type:     EventAnswer,
				RunID:    runID,
				Question: question,
				Answer:   text,
				Tool:     toolName,
			})
			results <- Answer{Question: question, Text: text, Tool: toolName, Failed: failed}
		}(q)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	answers := make([]Answer, 0, b.expected)
	for a := range results {
		answers = append(answers, a)
	}
	return answers
}

// complete sends one prompt and accumulates token usage.
func (e *Engine) complete(ctx context.Context, prompt string, usage *llm.Usage) (string, error) {
	resp, err := e.provider.Complete(ctx, llm.NewPromptRequest("", prompt))
	if err != nil {
		return "", err
	}
	usage.Add(resp.Usage)
	return resp.Content, nil
}

// persist writes the run record; persistence failures are logged, never fatal.
func (e *Engine) persist(rs *runState, duration time.Duration, runErr error) {
	if e.store == nil {
		return
	}

	rec := &RunRecord{
		RunID:        rs.id,
		Query:        rs.query,
		Outline:      rs.outline,
		FinalAnswer:  rs.draft,
		State:        rs.state,
		ReviewPasses: rs.reviewPasses - 1,
		Fallback:     rs.fallback,
		Answers:      rs.answers,
		StartedAt:    rs.startedAt,
		Duration:     duration,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
		rec.FinalAnswer = ""
	}

	// Persistence happens after the run's deadline may have fired; give the
	// store its own short window.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveRun(ctx, rec); err != nil {
		e.logger.Error("persisting run failed",
			slog.String("run_id", rs.id),
			slog.String("error", err.Error()),
		)
	}
}
