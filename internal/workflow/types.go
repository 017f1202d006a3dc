// Package workflow implements the question-answering orchestration core:
// decomposition of a user query into sub-questions, concurrent dispatch to
// answer tools with a join barrier, synthesis of a draft answer, and a
// bounded self-review loop.
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nexabank/advisor/internal/llm"
)

// State names the workflow phases of a run.
type State string

const (
	StateDecomposing  State = "decomposing"
	StateDispatching  State = "dispatching"
	StateSynthesizing State = "synthesizing"
	StateReviewing    State = "reviewing"
	StateSatisfied    State = "satisfied"
	StateFailed       State = "failed"
)

// FailureMarker is the answer text prefix recorded when a tool invocation
// fails. The failed sub-question still counts toward the join barrier and the
// marker is surfaced verbatim to synthesis.
const FailureMarker = "ERROR: tool unavailable"

// ErrRunTimeout is returned when a run exceeds its configured deadline.
var ErrRunTimeout = errors.New("run timed out")

// Answer is one (question, answer-text) pair. Immutable once recorded.
type Answer struct {
	Question string
	Text     string
	Tool     string // Name of the tool that produced the answer.
	Failed   bool   // True when Text is a failure marker.
}

// Result is the terminal output of a successful run.
type Result struct {
	RunID        string
	Query        string
	Outline      string
	FinalAnswer  string
	Answers      []Answer // All answers across every round, in arrival order.
	ReviewPasses int      // Review passes consumed (first critique = 1).
	Fallback     bool     // True when decomposition fell back to the original query.
	Usage        llm.Usage
	Duration     time.Duration
}

// ToolRouter selects and invokes one answer tool per sub-question.
// Implemented by agent.Router.
type ToolRouter interface {
	Answer(ctx context.Context, question string) (answer, toolName string, err error)
}

// RunStore persists completed runs. Implementations must tolerate being
// called once per run with the full answer history.
type RunStore interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
}

// RunRecord is the persisted form of a run, terminal or failed.
type RunRecord struct {
	RunID        string
	Query        string
	Outline      string
	FinalAnswer  string
	State        State
	ReviewPasses int
	Fallback     bool
	Answers      []Answer
	StartedAt    time.Time
	Duration     time.Duration
	Error        string // Empty on success.
}

// runState is the mutable per-run bag. Exactly one per run, mutated only by
// the run's own steps, never shared across runs.
type runState struct {
	id           string
	query        string
	outline      string
	state        State
	answers      []Answer // Accumulated across all rounds, append-only.
	draft        string
	reviewPasses int // Starts at 1; incremented before each review evaluation.
	fallback     bool
	usage        llm.Usage
	startedAt    time.Time
}

// batch is one fan-out round of sub-questions with its join-barrier count.
// The expected count is frozen at construction, after blank questions have
// been filtered; recomputing it mid-flight risks a stalled fan-in.
type batch struct {
	questions []string
	expected  int
	skipped   int // Blank questions dropped before dispatch.
}

// newBatch filters empty and whitespace-only questions and freezes the
// expected answer count.
func newBatch(questions []string) batch {
	filtered := make([]string, 0, len(questions))
	for _, q := range questions {
		if strings.TrimSpace(q) == "" {
			continue
		}
		filtered = append(filtered, q)
	}
	return batch{
		questions: filtered,
		expected:  len(filtered),
		skipped:   len(questions) - len(filtered),
	}
}
