package workflow

// EventType identifies a progress notification kind.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventOutline      EventType = "outline"
	EventSubQuestions EventType = "sub_questions"
	EventAnswer       EventType = "answer"
	EventDraft        EventType = "draft"
	EventReview       EventType = "review"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// Event is an ordered progress notification emitted while a run executes.
// Events are a side channel for observers (SSE, CLI); the control flow never
// depends on them.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Message   string    `json:"message,omitempty"`
	Questions []string  `json:"questions,omitempty"`
	Question  string    `json:"question,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Tool      string    `json:"tool,omitempty"`
}

// Sink receives progress events. Must be safe for concurrent calls: answer
// events are emitted from dispatch goroutines.
type Sink func(Event)

// emit sends an event to the sink if one is configured.
func (e *Engine) emit(sink Sink, ev Event) {
	if sink != nil {
		sink(ev)
	}
}
