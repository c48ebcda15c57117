// Package threadevents defines the public event vocabulary the gateway emits
// to clients. The shapes are additive-only across versions: new event and item
// types may appear, existing fields never change meaning.
package threadevents

// ThreadEvent types.
const (
	TypeThreadStarted = "thread.started"
	TypeTurnStarted   = "turn.started"
	TypeItemStarted   = "item.started"
	TypeItemCompleted = "item.completed"
	TypeTurnCompleted = "turn.completed"
	TypeTurnFailed    = "turn.failed"
	TypeError         = "error"
)

// ThreadEvent is one tagged event in a turn's public event feed.
// Seq is a per-turn sequence number, strictly non-decreasing.
type ThreadEvent struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`

	// thread.started
	ThreadID string `json:"thread_id,omitempty"`

	// item.started / item.completed
	Item *ThreadItem `json:"item,omitempty"`

	// turn.completed
	Usage *Usage `json:"usage,omitempty"`

	// turn.failed
	Error *ErrorDetail `json:"error,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ThreadItem types.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
)

// Item statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ThreadItem wraps one typed item produced during a turn.
type ThreadItem struct {
	ID     string `json:"id"`
	Type   string `json:"item_type"`
	Status string `json:"status,omitempty"`

	// agent_message / reasoning
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
}

// Usage is the token usage block of a turn.completed event.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	ReasoningTokens   int64 `json:"reasoning_output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

// ErrorDetail describes why a turn failed.
type ErrorDetail struct {
	Message string `json:"message"`
}

// IsTerminal reports whether the event ends a turn.
func (e *ThreadEvent) IsTerminal() bool {
	switch e.Type {
	case TypeTurnCompleted, TypeTurnFailed, TypeError:
		return true
	}
	return false
}

// ThreadStarted builds a thread.started event.
func ThreadStarted(seq int, threadID string) ThreadEvent {
	return ThreadEvent{Type: TypeThreadStarted, Seq: seq, ThreadID: threadID}
}

// TurnStarted builds a turn.started event.
func TurnStarted(seq int) ThreadEvent {
	return ThreadEvent{Type: TypeTurnStarted, Seq: seq}
}

// ItemStarted builds an item.started event.
func ItemStarted(seq int, item *ThreadItem) ThreadEvent {
	return ThreadEvent{Type: TypeItemStarted, Seq: seq, Item: item}
}

// ItemCompleted builds an item.completed event.
func ItemCompleted(seq int, item *ThreadItem) ThreadEvent {
	return ThreadEvent{Type: TypeItemCompleted, Seq: seq, Item: item}
}

// TurnCompleted builds a turn.completed event.
func TurnCompleted(seq int, usage *Usage) ThreadEvent {
	return ThreadEvent{Type: TypeTurnCompleted, Seq: seq, Usage: usage}
}

// TurnFailed builds a turn.failed event.
func TurnFailed(seq int, message string) ThreadEvent {
	return ThreadEvent{Type: TypeTurnFailed, Seq: seq, Error: &ErrorDetail{Message: message}}
}

// Error builds an error event.
func Error(seq int, message string) ThreadEvent {
	return ThreadEvent{Type: TypeError, Seq: seq, Message: message}
}
