// Package codex provides types and a stream codec for the Codex proto
// protocol: one JSON object per line on each of the agent's standard streams.
// The gateway writes submissions to stdin and reads events from stdout.
package codex

import "encoding/json"

// Submission is one line written to the agent's stdin.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// Op types.
const (
	OpUserTurn  = "user_turn"
	OpInterrupt = "interrupt"
)

// Op is the tagged command carried by a submission.
// Only the fields for the given Type are populated.
type Op struct {
	Type string `json:"type"`

	// user_turn
	Items          []UserInput     `json:"items,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	ApprovalPolicy string          `json:"approval_policy,omitempty"`
	SandboxPolicy  *SandboxPolicy  `json:"sandbox_policy,omitempty"`
	Model          string          `json:"model,omitempty"`
	Effort         string          `json:"effort,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	OutputSchema   json.RawMessage `json:"final_output_json_schema,omitempty"`
}

// Approval policies accepted by the agent.
const (
	ApprovalNever     = "never"
	ApprovalOnFailure = "on-failure"
	ApprovalOnRequest = "on-request"
	ApprovalUntrusted = "untrusted"
)

// Sandbox modes accepted by the agent.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxFullAccess     = "danger-full-access"
)

// SandboxPolicy configures sandbox behavior for a turn.
type SandboxPolicy struct {
	Mode string `json:"mode"`
}

// UserInput item types.
const (
	InputText       = "text"
	InputImage      = "image"
	InputLocalImage = "local_image"
)

// UserInput is one tagged input item of a user turn.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`      // text
	URL  string `json:"image_url,omitempty"` // image (data URL)
	Path string `json:"path,omitempty"`      // local_image
}

// TextInput builds a text input item.
func TextInput(text string) UserInput {
	return UserInput{Type: InputText, Text: text}
}

// ImageInput builds a data-URL image input item.
func ImageInput(url string) UserInput {
	return UserInput{Type: InputImage, URL: url}
}

// LocalImageInput builds a local-path image input item.
func LocalImageInput(path string) UserInput {
	return UserInput{Type: InputLocalImage, Path: path}
}

// Event is one line read from the agent's stdout.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// Event msg types emitted by the agent.
const (
	EventSessionConfigured   = "session_configured"
	EventTaskStarted         = "task_started"
	EventAgentMessage        = "agent_message"
	EventAgentMessageDelta   = "agent_message_delta"
	EventAgentReasoning      = "agent_reasoning"
	EventAgentReasoningDelta = "agent_reasoning_delta"
	EventExecCommandBegin    = "exec_command_begin"
	EventExecCommandEnd      = "exec_command_end"
	EventTaskComplete        = "task_complete"
	EventTokenCount          = "token_count"
	EventError               = "error"
	EventTurnAborted         = "turn_aborted"
	EventWarning             = "warning"
	EventStreamError         = "stream_error"
	EventBackgroundEvent     = "background_event"
)

// EventMsg is the tagged payload of an agent event. Only the fields for the
// given Type are populated; unknown types keep their payload in Raw so they
// survive a round trip untouched.
type EventMsg struct {
	Type string `json:"type"`

	// session_configured
	SessionID   string `json:"session_id,omitempty"`
	Model       string `json:"model,omitempty"`
	RolloutPath string `json:"rollout_path,omitempty"`

	// agent_message / agent_message_delta / error / warning / stream_error / background_event
	Message string `json:"message,omitempty"`
	Delta   string `json:"delta,omitempty"`

	// agent_reasoning
	Text string `json:"text,omitempty"`

	// exec_command_begin / exec_command_end
	CallID           string   `json:"call_id,omitempty"`
	Command          []string `json:"command,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	Stdout           string   `json:"stdout,omitempty"`
	Stderr           string   `json:"stderr,omitempty"`
	ExitCode         *int     `json:"exit_code,omitempty"`
	AggregatedOutput string   `json:"aggregated_output,omitempty"`

	// task_complete
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	// token_count
	Info *TokenUsageInfo `json:"info,omitempty"`

	// turn_aborted
	Reason string `json:"reason,omitempty"`

	// Raw is the original payload for unrecognized msg types.
	Raw json.RawMessage `json:"-"`
}

// eventMsgAlias avoids recursion in the custom (un)marshalers.
type eventMsgAlias EventMsg

// UnmarshalJSON decodes the known fields and keeps the raw payload when the
// msg type is not one this package models.
func (m *EventMsg) UnmarshalJSON(data []byte) error {
	var alias eventMsgAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*m = EventMsg(alias)
	if !knownEventType(m.Type) {
		m.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalJSON re-emits the raw payload for unrecognized msg types.
func (m EventMsg) MarshalJSON() ([]byte, error) {
	if m.Raw != nil {
		return m.Raw, nil
	}
	return json.Marshal(eventMsgAlias(m))
}

func knownEventType(t string) bool {
	switch t {
	case EventSessionConfigured, EventTaskStarted,
		EventAgentMessage, EventAgentMessageDelta,
		EventAgentReasoning, EventAgentReasoningDelta,
		EventExecCommandBegin, EventExecCommandEnd,
		EventTaskComplete, EventTokenCount,
		EventError, EventTurnAborted,
		EventWarning, EventStreamError, EventBackgroundEvent:
		return true
	}
	return false
}

// TokenUsageInfo carries the usage block of a token_count event.
type TokenUsageInfo struct {
	TotalTokenUsage    *TokenUsage `json:"total_token_usage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"last_token_usage,omitempty"`
	ModelContextWindow *int64      `json:"model_context_window,omitempty"`
}

// TokenUsage contains token counts for a request/response cycle.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

// IsTerminal reports whether the msg type ends a turn.
func (m *EventMsg) IsTerminal() bool {
	switch m.Type {
	case EventTaskComplete, EventError, EventTurnAborted:
		return true
	}
	return false
}
