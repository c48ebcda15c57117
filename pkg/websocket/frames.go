// Package websocket defines the gateway's WebSocket frame protocol. Frames
// are JSON text messages discriminated by a top-level "type" field.
package websocket

import (
	"encoding/json"

	"github.com/nexcode/codex-gateway/pkg/threadevents"
)

// FrameType discriminates WebSocket frames.
type FrameType string

// Client to server frames.
const (
	FrameExec      FrameType = "exec"
	FrameInterrupt FrameType = "interrupt"
	FramePing      FrameType = "ping"
)

// Server to client frames.
const (
	FrameEvent FrameType = "event"
	FrameAck   FrameType = "ack"
	FrameError FrameType = "error"
	FramePong  FrameType = "pong"
)

// Envelope carries just the discriminator, for routing a raw frame.
type Envelope struct {
	Type FrameType `json:"type"`
}

// ExecFrame submits a turn. The fields mirror the POST /exec body.
type ExecFrame struct {
	Type         FrameType       `json:"type"`
	Prompt       string          `json:"prompt"`
	SessionID    string          `json:"session_id,omitempty"`
	Images       []string        `json:"images,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	Model        string          `json:"model,omitempty"`
	SandboxMode  string          `json:"sandbox_mode,omitempty"`
	TimeoutMs    int64           `json:"timeout_ms,omitempty"`
}

// InterruptFrame aborts the in-flight turn on a session's conversation.
type InterruptFrame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id"`
}

// EventFrame wraps one public thread event.
type EventFrame struct {
	Type  FrameType                `json:"type"`
	Event threadevents.ThreadEvent `json:"event"`
}

// AckFrame acknowledges a client request.
type AckFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// ErrorFrame reports a request or turn failure.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// PongFrame answers an application-level ping.
type PongFrame struct {
	Type FrameType `json:"type"`
}

// NewEventFrame wraps a thread event for sending.
func NewEventFrame(ev threadevents.ThreadEvent) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: ev}
}

// NewAckFrame builds an acknowledgement.
func NewAckFrame(message string) *AckFrame {
	return &AckFrame{Type: FrameAck, Message: message}
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Message: message}
}

// NewPongFrame builds a pong.
func NewPongFrame() *PongFrame {
	return &PongFrame{Type: FramePong}
}
