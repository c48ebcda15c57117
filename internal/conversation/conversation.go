// Package conversation owns the registry of live conversations and the
// session bindings onto them.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexcode/codex-gateway/internal/agent/normalizer"
	"github.com/nexcode/codex-gateway/internal/agent/transport"
	"github.com/nexcode/codex-gateway/pkg/codex"
)

// Peer is the live handle to one agent subprocess. The transport-backed
// implementation is the production one; tests inject in-process fakes.
type Peer interface {
	Submit(sub *codex.Submission) error
	Events() <-chan transport.Event
	Kill(ctx context.Context) error
	Close()
	Done() <-chan struct{}
	ExitCode() int
	StderrLines() []string
}

// Launcher starts agent peers. resumePath is empty for fresh conversations
// and points at a rollout file when resuming.
type Launcher interface {
	Launch(resumePath string) (Peer, error)
}

// Metadata is the session-configuration snapshot kept per binding.
type Metadata struct {
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model,omitempty"`
	RolloutPath    string    `json:"rollout_path,omitempty"`
	ResumedFrom    string    `json:"resumed_from,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is one live agent session. The turn mutex enforces at most
// one concurrent turn; the executor holds it from submit to terminal event.
type Conversation struct {
	ID          uuid.UUID
	Model       string
	RolloutPath string

	peer Peer
	norm *normalizer.Normalizer

	turnMu sync.Mutex
}

// Peer returns the agent handle.
func (c *Conversation) Peer() Peer {
	return c.peer
}

// Normalizer returns the conversation's event normalizer. Callers must hold
// the turn lock while driving it.
func (c *Conversation) Normalizer() *normalizer.Normalizer {
	return c.norm
}

// AcquireTurn blocks until this conversation is free for a new turn.
func (c *Conversation) AcquireTurn() {
	c.turnMu.Lock()
}

// ReleaseTurn releases the turn lock.
func (c *Conversation) ReleaseTurn() {
	c.turnMu.Unlock()
}
