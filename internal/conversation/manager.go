package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/agent/normalizer"
	"github.com/nexcode/codex-gateway/internal/agent/transport"
	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/pkg/codex"
)

var (
	// ErrInvalidConversationID is returned when a conversation id string
	// does not parse.
	ErrInvalidConversationID = errors.New("invalid conversation id")
	// ErrRolloutNotFound is returned when no persisted rollout exists for a
	// conversation id.
	ErrRolloutNotFound = errors.New("no rollout found for conversation")
	// ErrSessionNotFound is returned when a session has no bound conversation.
	ErrSessionNotFound = errors.New("session not found")
)

// configureTimeout bounds the wait for the agent's session_configured event
// after spawn.
const configureTimeout = 30 * time.Second

// Manager owns the ConversationId -> Conversation and SessionId ->
// ConversationId maps plus the metadata side-table, all under one mutex.
// The mutex is never held across I/O; launching happens outside it.
type Manager struct {
	launcher Launcher
	home     string
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]uuid.UUID
	convs    map[uuid.UUID]*Conversation
	meta     map[string]Metadata
}

// NewManager creates a conversation manager. home is the agent home
// directory searched for rollout files on resume.
func NewManager(launcher Launcher, home string, log *logger.Logger) *Manager {
	return &Manager{
		launcher: launcher,
		home:     home,
		logger:   log.WithFields(zap.String("component", "conversation-manager")),
		sessions: make(map[string]uuid.UUID),
		convs:    make(map[uuid.UUID]*Conversation),
		meta:     make(map[string]Metadata),
	}
}

// GetOrCreate returns the conversation bound to sessionID, creating and
// registering a fresh one if the session is unknown. An empty sessionID
// creates an ephemeral conversation that is never registered.
func (m *Manager) GetOrCreate(sessionID string) (*Conversation, error) {
	if sessionID != "" {
		m.mu.Lock()
		if id, ok := m.sessions[sessionID]; ok {
			conv := m.convs[id]
			m.mu.Unlock()
			if conv != nil {
				return conv, nil
			}
		} else {
			m.mu.Unlock()
		}
	}

	conv, err := m.launch("")
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		// A concurrent first prompt may have bound the session while we
		// were launching; the winner keeps its conversation.
		if existing := m.registerIfUnbound(sessionID, conv); existing != nil {
			m.teardown(conv)
			return existing, nil
		}
	}
	return conv, nil
}

// Resume locates the persisted rollout for the given conversation id,
// starts a fresh agent resuming from it, and re-points sessionID at the
// resumed conversation.
func (m *Manager) Resume(conversationIDStr, sessionID string) (*Conversation, error) {
	id, err := uuid.Parse(conversationIDStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidConversationID, conversationIDStr)
	}

	rollout, err := FindRollout(m.home, id)
	if err != nil {
		return nil, err
	}

	conv, err := m.launch(rollout)
	if err != nil {
		return nil, err
	}

	m.register(sessionID, conv, conversationIDStr)

	m.logger.Info("conversation resumed",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("session_id", sessionID),
		zap.String("rollout", rollout))
	return conv, nil
}

// Get returns the conversation with the given id.
func (m *Manager) Get(id uuid.UUID) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	return conv, ok
}

// Status returns the binding metadata for a session, or false if none.
func (m *Manager) Status(sessionID string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[sessionID]
	return meta, ok
}

// Cancel removes the session binding and its metadata, returning the
// previously bound conversation id. The conversation itself is torn down;
// an in-flight turn is not interrupted first (use Interrupt for that).
func (m *Manager) Cancel(sessionID string) (string, bool) {
	m.mu.Lock()
	id, ok := m.sessions[sessionID]
	var conv *Conversation
	if ok {
		conv = m.convs[id]
		delete(m.sessions, sessionID)
		delete(m.convs, id)
	}
	delete(m.meta, sessionID)
	m.mu.Unlock()

	if !ok {
		return "", false
	}

	if conv != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			conv.Peer().Close()
			_ = conv.Peer().Kill(ctx)
		}()
	}

	m.logger.Info("session cancelled",
		zap.String("session_id", sessionID),
		zap.String("conversation_id", id.String()))
	return id.String(), true
}

// Drop removes a conversation and any session bindings pointing at it. Used
// after the agent process has died (timeout kill, unexpected exit) so the
// next prompt on the session gets a fresh conversation.
func (m *Manager) Drop(id uuid.UUID) {
	m.mu.Lock()
	delete(m.convs, id)
	for sid, bound := range m.sessions {
		if bound == id {
			delete(m.sessions, sid)
			delete(m.meta, sid)
		}
	}
	m.mu.Unlock()

	m.logger.Info("conversation dropped", zap.String("conversation_id", id.String()))
}

// Interrupt submits an interrupt op to the conversation bound to sessionID.
func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	id, ok := m.sessions[sessionID]
	var conv *Conversation
	if ok {
		conv = m.convs[id]
	}
	m.mu.Unlock()

	if !ok || conv == nil {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	return conv.Peer().Submit(&codex.Submission{
		ID: uuid.New().String(),
		Op: codex.Op{Type: codex.OpInterrupt},
	})
}

// Shutdown kills every live conversation.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	convs := make([]*Conversation, 0, len(m.convs))
	for _, conv := range m.convs {
		convs = append(convs, conv)
	}
	m.sessions = make(map[string]uuid.UUID)
	m.convs = make(map[uuid.UUID]*Conversation)
	m.meta = make(map[string]Metadata)
	m.mu.Unlock()

	for _, conv := range convs {
		conv.Peer().Close()
		_ = conv.Peer().Kill(ctx)
	}
}

// launch starts a peer and waits for its session_configured event, which
// carries the agent-assigned conversation id and rollout path.
func (m *Manager) launch(resumePath string) (*Conversation, error) {
	peer, err := m.launcher.Launch(resumePath)
	if err != nil {
		return nil, fmt.Errorf("failed to launch agent: %w", err)
	}

	id, model, rollout, err := waitConfigured(peer)
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		peer.Close()
		_ = peer.Kill(ctx)
		return nil, err
	}

	conv := &Conversation{
		ID:          id,
		Model:       model,
		RolloutPath: rollout,
		peer:        peer,
		norm:        normalizer.New(id.String(), m.logger),
	}

	m.mu.Lock()
	m.convs[id] = conv
	m.mu.Unlock()

	m.logger.Info("conversation created",
		zap.String("conversation_id", id.String()),
		zap.String("model", model),
		zap.Bool("resumed", resumePath != ""))
	return conv, nil
}

func (m *Manager) register(sessionID string, conv *Conversation, resumedFrom string) {
	m.mu.Lock()
	m.sessions[sessionID] = conv.ID
	m.meta[sessionID] = Metadata{
		ConversationID: conv.ID.String(),
		Model:          conv.Model,
		RolloutPath:    conv.RolloutPath,
		ResumedFrom:    resumedFrom,
		CreatedAt:      time.Now().UTC(),
	}
	m.mu.Unlock()
}

// registerIfUnbound binds sessionID to conv unless another conversation got
// there first, in which case the existing one is returned.
func (m *Manager) registerIfUnbound(sessionID string, conv *Conversation) *Conversation {
	m.mu.Lock()
	if id, ok := m.sessions[sessionID]; ok {
		if existing := m.convs[id]; existing != nil {
			m.mu.Unlock()
			return existing
		}
	}
	m.sessions[sessionID] = conv.ID
	m.meta[sessionID] = Metadata{
		ConversationID: conv.ID.String(),
		Model:          conv.Model,
		RolloutPath:    conv.RolloutPath,
		CreatedAt:      time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

// teardown unregisters and kills a conversation that lost a create race.
func (m *Manager) teardown(conv *Conversation) {
	m.mu.Lock()
	delete(m.convs, conv.ID)
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conv.Peer().Close()
		_ = conv.Peer().Kill(ctx)
	}()
}

// waitConfigured consumes events until session_configured arrives. The agent
// emits it first, before any turn activity, so nothing else is lost.
func waitConfigured(peer Peer) (uuid.UUID, string, string, error) {
	deadline := time.After(configureTimeout)
	for {
		select {
		case ev, ok := <-peer.Events():
			if !ok {
				return uuid.Nil, "", "", errors.New("agent exited before session was configured")
			}
			if ev.Kind != transport.KindProto {
				continue
			}
			msg := ev.Proto.Msg
			if msg.Type == codex.EventError {
				return uuid.Nil, "", "", fmt.Errorf("agent failed to configure session: %s", msg.Message)
			}
			if msg.Type != codex.EventSessionConfigured {
				continue
			}
			id, err := uuid.Parse(msg.SessionID)
			if err != nil {
				// Agent ids are uuids; fall back to a fresh one if not.
				id = uuid.New()
			}
			return id, msg.Model, msg.RolloutPath, nil
		case <-deadline:
			return uuid.Nil, "", "", errors.New("timed out waiting for agent session")
		}
	}
}
