// Package executor orchestrates one turn end-to-end: it resolves the
// conversation, submits the user turn to the agent, drains and normalizes
// the event stream, and fans results out to buffered and streaming callers.
package executor

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/agent/normalizer"
	"github.com/nexcode/codex-gateway/internal/agent/transport"
	"github.com/nexcode/codex-gateway/internal/common/config"
	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/internal/conversation"
	"github.com/nexcode/codex-gateway/internal/events/bus"
	"github.com/nexcode/codex-gateway/pkg/codex"
	"github.com/nexcode/codex-gateway/pkg/threadevents"
)

// Turn status values for buffered responses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusUnknown   = "unknown"
)

// TopicTurnCompleted is the bus subject carrying TurnRecord payloads after
// every terminal turn. The persistence sink subscribes to it.
const TopicTurnCompleted = "gateway.turns.completed"

// Request is one turn submission. Zero-valued optional fields fall back to
// the configured agent defaults.
type Request struct {
	Prompt       string          `json:"prompt"`
	SessionID    string          `json:"session_id,omitempty"`
	Images       []string        `json:"images,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	Model        string          `json:"model,omitempty"`
	SandboxMode  string          `json:"sandbox_mode,omitempty"`
	TimeoutMs    int64           `json:"timeout_ms,omitempty"`
}

// Result is the buffered view of a completed turn.
type Result struct {
	ConversationID string                     `json:"conversation_id"`
	Events         []threadevents.ThreadEvent `json:"events"`
	Status         string                     `json:"status"`
	Error          string                     `json:"error,omitempty"`
}

// Notification is one fan-out unit: the raw transport event and the public
// events the normalizer derived from it. Synthetic errors injected by the
// executor arrive as fabricated proto error events.
type Notification struct {
	Source transport.Event
	Events []threadevents.ThreadEvent
}

// TurnRecord is the terminal-turn payload published on the event bus for
// persistence. Status here distinguishes timeout from other failures.
type TurnRecord struct {
	SessionID      string         `json:"session_id"`
	ConversationID string         `json:"conversation_id"`
	Prompt         string         `json:"prompt"`
	ExitCode       int            `json:"exit_code"`
	Status         string         `json:"status"`
	ElapsedMs      int64          `json:"execution_time_ms"`
	Stdout         []string       `json:"stdout,omitempty"`
	Stderr         []string       `json:"stderr,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// InvalidRequestError marks client-induced failures that surface as 400s.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return e.Message
}

// Executor runs turns against conversations managed by the conversation
// manager. It is safe for concurrent use; per-conversation serialization is
// enforced by the conversation turn lock.
type Executor struct {
	manager  *conversation.Manager
	cfg      config.AgentConfig
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates a turn executor.
func New(manager *conversation.Manager, cfg config.AgentConfig, eventBus bus.EventBus, log *logger.Logger) *Executor {
	return &Executor{
		manager:  manager,
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "executor")),
	}
}

// Manager exposes the conversation manager for surface handlers that need
// resume, status, cancel, and interrupt.
func (e *Executor) Manager() *conversation.Manager {
	return e.manager
}

// Execute runs a turn and buffers the full event sequence before returning.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	var events []threadevents.ThreadEvent
	result, err := e.run(ctx, req, func(n Notification) bool {
		events = append(events, n.Events...)
		return true
	})
	if err != nil {
		return nil, err
	}
	result.Events = events
	return result, nil
}

// Subscription is a live view onto one running turn. Events is closed when
// the turn reaches its terminal event; Result is valid only after that.
type Subscription struct {
	Events <-chan Notification

	done   chan struct{}
	result *Result
	err    error
}

// Wait blocks until the turn finishes and returns the buffered-equivalent
// result (without the event array; the subscriber already consumed those).
func (s *Subscription) Wait() (*Result, error) {
	<-s.done
	return s.result, s.err
}

// subscriberQueueSize bounds the per-subscriber queue. A subscriber that
// falls this far behind is disconnected to protect the executor.
const subscriberQueueSize = 256

// Stream runs a turn and forwards events to the returned subscription as
// they are produced. A full queue or a cancelled context stops forwarding;
// the turn itself continues to its terminal event.
func (e *Executor) Stream(ctx context.Context, req Request) (*Subscription, error) {
	if _, err := buildInputs(req.Prompt, req.Images); err != nil {
		return nil, err
	}

	ch := make(chan Notification, subscriberQueueSize)
	sub := &Subscription{
		Events: ch,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(ch)
		sub.result, sub.err = e.run(ctx, req, func(n Notification) bool {
			select {
			case <-ctx.Done():
				return false
			default:
			}
			select {
			case ch <- n:
				return true
			default:
				e.logger.Warn("disconnecting slow subscriber",
					zap.String("session_id", req.SessionID))
				return false
			}
		})
	}()

	return sub, nil
}

// run drives one turn. emit is called in event order; returning false stops
// forwarding but the turn is still drained to its terminal event so the
// conversation lock is released cleanly and persistence still fires.
func (e *Executor) run(ctx context.Context, req Request, emit func(Notification) bool) (*Result, error) {
	inputs, err := buildInputs(req.Prompt, req.Images)
	if err != nil {
		return nil, err
	}

	conv, err := e.manager.GetOrCreate(req.SessionID)
	if err != nil {
		return nil, err
	}

	conv.AcquireTurn()
	defer conv.ReleaseTurn()

	norm := conv.Normalizer()
	norm.BeginTurn()

	timeout := e.cfg.TurnTimeout()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	st := &turnState{emit: emit}

	sub := &codex.Submission{
		ID: uuid.New().String(),
		Op: codex.Op{
			Type:           codex.OpUserTurn,
			Items:          inputs,
			Cwd:            orDefault(req.Cwd, e.cfg.WorkDir),
			ApprovalPolicy: e.cfg.ApprovalPolicy,
			SandboxPolicy:  &codex.SandboxPolicy{Mode: orDefault(req.SandboxMode, e.cfg.SandboxMode)},
			Model:          orDefault(req.Model, e.cfg.Model),
			Effort:         e.cfg.Effort,
			Summary:        e.cfg.Summary,
			OutputSchema:   req.OutputSchema,
		},
	}

	if err := conv.Peer().Submit(sub); err != nil {
		e.logger.Error("turn submission failed",
			zap.String("conversation_id", conv.ID.String()),
			zap.Error(err))
		st.synthetic(norm, "failed to submit turn to agent: "+err.Error(), "submit_failed")
	} else {
		e.drain(ctx, conv, norm, st, timeout)
	}

	elapsed := time.Since(start)
	status := deriveStatus(st.all)

	result := &Result{
		ConversationID: conv.ID.String(),
		Status:         status,
	}
	if msg := lastErrorMessage(st.all); msg != "" && status != StatusCompleted {
		result.Error = msg
	}

	e.publishRecord(ctx, conv, req, st, status, elapsed)

	if st.agentDead {
		e.manager.Drop(conv.ID)
	}

	return result, nil
}

// turnState accumulates per-turn bookkeeping shared by drain and the
// synthetic-error path.
type turnState struct {
	emit      func(Notification) bool
	stopped   bool
	all       []threadevents.ThreadEvent
	stdout    []string
	stderr    []string
	timedOut  bool
	agentDead bool
}

func (st *turnState) deliver(n Notification) {
	st.all = append(st.all, n.Events...)
	if st.emit != nil && !st.stopped {
		if !st.emit(n) {
			st.stopped = true
		}
	}
}

// synthetic fabricates a proto error event and routes it through the
// normalizer so it carries a proper sequence number and terminates the turn.
func (st *turnState) synthetic(norm *normalizer.Normalizer, message, reason string) {
	if norm.Done() {
		return
	}
	ev := &codex.Event{
		ID: "gateway",
		Msg: codex.EventMsg{
			Type:    codex.EventError,
			Message: message,
			Reason:  reason,
		},
	}
	st.deliver(Notification{
		Source: transport.Event{Kind: transport.KindProto, Proto: ev},
		Events: norm.Process(ev),
	})
}

// drain pulls transport events until the normalizer reaches a terminal
// event, the deadline fires, or the agent stream closes.
func (e *Executor) drain(ctx context.Context, conv *conversation.Conversation, norm *normalizer.Normalizer, st *turnState, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	events := conv.Peer().Events()
	ctxDone := ctx.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The transport injects an unexpected_eof error before
				// closing, so a terminal event has normally been seen by
				// now. Anything else is a kill race.
				st.agentDead = true
				st.synthetic(norm, "agent event stream closed before the turn finished", "unexpected_eof")
				return
			}
			switch ev.Kind {
			case transport.KindProto:
				st.deliver(Notification{Source: ev, Events: norm.Process(ev.Proto)})
				if norm.Done() {
					return
				}
			case transport.KindStdoutLine:
				st.stdout = append(st.stdout, ev.Line)
				st.deliver(Notification{Source: ev})
			case transport.KindStderrLine:
				st.stderr = append(st.stderr, ev.Line)
				st.deliver(Notification{Source: ev})
			}

		case <-timer.C:
			st.timedOut = true
			st.agentDead = true
			e.logger.Warn("turn deadline expired, killing agent",
				zap.String("conversation_id", conv.ID.String()),
				zap.Duration("timeout", timeout))
			killCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := conv.Peer().Kill(killCtx); err != nil {
				e.logger.Error("failed to kill agent after timeout", zap.Error(err))
			}
			cancel()
			st.synthetic(norm, "turn timed out after "+timeout.String(), "timeout")
			return

		case <-ctxDone:
			// Caller is gone. Stop forwarding but keep draining so the
			// turn reaches its terminal event and the lock is released.
			st.stopped = true
			ctxDone = nil
		}
	}
}

func (e *Executor) publishRecord(ctx context.Context, conv *conversation.Conversation, req Request, st *turnState, status string, elapsed time.Duration) {
	recordStatus := StatusCompleted
	switch {
	case st.timedOut:
		recordStatus = "timeout"
	case status != StatusCompleted:
		recordStatus = StatusFailed
	}

	exitCode := 0
	select {
	case <-conv.Peer().Done():
		exitCode = conv.Peer().ExitCode()
	default:
		if recordStatus != StatusCompleted {
			exitCode = 1
		}
	}

	stderr := st.stderr
	if len(stderr) == 0 {
		stderr = conv.Peer().StderrLines()
	}

	record := &TurnRecord{
		SessionID:      req.SessionID,
		ConversationID: conv.ID.String(),
		Prompt:         req.Prompt,
		ExitCode:       exitCode,
		Status:         recordStatus,
		ElapsedMs:      elapsed.Milliseconds(),
		Stdout:         st.stdout,
		Stderr:         stderr,
		Timestamp:      time.Now().UTC(),
		Metadata: map[string]any{
			"model":        conv.Model,
			"event_count":  len(st.all),
			"rollout_path": conv.RolloutPath,
		},
	}

	if err := e.eventBus.Publish(ctx, TopicTurnCompleted, bus.NewEvent(TopicTurnCompleted, "executor", record)); err != nil {
		e.logger.Error("failed to publish turn record", zap.Error(err))
	}
}

// buildInputs assembles the agent input list: images first, then the text
// prompt. Missing local image files fail before any conversation is touched.
func buildInputs(prompt string, images []string) ([]codex.UserInput, error) {
	inputs := make([]codex.UserInput, 0, len(images)+1)
	for _, img := range images {
		if strings.HasPrefix(img, "data:") {
			inputs = append(inputs, codex.ImageInput(img))
			continue
		}
		if _, err := os.Stat(img); err != nil {
			return nil, &InvalidRequestError{Message: "Image file not found: " + img}
		}
		inputs = append(inputs, codex.LocalImageInput(img))
	}
	return append(inputs, codex.TextInput(prompt)), nil
}

// deriveStatus applies the first-match precedence error > failed >
// completed > unknown over the full event set.
func deriveStatus(events []threadevents.ThreadEvent) string {
	var failed, completed bool
	for _, ev := range events {
		switch ev.Type {
		case threadevents.TypeError:
			return StatusError
		case threadevents.TypeTurnFailed:
			failed = true
		case threadevents.TypeTurnCompleted:
			completed = true
		}
	}
	if failed {
		return StatusFailed
	}
	if completed {
		return StatusCompleted
	}
	return StatusUnknown
}

func lastErrorMessage(events []threadevents.ThreadEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type == threadevents.TypeError && ev.Message != "" {
			return ev.Message
		}
		if ev.Type == threadevents.TypeTurnFailed && ev.Error != nil {
			return ev.Error.Message
		}
	}
	return ""
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
