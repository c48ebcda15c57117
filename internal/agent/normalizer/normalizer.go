// Package normalizer maps raw agent events onto the public thread event
// vocabulary. One Normalizer serves one conversation for its lifetime; turns
// are framed explicitly by the caller.
package normalizer

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/pkg/codex"
	"github.com/nexcode/codex-gateway/pkg/threadevents"
)

// Normalizer is a deterministic per-conversation state machine. It is not
// safe for concurrent use; the turn executor drives it from a single
// goroutine.
type Normalizer struct {
	conversationID string
	logger         *logger.Logger

	// threadStarted is conversation-lifetime state: thread.started is
	// emitted at most once per conversation.
	threadStarted bool

	// per-turn state, reset by BeginTurn
	turnStarted  bool
	seq          int
	itemCounter  int
	messageBuf   strings.Builder
	reasoningBuf strings.Builder
	usage        *threadevents.Usage
	openCommands map[string]*threadevents.ThreadItem
	terminal     bool
}

// New creates a normalizer for one conversation.
func New(conversationID string, log *logger.Logger) *Normalizer {
	return &Normalizer{
		conversationID: conversationID,
		logger:         log.WithFields(zap.String("component", "normalizer"), zap.String("conversation_id", conversationID)),
		openCommands:   make(map[string]*threadevents.ThreadItem),
	}
}

// BeginTurn resets the per-turn state. Must be called before the first
// Process of each turn.
func (n *Normalizer) BeginTurn() {
	n.turnStarted = false
	n.seq = 0
	n.itemCounter = 0
	n.messageBuf.Reset()
	n.reasoningBuf.Reset()
	n.usage = nil
	n.openCommands = make(map[string]*threadevents.ThreadItem)
	n.terminal = false
}

// Done reports whether the current turn has reached a terminal event.
func (n *Normalizer) Done() bool {
	return n.terminal
}

// Process consumes one raw agent event and returns zero or more public
// events in emission order.
func (n *Normalizer) Process(ev *codex.Event) []threadevents.ThreadEvent {
	if n.terminal {
		n.logger.Debug("dropping agent event after terminal", zap.String("type", ev.Msg.Type))
		return nil
	}

	msg := &ev.Msg
	switch msg.Type {
	case codex.EventSessionConfigured:
		// Conversation metadata only; the manager records the snapshot.
		return nil

	case codex.EventTaskStarted:
		return n.framing()

	case codex.EventAgentMessageDelta:
		n.messageBuf.WriteString(msg.Delta)
		return n.framing()

	case codex.EventAgentMessage:
		out := n.framing()
		n.messageBuf.Reset()
		item := n.newItem(threadevents.ItemAgentMessage)
		item.Text = msg.Message
		return append(out, n.emit(threadevents.ItemCompleted(0, item)))

	case codex.EventAgentReasoningDelta:
		n.reasoningBuf.WriteString(msg.Delta)
		return n.framing()

	case codex.EventAgentReasoning:
		out := n.framing()
		n.reasoningBuf.Reset()
		item := n.newItem(threadevents.ItemReasoning)
		item.Text = msg.Text
		return append(out, n.emit(threadevents.ItemCompleted(0, item)))

	case codex.EventExecCommandBegin:
		out := n.framing()
		item := n.newItem(threadevents.ItemCommandExecution)
		item.Command = strings.Join(msg.Command, " ")
		item.Status = threadevents.StatusInProgress
		n.openCommands[msg.CallID] = item
		return append(out, n.emit(threadevents.ItemStarted(0, item)))

	case codex.EventExecCommandEnd:
		out := n.framing()
		item, ok := n.openCommands[msg.CallID]
		if !ok {
			item = n.newItem(threadevents.ItemCommandExecution)
		}
		delete(n.openCommands, msg.CallID)
		done := &threadevents.ThreadItem{
			ID:               item.ID,
			Type:             threadevents.ItemCommandExecution,
			Command:          item.Command,
			AggregatedOutput: msg.AggregatedOutput,
			ExitCode:         msg.ExitCode,
		}
		if done.AggregatedOutput == "" {
			done.AggregatedOutput = msg.Stdout
		}
		done.Status = threadevents.StatusCompleted
		if msg.ExitCode != nil && *msg.ExitCode != 0 {
			done.Status = threadevents.StatusFailed
		}
		return append(out, n.emit(threadevents.ItemCompleted(0, done)))

	case codex.EventTokenCount:
		if msg.Info != nil && msg.Info.TotalTokenUsage != nil {
			u := msg.Info.TotalTokenUsage
			n.usage = &threadevents.Usage{
				InputTokens:       u.InputTokens,
				CachedInputTokens: u.CachedInputTokens,
				OutputTokens:      u.OutputTokens,
				ReasoningTokens:   u.ReasoningOutputTokens,
				TotalTokens:       u.TotalTokens,
			}
		}
		return nil

	case codex.EventTaskComplete:
		out := n.framing()
		out = append(out, n.flushDeltas()...)
		n.terminal = true
		return append(out, n.emit(threadevents.TurnCompleted(0, n.usage)))

	case codex.EventTurnAborted:
		out := n.framing()
		out = append(out, n.flushDeltas()...)
		n.terminal = true
		reason := msg.Reason
		if reason == "" {
			reason = "turn aborted"
		}
		return append(out, n.emit(threadevents.TurnFailed(0, reason)))

	case codex.EventError:
		out := n.framing()
		out = append(out, n.flushDeltas()...)
		n.terminal = true
		return append(out, n.emit(threadevents.Error(0, msg.Message)))

	case codex.EventWarning, codex.EventStreamError, codex.EventBackgroundEvent:
		n.logger.Debug("agent side-channel event",
			zap.String("type", msg.Type),
			zap.String("message", msg.Message))
		return nil

	default:
		n.logger.Debug("ignoring unrecognized agent event", zap.String("type", msg.Type))
		return nil
	}
}

// framing emits thread.started (once per conversation) and turn.started
// (once per turn) ahead of the first substantive event.
func (n *Normalizer) framing() []threadevents.ThreadEvent {
	if n.turnStarted {
		return nil
	}
	n.turnStarted = true

	var out []threadevents.ThreadEvent
	if !n.threadStarted {
		n.threadStarted = true
		out = append(out, n.emit(threadevents.ThreadStarted(0, n.conversationID)))
	}
	return append(out, n.emit(threadevents.TurnStarted(0)))
}

// flushDeltas turns accumulated delta text into final items. Used when a
// terminal event arrives before the corresponding final message.
func (n *Normalizer) flushDeltas() []threadevents.ThreadEvent {
	var out []threadevents.ThreadEvent
	if n.reasoningBuf.Len() > 0 {
		item := n.newItem(threadevents.ItemReasoning)
		item.Text = n.reasoningBuf.String()
		n.reasoningBuf.Reset()
		out = append(out, n.emit(threadevents.ItemCompleted(0, item)))
	}
	if n.messageBuf.Len() > 0 {
		item := n.newItem(threadevents.ItemAgentMessage)
		item.Text = n.messageBuf.String()
		n.messageBuf.Reset()
		out = append(out, n.emit(threadevents.ItemCompleted(0, item)))
	}
	return out
}

func (n *Normalizer) newItem(itemType string) *threadevents.ThreadItem {
	id := "item_" + strconv.Itoa(n.itemCounter)
	n.itemCounter++
	return &threadevents.ThreadItem{
		ID:     id,
		Type:   itemType,
		Status: threadevents.StatusCompleted,
	}
}

// emit assigns the next sequence number.
func (n *Normalizer) emit(ev threadevents.ThreadEvent) threadevents.ThreadEvent {
	ev.Seq = n.seq
	n.seq++
	return ev
}
