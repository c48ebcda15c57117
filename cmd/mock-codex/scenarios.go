package main

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nexcode/codex-gateway/pkg/codex"
)

// runTurn routes a user turn to the matching scenario. Prompts starting with
// a slash command select special behavior; everything else gets an echo turn.
func runTurn(enc *json.Encoder, sub codex.Submission, model string) {
	prompt := promptText(sub)

	emit(enc, sub.ID, codex.EventMsg{Type: codex.EventTaskStarted})

	switch {
	case strings.EqualFold(prompt, "/error"):
		emit(enc, sub.ID, codex.EventMsg{
			Type:    codex.EventError,
			Message: "mock agent failure",
		})
		return
	case strings.HasPrefix(strings.ToLower(prompt), "/slow"):
		time.Sleep(slowDelay(prompt))
	case strings.EqualFold(prompt, "/exec"):
		scenarioExec(enc, sub)
	case strings.EqualFold(prompt, "/reasoning"):
		scenarioReasoning(enc, sub)
	case strings.EqualFold(prompt, "/hang"):
		// Never completes; exercises the gateway turn timeout.
		select {}
	}

	message := "echo: " + prompt
	emitMessage(enc, sub.ID, message)
	emitTokenCount(enc, sub.ID)
	emit(enc, sub.ID, codex.EventMsg{
		Type:             codex.EventTaskComplete,
		LastAgentMessage: message,
	})
}

// promptText returns the first text item of the turn.
func promptText(sub codex.Submission) string {
	for _, item := range sub.Op.Items {
		if item.Type == codex.InputText {
			return strings.TrimSpace(item.Text)
		}
	}
	return ""
}

// slowDelay parses "/slow <ms>", defaulting to 2 seconds.
func slowDelay(prompt string) time.Duration {
	fields := strings.Fields(prompt)
	if len(fields) >= 2 {
		if ms, err := strconv.Atoi(fields[1]); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 2 * time.Second
}

// emitMessage streams the message as two deltas followed by the full message.
func emitMessage(enc *json.Encoder, id, message string) {
	half := len(message) / 2
	emit(enc, id, codex.EventMsg{Type: codex.EventAgentMessageDelta, Delta: message[:half]})
	emit(enc, id, codex.EventMsg{Type: codex.EventAgentMessageDelta, Delta: message[half:]})
	emit(enc, id, codex.EventMsg{Type: codex.EventAgentMessage, Message: message})
}

func emitTokenCount(enc *json.Encoder, id string) {
	emit(enc, id, codex.EventMsg{
		Type: codex.EventTokenCount,
		Info: &codex.TokenUsageInfo{
			TotalTokenUsage: &codex.TokenUsage{
				InputTokens:  120,
				OutputTokens: 40,
				TotalTokens:  160,
			},
		},
	})
}

// scenarioExec simulates a command execution in the turn's cwd.
func scenarioExec(enc *json.Encoder, sub codex.Submission) {
	callID := "call-1"
	exitCode := 0

	emit(enc, sub.ID, codex.EventMsg{
		Type:    codex.EventExecCommandBegin,
		CallID:  callID,
		Command: []string{"echo", "hello"},
		Cwd:     sub.Op.Cwd,
	})
	emit(enc, sub.ID, codex.EventMsg{
		Type:             codex.EventExecCommandEnd,
		CallID:           callID,
		Stdout:           "hello\n",
		ExitCode:         &exitCode,
		AggregatedOutput: "hello\n",
	})
}

// scenarioReasoning emits a reasoning stream before the message.
func scenarioReasoning(enc *json.Encoder, sub codex.Submission) {
	emit(enc, sub.ID, codex.EventMsg{Type: codex.EventAgentReasoningDelta, Delta: "Considering the "})
	emit(enc, sub.ID, codex.EventMsg{Type: codex.EventAgentReasoningDelta, Delta: "request."})
	emit(enc, sub.ID, codex.EventMsg{Type: codex.EventAgentReasoning, Text: "Considering the request."})
}
