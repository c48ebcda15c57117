package codex

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nexcode/codex-gateway/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestSubmitWritesOneLine(t *testing.T) {
	pr, pw := io.Pipe()
	stream := NewStream(pw, strings.NewReader(""), newTestLogger(t))

	lines := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(pr)
		lines <- string(data)
	}()

	sub := &Submission{
		ID: "sub-1",
		Op: Op{
			Type:           OpUserTurn,
			Items:          []UserInput{TextInput("hello")},
			Cwd:            "/tmp",
			ApprovalPolicy: ApprovalNever,
			SandboxPolicy:  &SandboxPolicy{Mode: SandboxFullAccess},
			Effort:         "medium",
			Summary:        "auto",
		},
	}
	if err := stream.Submit(sub); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	pw.Close()

	line := <-lines
	if !strings.HasSuffix(line, "\n") {
		t.Error("Expected trailing newline")
	}
	if strings.Count(line, "\n") != 1 {
		t.Errorf("Expected exactly one line, got %q", line)
	}

	var decoded Submission
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("Failed to decode submission: %v", err)
	}
	if decoded.ID != "sub-1" {
		t.Errorf("Expected id sub-1, got %s", decoded.ID)
	}
	if decoded.Op.Type != OpUserTurn {
		t.Errorf("Expected op type user_turn, got %s", decoded.Op.Type)
	}
	if decoded.Op.SandboxPolicy == nil || decoded.Op.SandboxPolicy.Mode != SandboxFullAccess {
		t.Error("Expected sandbox_policy mode to survive the round trip")
	}
	if len(decoded.Op.Items) != 1 || decoded.Op.Items[0].Text != "hello" {
		t.Errorf("Expected one text item, got %+v", decoded.Op.Items)
	}
}

func TestInterruptOmitsTurnFields(t *testing.T) {
	data, err := json.Marshal(&Submission{ID: "sub-2", Op: Op{Type: OpInterrupt}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)
	for _, field := range []string{"items", "cwd", "approval_policy", "sandbox_policy", "model"} {
		if strings.Contains(s, field) {
			t.Errorf("Expected interrupt op to omit %q, got %s", field, s)
		}
	}
}

func TestReadEventsParsesEventsAndRawLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"sub-1","msg":{"type":"session_configured","session_id":"abc","model":"gpt-5"}}`,
		`not json at all`,
		`{"id":"sub-1","msg":{"type":"agent_message","message":"hi"}}`,
		`{"id":"sub-1","msg":{"type":"task_complete","last_agent_message":"hi"}}`,
	}, "\n") + "\n"

	stream := NewStream(io.Discard, strings.NewReader(input), newTestLogger(t))

	var events []Event
	var raws []string
	err := stream.ReadEvents(context.Background(),
		func(ev *Event) { events = append(events, *ev) },
		func(line string) { raws = append(raws, line) },
	)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Msg.Type != EventSessionConfigured || events[0].Msg.SessionID != "abc" {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[1].Msg.Message != "hi" {
		t.Errorf("Expected agent_message text, got %+v", events[1])
	}
	if !events[2].Msg.IsTerminal() {
		t.Error("Expected task_complete to be terminal")
	}
	if len(raws) != 1 || raws[0] != "not json at all" {
		t.Errorf("Expected one raw line, got %v", raws)
	}
}

func TestReadEventsStop(t *testing.T) {
	pr, pw := io.Pipe()
	stream := NewStream(io.Discard, pr, newTestLogger(t))

	done := make(chan error, 1)
	go func() {
		done <- stream.ReadEvents(context.Background(), nil, nil)
	}()

	if _, err := pw.Write([]byte(`{"id":"1","msg":{"type":"task_started"}}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	stream.Stop()
	if _, err := pw.Write([]byte(`{"id":"1","msg":{"type":"task_started"}}` + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error after Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadEvents did not return after Stop")
	}
	pw.Close()
}

func TestUnknownEventTypeRoundTrip(t *testing.T) {
	line := `{"id":"x","msg":{"type":"plan_update","plan":[{"step":"do things","status":"in_progress"}]}}`

	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if ev.Msg.Type != "plan_update" {
		t.Fatalf("Expected type plan_update, got %s", ev.Msg.Type)
	}
	if ev.Msg.Raw == nil {
		t.Fatal("Expected raw payload to be preserved for unknown type")
	}

	out, err := json.Marshal(&ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"plan"`) {
		t.Errorf("Expected unknown payload to survive the round trip, got %s", out)
	}
}

func TestKnownEventTypeHasNoRaw(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"id":"x","msg":{"type":"error","message":"boom"}}`), &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if ev.Msg.Raw != nil {
		t.Error("Expected no raw payload for a known type")
	}
	if ev.Msg.Message != "boom" {
		t.Errorf("Expected message boom, got %q", ev.Msg.Message)
	}
}

func TestTokenCountRoundTrip(t *testing.T) {
	window := int64(272000)
	ev := Event{
		ID: "sub-1",
		Msg: EventMsg{
			Type: EventTokenCount,
			Info: &TokenUsageInfo{
				TotalTokenUsage:    &TokenUsage{InputTokens: 120, OutputTokens: 40, TotalTokens: 160},
				ModelContextWindow: &window,
			},
		},
	}

	data, err := json.Marshal(&ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Msg.Info == nil || decoded.Msg.Info.TotalTokenUsage == nil {
		t.Fatal("Expected usage info to survive the round trip")
	}
	if decoded.Msg.Info.TotalTokenUsage.TotalTokens != 160 {
		t.Errorf("Expected 160 total tokens, got %d", decoded.Msg.Info.TotalTokenUsage.TotalTokens)
	}
}
