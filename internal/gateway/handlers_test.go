package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/nexcode/codex-gateway/internal/agent/transport"
	"github.com/nexcode/codex-gateway/internal/auth"
	"github.com/nexcode/codex-gateway/internal/common/config"
	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/internal/conversation"
	"github.com/nexcode/codex-gateway/internal/events/bus"
	"github.com/nexcode/codex-gateway/internal/executor"
	"github.com/nexcode/codex-gateway/pkg/codex"
	"github.com/nexcode/codex-gateway/pkg/threadevents"
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

// fakePeer replays a canned happy turn for every user_turn submission.
type fakePeer struct {
	mu     sync.Mutex
	events chan transport.Event
	done   chan struct{}
	killed bool
}

func newFakePeer(id uuid.UUID, rolloutPath string) *fakePeer {
	p := &fakePeer{
		events: make(chan transport.Event, 256),
		done:   make(chan struct{}),
	}
	p.emit(codex.EventMsg{
		Type:        codex.EventSessionConfigured,
		SessionID:   id.String(),
		Model:       "gpt-5",
		RolloutPath: rolloutPath,
	})
	return p
}

func (p *fakePeer) emit(msg codex.EventMsg) {
	p.events <- transport.Event{Kind: transport.KindProto, Proto: &codex.Event{ID: "sub", Msg: msg}}
}

func (p *fakePeer) Submit(sub *codex.Submission) error {
	if sub.Op.Type != codex.OpUserTurn {
		return nil
	}
	go func() {
		p.emit(codex.EventMsg{Type: codex.EventTaskStarted})
		p.emit(codex.EventMsg{Type: codex.EventAgentMessage, Message: "hello"})
		p.emit(codex.EventMsg{Type: codex.EventTaskComplete, LastAgentMessage: "hello"})
	}()
	return nil
}

func (p *fakePeer) Events() <-chan transport.Event { return p.events }

func (p *fakePeer) Kill(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.done)
	}
	return nil
}

func (p *fakePeer) Close()                {}
func (p *fakePeer) Done() <-chan struct{} { return p.done }
func (p *fakePeer) ExitCode() int         { return 0 }
func (p *fakePeer) StderrLines() []string { return nil }

// fakeLauncher hands out fakePeers and maintains rollout files under home
// so resume behaves like the real agent.
type fakeLauncher struct {
	home string
}

func (l *fakeLauncher) Launch(resumePath string) (conversation.Peer, error) {
	var id uuid.UUID
	if resumePath != "" {
		// A resumed conversation keeps the id embedded in its rollout.
		base := filepath.Base(resumePath)
		raw := strings.TrimSuffix(strings.TrimPrefix(base, "rollout-"), ".jsonl")
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		id = parsed
	} else {
		id = uuid.New()
		dir := filepath.Join(l.home, "sessions")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		resumePath = filepath.Join(dir, "rollout-"+id.String()+".jsonl")
		if err := os.WriteFile(resumePath, []byte("{}\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return newFakePeer(id, resumePath), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080, RequestTimeoutSecs: 120},
		BodyLimits: config.BodyLimitsConfig{
			Enabled: true,
			Default: 2 * 1024 * 1024,
			JSONRPC: 1024 * 1024,
			Webhook: 10 * 1024 * 1024,
			Health:  1024,
		},
		WebSocket: config.WebSocketConfig{MaxConnections: 100},
		OAuth:     config.OAuthConfig{ClientID: "client-1", ClientSecret: "secret-1"},
		Agent: config.AgentConfig{
			WorkDir:         "/tmp",
			Model:           "gpt-5",
			ApprovalPolicy:  "never",
			SandboxMode:     "danger-full-access",
			Effort:          "medium",
			Summary:         "auto",
			TurnTimeoutSecs: 60,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	log := newTestLogger(t)
	home := t.TempDir()
	mgr := conversation.NewManager(&fakeLauncher{home: home}, home, log)
	exec := executor.New(mgr, cfg.Agent, bus.NewMemoryEventBus(log), log)

	keys, err := auth.NewKeyStore(":memory:", log)
	if err != nil {
		t.Fatalf("Failed to open key store: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	if cfg.Auth.APIKey != "" {
		if err := keys.Seed(context.Background(), cfg.Auth.APIKey, "gateway", "gateway"); err != nil {
			t.Fatalf("Failed to seed key: %v", err)
		}
	}

	return New(cfg, exec, keys, auth.NewOAuthStore(cfg.OAuth), log)
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body)
	}
}

func TestExecBasicTurn(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := postJSON(t, s, "/exec", map[string]any{"prompt": "echo hello", "session_id": "s1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result executor.Result
	decodeBody(t, w, &result)
	if _, err := uuid.Parse(result.ConversationID); err != nil {
		t.Errorf("Expected valid conversation id, got %q", result.ConversationID)
	}
	if len(result.Events) == 0 {
		t.Fatal("Expected non-empty events")
	}
	if result.Events[0].Type != threadevents.TypeThreadStarted {
		t.Errorf("Expected first event thread.started, got %s", result.Events[0].Type)
	}
	if last := result.Events[len(result.Events)-1]; last.Type != threadevents.TypeTurnCompleted {
		t.Errorf("Expected last event turn.completed, got %s", last.Type)
	}
	if result.Status != "completed" {
		t.Errorf("Expected completed, got %s", result.Status)
	}
}

func TestExecMissingPrompt(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := postJSON(t, s, "/exec", map[string]any{"session_id": "s2"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing prompt, got %d", w.Code)
	}
}

func TestExecEmptyPromptAccepted(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := postJSON(t, s, "/exec", map[string]any{"prompt": "", "session_id": "s2"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected empty prompt to pass the surface, got %d", w.Code)
	}
}

func TestExecBadImagePath(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := postJSON(t, s, "/exec", map[string]any{
		"prompt": "describe",
		"images": []string{"/nonexistent/pic.png"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["error"] != "Image file not found: /nonexistent/pic.png" {
		t.Errorf("Unexpected error message: %v", body["error"])
	}
}

func TestResumeRoundTrip(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := postJSON(t, s, "/exec", map[string]any{"prompt": "hi", "session_id": "a"})
	if w.Code != http.StatusOK {
		t.Fatalf("Exec failed: %d", w.Code)
	}
	var result executor.Result
	decodeBody(t, w, &result)
	cid := result.ConversationID

	w = postJSON(t, s, "/exec/resume", map[string]any{"conversation_id": cid, "session_id": "b"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on resume, got %d: %s", w.Code, w.Body.String())
	}
	var resumed map[string]string
	decodeBody(t, w, &resumed)
	if resumed["conversation_id"] != cid {
		t.Errorf("Expected resumed id %s, got %s", cid, resumed["conversation_id"])
	}
	if resumed["session_id"] != "b" {
		t.Errorf("Expected session b, got %s", resumed["session_id"])
	}
}

func TestResumeUnknownConversation(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := postJSON(t, s, "/exec/resume", map[string]any{
		"conversation_id": "00000000-0000-0000-0000-000000000000",
		"session_id":      "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["error"] == nil || body["error"] == "" {
		t.Error("Expected an error field")
	}
}

func TestResumeInvalidID(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := postJSON(t, s, "/exec/resume", map[string]any{"conversation_id": "garbage", "session_id": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid id, got %d", w.Code)
	}
}

func TestWebhookAccepted(t *testing.T) {
	s := newTestServer(t, testConfig())
	w := postJSON(t, s, "/webhook", map[string]any{"event": "push", "ref": "main"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["status"] != "accepted" {
		t.Errorf("Expected accepted, got %v", body)
	}
	if body["timestamp"] == nil {
		t.Error("Expected a timestamp")
	}
}

func TestBodyLimitRejectsOversized(t *testing.T) {
	cfg := testConfig()
	cfg.BodyLimits.Default = 64
	s := newTestServer(t, cfg)

	w := postJSON(t, s, "/exec", map[string]any{
		"prompt":     strings.Repeat("x", 256),
		"session_id": "s1",
	})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
}

func TestBodyLimitDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.BodyLimits.Enabled = false
	cfg.BodyLimits.Default = 64
	s := newTestServer(t, cfg)

	w := postJSON(t, s, "/exec", map[string]any{
		"prompt":     strings.Repeat("x", 256),
		"session_id": "s1",
	})
	if w.Code != http.StatusOK {
		t.Errorf("Expected limits off, got %d", w.Code)
	}
}

func TestAPIKeyEnforcedWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.APIKey = "sk-gateway"
	s := newTestServer(t, cfg)

	w := postJSON(t, s, "/exec", map[string]any{"prompt": "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	data, _ := json.Marshal(map[string]any{"prompt": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/exec", bytes.NewReader(data))
	req.Header.Set("X-API-Key", "sk-gateway")
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w2.Code)
	}

	// Health stays exempt.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w3 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w3, req)
	if w3.Code != http.StatusOK {
		t.Errorf("Expected health exempt from auth, got %d", w3.Code)
	}
}

func TestExecStreamSSE(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := postJSON(t, s, "/api/v1/exec/stream", map[string]any{"prompt": "echo hello", "session_id": "s1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected SSE content type, got %q", ct)
	}

	body := w.Body.String()
	for _, want := range []string{"event:agent_output", "event:task_completed"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in SSE stream:\n%s", want, body)
		}
	}
}
