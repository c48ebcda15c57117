package gateway

import (
	"encoding/json"
	"net/http"
	"testing"
)

type rpcTestResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  map[string]any  `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
	ID      json.RawMessage `json:"id"`
}

type rpcErrorBody struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func rpcCall(t *testing.T, s *Server, body any) rpcTestResponse {
	t.Helper()
	w := postJSON(t, s, "/jsonrpc", body)
	if w.Code != http.StatusOK {
		t.Fatalf("JSON-RPC must always answer 200, got %d", w.Code)
	}
	var resp rpcTestResponse
	decodeBody(t, w, &resp)
	if resp.JSONRPC != "2.0" {
		t.Fatalf("Expected jsonrpc 2.0, got %q", resp.JSONRPC)
	}
	return resp
}

func TestRPCPrompt(t *testing.T) {
	s := newTestServer(t, testConfig())

	resp := rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.prompt",
		"params":  map[string]any{"prompt": "echo hello", "session_id": "s1"},
		"id":      1,
	})
	if resp.Error != nil {
		t.Fatalf("Unexpected error: %+v", resp.Error)
	}
	if resp.Result["status"] != "completed" {
		t.Errorf("Expected completed, got %v", resp.Result["status"])
	}
	if resp.Result["conversation_id"] == "" {
		t.Error("Expected a conversation id")
	}
}

func TestRPCPromptMissingPrompt(t *testing.T) {
	s := newTestServer(t, testConfig())
	resp := rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.prompt",
		"params":  map[string]any{"session_id": "s1"},
		"id":      2,
	})
	if resp.Error == nil || resp.Error.Code != rpcInvalidParams {
		t.Errorf("Expected -32602, got %+v", resp.Error)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	s := newTestServer(t, testConfig())
	resp := rpcCall(t, s, map[string]any{"jsonrpc": "2.0", "method": "foo", "id": 7})

	if resp.Error == nil || resp.Error.Code != rpcMethodNotFound {
		t.Fatalf("Expected -32601, got %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("Expected id 7 echoed, got %s", resp.ID)
	}
	methods, ok := resp.Error.Data["available_methods"].([]any)
	if !ok || len(methods) != 3 {
		t.Fatalf("Expected 3 available methods, got %v", resp.Error.Data)
	}
	want := map[string]bool{
		"conversation.prompt": true,
		"conversation.status": true,
		"conversation.cancel": true,
	}
	for _, m := range methods {
		if !want[m.(string)] {
			t.Errorf("Unexpected method %v", m)
		}
	}
}

func TestRPCStatusLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig())

	// Unknown session is not an error.
	resp := rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.status",
		"params":  map[string]any{"session_id": "s1"},
		"id":      1,
	})
	if resp.Error != nil {
		t.Fatalf("Unexpected error: %+v", resp.Error)
	}
	if resp.Result["status"] != "not_found" {
		t.Errorf("Expected not_found, got %v", resp.Result)
	}

	// Prompt binds the session, status sees it, cancel unbinds it.
	rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.prompt",
		"params":  map[string]any{"prompt": "hi", "session_id": "s1"},
		"id":      2,
	})

	resp = rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.status",
		"params":  map[string]any{"session_id": "s1"},
		"id":      3,
	})
	if resp.Result["status"] != "active" || resp.Result["conversation_id"] == "" {
		t.Errorf("Expected active binding, got %v", resp.Result)
	}

	resp = rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.cancel",
		"params":  map[string]any{"session_id": "s1"},
		"id":      4,
	})
	if resp.Error != nil || resp.Result["cancelled"] != true {
		t.Fatalf("Expected cancel to succeed, got %+v / %+v", resp.Result, resp.Error)
	}

	resp = rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.status",
		"params":  map[string]any{"session_id": "s1"},
		"id":      5,
	})
	if resp.Result["status"] != "not_found" {
		t.Errorf("Expected not_found after cancel, got %v", resp.Result)
	}
}

func TestRPCCancelUnknownSession(t *testing.T) {
	s := newTestServer(t, testConfig())
	resp := rpcCall(t, s, map[string]any{
		"jsonrpc": "2.0",
		"method":  "conversation.cancel",
		"params":  map[string]any{"session_id": "nope"},
		"id":      9,
	})
	if resp.Error == nil || resp.Error.Code != rpcInvalidParams {
		t.Errorf("Expected -32602 for unknown session, got %+v", resp.Error)
	}
}

func TestRPCInvalidVersion(t *testing.T) {
	s := newTestServer(t, testConfig())
	resp := rpcCall(t, s, map[string]any{"jsonrpc": "1.0", "method": "conversation.status", "id": 1})
	if resp.Error == nil || resp.Error.Code != rpcInvalidRequest {
		t.Errorf("Expected -32600, got %+v", resp.Error)
	}
}
