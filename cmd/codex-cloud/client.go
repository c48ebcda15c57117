package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// execRequest is the payload for POST /api/v1/exec/stream.
type execRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// sseEvent is one server-sent event from the stream.
type sseEvent struct {
	Event string
	Data  json.RawMessage
}

// cloudClient talks to a deployed gateway, authenticating with a gcloud
// identity token plus the gateway API key.
type cloudClient struct {
	baseURL string
	token   string
	apiKey  string
	http    *http.Client
}

func newCloudClient(baseURL, apiKey string) (*cloudClient, error) {
	token, err := gcloudIdentityToken()
	if err != nil {
		return nil, err
	}
	return &cloudClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// gcloudIdentityToken shells out to gcloud for an identity token.
func gcloudIdentityToken() (string, error) {
	out, err := exec.Command("gcloud", "auth", "print-identity-token").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("gcloud auth failed: %s (run: gcloud auth login)", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to run gcloud, is it installed and on PATH: %w", err)
	}

	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", fmt.Errorf("gcloud returned an empty token (run: gcloud auth login)")
	}
	return token, nil
}

// execStream opens the SSE stream and hands each event to fn until the
// stream ends or fn returns false.
func (c *cloudClient) execStream(ctx context.Context, req execRequest, fn func(sseEvent) bool) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/exec/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return readSSE(resp.Body, fn)
}

// readSSE parses the event/data line protocol. A blank line terminates
// each event.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			ev.Data = json.RawMessage(strings.TrimSpace(line[len("data:"):]))
		case line == "":
			if ev.Event != "" || len(ev.Data) > 0 {
				if !fn(ev) {
					return nil
				}
			}
			ev = sseEvent{}
		}
	}
	return scanner.Err()
}

// dataField extracts a string field from the event payload.
func (e sseEvent) dataField(name string) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload[name], &s); err != nil {
		return ""
	}
	return s
}
