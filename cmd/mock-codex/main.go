// Package main implements a mock agent binary that speaks the codex proto
// protocol over stdin/stdout. It generates simulated turns for gateway
// development and e2e tests without a real model behind it.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexcode/codex-gateway/pkg/codex"
)

func main() {
	resumePath := parseResumeFlag(os.Args)

	sessionID := sessionIDFor(resumePath)
	model := envOr("MOCK_CODEX_MODEL", "mock-model")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

	rolloutPath := writeRollout(sessionID, resumePath)
	emit(enc, "", codex.EventMsg{
		Type:        codex.EventSessionConfigured,
		SessionID:   sessionID.String(),
		Model:       model,
		RolloutPath: rolloutPath,
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var sub codex.Submission
		if err := json.Unmarshal(line, &sub); err != nil {
			continue
		}

		switch sub.Op.Type {
		case codex.OpUserTurn:
			runTurn(enc, sub, model)
		case codex.OpInterrupt:
			emit(enc, sub.ID, codex.EventMsg{Type: codex.EventTurnAborted, Reason: "interrupted"})
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-codex: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseResumeFlag extracts the rollout path from "-c experimental_resume=..."
// in the given args slice.
func parseResumeFlag(args []string) string {
	for i, arg := range args {
		if arg != "-c" || i+1 >= len(args) {
			continue
		}
		if v, ok := strings.CutPrefix(args[i+1], "experimental_resume="); ok {
			return v
		}
	}
	return ""
}

// sessionIDFor recovers the session id embedded in a rollout filename, so a
// resumed conversation keeps its identity. Fresh sessions get a new id.
func sessionIDFor(resumePath string) uuid.UUID {
	if resumePath != "" {
		name := strings.TrimSuffix(filepath.Base(resumePath), ".jsonl")
		// rollout filenames end with the 36-char session uuid
		if len(name) >= 36 {
			if id, err := uuid.Parse(name[len(name)-36:]); err == nil {
				return id
			}
		}
	}
	return uuid.New()
}

// writeRollout creates an empty rollout file under the sessions directory so
// the gateway can resume this conversation later.
func writeRollout(sessionID uuid.UUID, resumePath string) string {
	if resumePath != "" {
		return resumePath
	}

	home := envOr("CODEX_HOME", filepath.Join(os.TempDir(), "mock-codex"))
	dir := filepath.Join(home, "sessions", time.Now().Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}

	path := filepath.Join(dir, fmt.Sprintf("rollout-%s-%s.jsonl", time.Now().Format("2006-01-02"), sessionID))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return ""
	}
	return path
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func emit(enc *json.Encoder, id string, msg codex.EventMsg) {
	_ = enc.Encode(codex.Event{ID: id, Msg: msg})
}
