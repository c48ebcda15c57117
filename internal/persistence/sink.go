// Package persistence uploads terminal session records and agent-created
// files to object storage. It runs off the event bus; nothing here is on the
// request path and failures are never surfaced to clients.
package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/common/config"
	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/internal/events/bus"
	"github.com/nexcode/codex-gateway/internal/executor"
)

// persistTimeout bounds one persistence job end-to-end.
const persistTimeout = 2 * time.Minute

// ObjectStore abstracts the bucket upload. The production implementation is
// GCS; tests use an in-memory store.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error)
}

// SessionRecord is the persisted artefact for one completed turn.
type SessionRecord struct {
	SessionID     string         `json:"session_id"`
	Prompt        string         `json:"prompt"`
	ExitCode      int            `json:"exit_code"`
	Status        string         `json:"status"`
	ExecutionTime int64          `json:"execution_time_ms"`
	Stdout        []string       `json:"stdout"`
	Stderr        []string       `json:"stderr"`
	CreatedFiles  []string       `json:"created_files"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata"`
}

// Sink listens for terminal turns and persists their artefacts.
type Sink struct {
	store   ObjectStore
	cfg     config.GCSConfig
	workDir string
	logger  *logger.Logger
}

// NewSink creates a persistence sink. workDir is the directory scanned for
// files the agent created during the turn.
func NewSink(store ObjectStore, cfg config.GCSConfig, workDir string, log *logger.Logger) *Sink {
	return &Sink{
		store:   store,
		cfg:     cfg,
		workDir: workDir,
		logger:  log.WithFields(zap.String("component", "persistence")),
	}
}

// Attach subscribes the sink to terminal-turn events. Each record is
// persisted on its own goroutine; the bus handler never blocks on uploads.
func (s *Sink) Attach(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(executor.TopicTurnCompleted, func(ctx context.Context, ev *bus.Event) error {
		rec, err := decodeRecord(ev.Data)
		if err != nil {
			s.logger.Error("unreadable turn record on bus", zap.Error(err))
			return nil
		}
		go s.Persist(rec)
		return nil
	})
}

// Persist uploads created files and the session record for one turn.
// Unconfigured buckets skip their step silently.
func (s *Sink) Persist(rec *executor.TurnRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = rec.ConversationID
	}

	var createdFiles []string
	if s.cfg.FilesBucket != "" {
		createdFiles = s.uploadCreatedFiles(ctx, sessionID)
	}

	if s.cfg.SessionBucket == "" {
		return
	}

	record := SessionRecord{
		SessionID:     sessionID,
		Prompt:        rec.Prompt,
		ExitCode:      rec.ExitCode,
		Status:        rec.Status,
		ExecutionTime: rec.ElapsedMs,
		Stdout:        rec.Stdout,
		Stderr:        rec.Stderr,
		CreatedFiles:  createdFiles,
		Timestamp:     rec.Timestamp,
		Metadata:      rec.Metadata,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		s.logger.Error("failed to serialize session record", zap.Error(err))
		return
	}

	object := "sessions/" + sessionID + "-" + rec.Timestamp.UTC().Format(time.RFC3339) + ".json"
	uri, err := s.store.Upload(ctx, s.cfg.SessionBucket, object, data, "application/json")
	if err != nil {
		s.logger.Error("failed to upload session record",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	s.logger.Info("session record persisted",
		zap.String("session_id", sessionID),
		zap.String("uri", uri),
		zap.Int("created_files", len(createdFiles)))
}

// uploadCreatedFiles walks the agent work directory and uploads each regular
// file, skipping dotfiles and temp files. Returns the uploaded URIs.
func (s *Sink) uploadCreatedFiles(ctx context.Context, sessionID string) []string {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		s.logger.Error("failed to read work directory",
			zap.String("dir", s.workDir),
			zap.Error(err))
		return nil
	}

	var uris []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || skipFile(name) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.workDir, name))
		if err != nil {
			s.logger.Warn("failed to read created file",
				zap.String("file", name),
				zap.Error(err))
			continue
		}

		object := "files/" + sessionID + "/" + name
		uri, err := s.store.Upload(ctx, s.cfg.FilesBucket, object, data, "application/octet-stream")
		if err != nil {
			s.logger.Warn("failed to upload created file",
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		uris = append(uris, uri)
	}
	return uris
}

func skipFile(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

// decodeRecord recovers a TurnRecord from bus event data. The memory bus
// delivers the typed pointer; brokered buses deliver re-unmarshalled JSON.
func decodeRecord(data any) (*executor.TurnRecord, error) {
	switch v := data.(type) {
	case *executor.TurnRecord:
		return v, nil
	case executor.TurnRecord:
		return &v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var rec executor.TurnRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	}
}
