package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/common/logger"
)

// EventFunc receives each parsed agent event in stdout order.
type EventFunc func(ev *Event)

// RawLineFunc receives stdout lines that did not parse as events.
type RawLineFunc func(line string)

// Stream exchanges submissions and events with an agent over line-delimited
// JSON. Writes to stdin are serialized; reading stdout is single-goroutine.
type Stream struct {
	stdin  io.Writer
	stdout io.Reader

	writeMu sync.Mutex
	logger  *logger.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewStream creates a stream over the agent's piped stdin and stdout.
func NewStream(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Stream {
	return &Stream{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "codex-stream")),
		done:   make(chan struct{}),
	}
}

// Submit writes one submission line to the agent's stdin.
func (s *Stream) Submit(sub *Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	_, err = s.stdin.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write submission: %w", err)
	}

	s.logger.Debug("codex: sent submission",
		zap.String("id", sub.ID),
		zap.String("op", sub.Op.Type))
	return nil
}

// Stop makes ReadEvents return after the current line.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// ReadEvents reads the agent's stdout until EOF, the context is cancelled, or
// Stop is called. Parseable {id,msg} lines go to onEvent; everything else goes
// to onRaw. Returns the scanner error on abnormal stream end, nil on EOF.
func (s *Stream) ReadEvents(ctx context.Context, onEvent EventFunc, onRaw RawLineFunc) error {
	scanner := bufio.NewScanner(s.stdout)
	// Allow for large event lines (agent messages can carry file contents)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Msg.Type == "" {
			if onRaw != nil {
				onRaw(string(line))
			}
			continue
		}

		if onEvent != nil {
			onEvent(&ev)
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error("read loop error", zap.Error(err))
		return err
	}
	return nil
}
