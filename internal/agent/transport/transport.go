// Package transport spawns the agent binary in proto mode and exchanges
// line-delimited JSON with it over the process's standard streams.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/pkg/codex"
)

// Event kinds carried on the transport event channel.
const (
	KindProto      = "proto"
	KindStdoutLine = "stdout_line"
	KindStderrLine = "stderr_line"
)

// Event is one item read from the agent's output streams. Proto is set for
// parsed {id,msg} lines; Line carries raw stdout/stderr text otherwise.
type Event struct {
	Kind  string
	Proto *codex.Event
	Line  string
}

// maxStderrLines bounds the captured stderr buffer kept for session records.
const maxStderrLines = 1000

// Options configures one agent subprocess.
type Options struct {
	// BinaryPath overrides binary discovery when set.
	BinaryPath string
	// Home sets CODEX_HOME for the subprocess when non-empty.
	Home string
	// WorkDir is the subprocess working directory.
	WorkDir string
	// ResumePath points at a rollout file to resume from.
	ResumePath string
}

// Process is one live agent subprocess. It owns the stdin writer and the
// stdout/stderr read pumps; events are delivered on a single channel that is
// closed when both pumps have finished.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stream *codex.Stream
	logger *logger.Logger

	events chan Event

	// awaitingTerminal is set after a user_turn submission and cleared when a
	// terminal proto event is observed; EOF while set produces a synthetic
	// error event.
	awaitingTerminal atomic.Bool
	killed           atomic.Bool

	exited   chan struct{}
	exitCode atomic.Int64
	exitErr  error

	stderrMu    sync.Mutex
	stderrLines []string
}

// Spawn locates the agent binary, starts it in proto mode, and launches the
// read pumps. The returned process is ready for submissions.
func Spawn(opts Options, log *logger.Logger) (*Process, error) {
	bin, err := FindBinary(opts.BinaryPath)
	if err != nil {
		return nil, err
	}

	args := []string{}
	if opts.ResumePath != "" {
		args = append(args, "-c", "experimental_resume="+opts.ResumePath)
	}
	args = append(args, "proto")

	cmd := exec.Command(bin, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = os.Environ()
	if opts.Home != "" {
		cmd.Env = append(cmd.Env, "CODEX_HOME="+opts.Home)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	plog := log.WithFields(
		zap.String("component", "agent-transport"),
		zap.Int("pid", cmd.Process.Pid),
	)
	plog.Info("agent process started",
		zap.String("binary", bin),
		zap.Strings("args", args))

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stream: codex.NewStream(stdin, stdout, log),
		logger: plog,
		events: make(chan Event, 256),
		exited: make(chan struct{}),
	}

	go p.waitForExit()

	g := &errgroup.Group{}
	g.Go(func() error { return p.pumpStdout() })
	g.Go(func() error { return p.pumpStderr(stderr) })
	go func() {
		_ = g.Wait()
		if p.awaitingTerminal.Load() && !p.killed.Load() {
			p.deliver(Event{Kind: KindProto, Proto: &codex.Event{
				Msg: codex.EventMsg{
					Type:    codex.EventError,
					Message: "agent event stream closed before the turn finished",
					Reason:  "unexpected_eof",
				},
			}})
		}
		close(p.events)
	}()

	return p, nil
}

// Events returns the channel of transport events. Closed after process exit.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Submit writes one submission to the agent's stdin.
func (p *Process) Submit(sub *codex.Submission) error {
	if sub.Op.Type == codex.OpUserTurn {
		p.awaitingTerminal.Store(true)
	}
	if err := p.stream.Submit(sub); err != nil {
		return fmt.Errorf("failed to submit to agent: %w", err)
	}
	return nil
}

// Kill forcibly terminates the subprocess and waits for it to be reaped.
// It returns once the process has exited or the context expires.
func (p *Process) Kill(ctx context.Context) error {
	p.killed.Store(true)

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Kill(); err != nil {
		p.logger.Warn("failed to signal agent process", zap.Error(err))
	}
	p.stream.Stop()

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent process did not exit after kill: %w", ctx.Err())
	}
}

// Close shuts down the stdin side so a well-behaved agent exits on its own.
func (p *Process) Close() {
	p.stream.Stop()
	_ = p.stdin.Close()
}

// Done is closed once the subprocess has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitCode returns the subprocess exit code, valid after Done is closed.
// A killed process reports -1 on most platforms.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// StderrLines returns the captured stderr buffer.
func (p *Process) StderrLines() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderrLines))
	copy(out, p.stderrLines)
	return out
}

func (p *Process) waitForExit() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	p.exitCode.Store(int64(code))
	p.exitErr = err
	close(p.exited)
	p.logger.Info("agent process exited", zap.Int("exit_code", code))
}

func (p *Process) pumpStdout() error {
	return p.stream.ReadEvents(context.Background(),
		func(ev *codex.Event) {
			if ev.Msg.IsTerminal() {
				p.awaitingTerminal.Store(false)
			}
			p.deliver(Event{Kind: KindProto, Proto: ev})
		},
		func(line string) {
			p.deliver(Event{Kind: KindStdoutLine, Line: line})
		},
	)
}

func (p *Process) pumpStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		p.stderrMu.Lock()
		if len(p.stderrLines) < maxStderrLines {
			p.stderrLines = append(p.stderrLines, line)
		}
		p.stderrMu.Unlock()
		p.deliver(Event{Kind: KindStderrLine, Line: line})
	}
	return scanner.Err()
}

// deliver pushes an event without ever blocking the pumps forever: if the
// channel is full the oldest pending event is dropped.
func (p *Process) deliver(ev Event) {
	for {
		select {
		case p.events <- ev:
			return
		default:
			select {
			case <-p.events:
				p.logger.Warn("transport event queue full, dropping oldest event")
			default:
			}
		}
	}
}
