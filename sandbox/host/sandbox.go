package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/tomyedwab/frontdoor/tenant"
	"github.com/tomyedwab/frontdoor/wire"
)

type readResult struct {
	msg wire.Message
	err error
}

// sandbox is one running guest process. It is owned by a single Execute call.
type sandbox struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	inv    *Invocation
	logger *slog.Logger
	stderr *LogBuffer

	messages   chan readResult
	stderrDone chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	once       sync.Once
}

// launch starts the guest process with exactly app's composed environment.
func launch(argv []string, app *tenant.AppDescriptor, inv *Invocation, logger *slog.Logger, maxMessageBytes, stderrTail int) (*sandbox, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = environ(app.Env())
	cmd.Dir = app.Dir()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	inv.PID = cmd.Process.Pid
	sb := &sandbox{
		cmd:        cmd,
		stdin:      stdin,
		inv:        inv,
		logger:     logger.With("app", app.Name, "invocation", inv.ID, "pid", inv.PID),
		stderr:     NewLogBuffer(stderrTail),
		messages:   make(chan readResult, 4),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	sb.logger.Debug("Sandbox started", "command", cmd.String(), "dir", cmd.Dir)

	// Goroutine to decode handshake messages from stdout
	sb.wg.Add(1)
	go func() {
		defer sb.wg.Done()
		reader := wire.NewMessageReader(stdoutPipe, maxMessageBytes)
		for {
			var msg wire.Message
			err := reader.Next(&msg)
			select {
			case sb.messages <- readResult{msg: msg, err: err}:
			case <-sb.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// Goroutine to relay stderr into the log. It drains the pipe until EOF so
	// tenant output can never block the guest.
	sb.wg.Add(1)
	go func() {
		defer sb.wg.Done()
		defer close(sb.stderrDone)
		reader := bufio.NewReader(stderrPipe)
		for {
			line, err := readLine(reader, maxStderrLine)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					sb.logger.Debug("Stopped reading sandbox stderr", "error", err)
				}
				return
			}
			sb.stderr.Add(line)
			sb.logger.Info("Sandbox stderr", "output", line)
		}
	}()

	return sb, nil
}

// maxStderrLine is the longest stderr line kept. The rest of a longer line is
// read and discarded.
const maxStderrLine = 16 * 1024

// readLine returns the next line without its terminator, truncated to limit
// bytes. A final line without a newline is returned before io.EOF.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	dropped := 0
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if len(line) > 0 || dropped > 0 {
				break
			}
			return "", err
		}
		keep := min(len(chunk), limit-len(line))
		line = append(line, chunk[:keep]...)
		dropped += len(chunk) - keep
		if !isPrefix {
			break
		}
	}
	if dropped > 0 {
		return fmt.Sprintf("%s... (%d bytes truncated)", line, dropped), nil
	}
	return string(line), nil
}

// next waits for the next handshake message. timeout fires with kind when it
// expires first. Read failures are classified here.
func (sb *sandbox) next(ctx context.Context, timeout <-chan time.Time, kind wire.ErrorKind, grace time.Duration) (wire.Message, error) {
	select {
	case result, ok := <-sb.messages:
		if !ok {
			return wire.Message{}, newError(wire.ProtocolViolation, "sandbox output closed")
		}
		if result.err == nil {
			return result.msg, nil
		}
		return wire.Message{}, sb.readError(result.err, grace)
	case <-timeout:
		switch kind {
		case wire.StartupTimeout:
			return wire.Message{}, newError(kind, "sandbox did not become ready within the startup timeout")
		default:
			return wire.Message{}, newError(kind, "handler did not complete within the execution timeout")
		}
	case <-ctx.Done():
		return wire.Message{}, newError(wire.Canceled, "request canceled: %v", ctx.Err())
	}
}

func (sb *sandbox) readError(err error, grace time.Duration) error {
	switch {
	case errors.Is(err, wire.ErrMessageTooLarge):
		return newError(wire.PayloadTooLarge, "sandbox message exceeds the maximum message size")
	case errors.Is(err, io.EOF):
		// Let stderr drain so the crash output is part of the report.
		select {
		case <-sb.stderrDone:
		case <-time.After(grace):
		}
		return &Error{
			Kind:    wire.ProtocolViolation,
			Message: "sandbox exited before completing the handshake",
			Stack:   sb.stderr.String(),
		}
	default:
		return newError(wire.ProtocolViolation, "failed to read sandbox output: %v", err)
	}
}

// dispatch writes the single dispatch message and closes stdin.
func (sb *sandbox) dispatch(d wire.Dispatch) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch: %w", err)
	}
	data = append(data, '\n')
	if _, err := sb.stdin.Write(data); err != nil {
		sb.stdin.Close()
		return fmt.Errorf("failed to write dispatch: %w", err)
	}
	if err := sb.stdin.Close(); err != nil {
		return fmt.Errorf("failed to close sandbox stdin: %w", err)
	}
	return nil
}

// terminate kills and reaps the process and waits for the reader goroutines.
// It is safe to call more than once.
func (sb *sandbox) terminate() {
	sb.once.Do(func() {
		close(sb.done)
		sb.stdin.Close()
		if err := sb.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			sb.logger.Warn("Failed to kill sandbox", "error", err)
		}
		if err := sb.cmd.Wait(); err != nil {
			sb.logger.Debug("Sandbox exited", "error", err)
		}
		sb.wg.Wait()
		sb.inv.ProcessState = sb.cmd.ProcessState
		sb.inv.State = StateTerminated
	})
}

// environ converts env to KEY=value pairs. The result is never nil so the
// child does not inherit the host environment.
func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+env[key])
	}
	return pairs
}
