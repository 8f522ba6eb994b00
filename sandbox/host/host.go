// Package host runs each request's handler in a fresh sandbox process and
// drives the ready, dispatch, result and done handshake with it.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/tomyedwab/frontdoor/tenant"
	"github.com/tomyedwab/frontdoor/wire"
)

const (
	defaultStartupTimeout   = 10 * time.Second
	defaultExecutionTimeout = 30 * time.Second
	defaultDoneGrace        = 100 * time.Millisecond
	defaultStderrTail       = 20
)

// MaxMessageBytesFlag is the guest command-line flag carrying the message size
// limit. The sandbox environment is reserved for the application.
const MaxMessageBytesFlag = "--max-message-bytes"

// Config holds configuration options for the Host.
type Config struct {
	Command          []string      // Guest argv. Optional, defaults to this executable with "sandbox".
	Logger           *slog.Logger  // Optional, defaults to slog.Default()
	StartupTimeout   time.Duration // Optional, defaults to 10s
	ExecutionTimeout time.Duration // Optional, defaults to 30s
	DoneGrace        time.Duration // Optional, defaults to 100ms
	MaxMessageBytes  int           // Optional, defaults to wire.DefaultMaxMessageBytes
	StderrTail       int           // Lines of stderr kept for crash reports. Optional, defaults to 20
}

// Host launches sandboxes. It holds no state that changes between executions
// and is safe for concurrent use.
type Host struct {
	command          []string
	logger           *slog.Logger
	startupTimeout   time.Duration
	executionTimeout time.Duration
	doneGrace        time.Duration
	maxMessageBytes  int
	stderrTail       int
}

// New creates a Host, filling in defaults for unset options.
func New(config Config) (*Host, error) {
	h := &Host{
		command:          config.Command,
		logger:           config.Logger,
		startupTimeout:   config.StartupTimeout,
		executionTimeout: config.ExecutionTimeout,
		doneGrace:        config.DoneGrace,
		maxMessageBytes:  config.MaxMessageBytes,
		stderrTail:       config.StderrTail,
	}

	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "sandbox_host")

	if len(h.command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own executable: %w", err)
		}
		h.command = []string{self, "sandbox"}
	}
	if h.startupTimeout <= 0 {
		h.startupTimeout = defaultStartupTimeout
	}
	if h.executionTimeout <= 0 {
		h.executionTimeout = defaultExecutionTimeout
	}
	if h.doneGrace <= 0 {
		h.doneGrace = defaultDoneGrace
	}
	if h.maxMessageBytes <= 0 {
		h.maxMessageBytes = wire.DefaultMaxMessageBytes
	}
	if h.stderrTail <= 0 {
		h.stderrTail = defaultStderrTail
	}
	return h, nil
}

// Execute runs app's handler for req in a new sandbox. The sandbox is torn
// down before Execute returns, whatever the outcome. On failure the error is
// a *Error. The Invocation is always returned.
func (h *Host) Execute(ctx context.Context, app *tenant.AppDescriptor, req wire.SerializedRequest) (*http.Response, *Invocation, error) {
	inv := newInvocation(app)

	argv := append(append([]string{}, h.command...), MaxMessageBytesFlag, strconv.Itoa(h.maxMessageBytes))
	sb, err := launch(argv, app, inv, h.logger, h.maxMessageBytes, h.stderrTail)
	if err != nil {
		inv.fail(wire.UnknownFault)
		inv.State = StateTerminated
		inv.finish()
		h.logger.Error("Failed to launch sandbox", "app", app.Name, "invocation", inv.ID, "error", err)
		return nil, inv, &Error{Kind: wire.UnknownFault, Message: fmt.Sprintf("failed to launch sandbox: %v", err)}
	}
	defer func() {
		sb.terminate()
		inv.finish()
		h.logger.Debug("Sandbox terminated", "app", app.Name, "invocation", inv.ID, "pid", inv.PID,
			"kind", inv.Kind, "duration", inv.Duration, "exit", inv.ExitCode())
	}()

	resp, err := h.run(ctx, sb, app, req)
	if err != nil {
		var hostErr *Error
		if !errors.As(err, &hostErr) {
			hostErr = &Error{Kind: wire.UnknownFault, Message: err.Error()}
		}
		inv.fail(hostErr.Kind)
		return nil, inv, hostErr
	}
	inv.resolve(resp.StatusCode)
	return resp, inv, nil
}

func (h *Host) run(ctx context.Context, sb *sandbox, app *tenant.AppDescriptor, req wire.SerializedRequest) (*http.Response, error) {
	inv := sb.inv

	inv.State = StateAwaitingReady
	startup := time.NewTimer(h.startupTimeout)
	defer startup.Stop()

	msg, err := sb.next(ctx, startup.C, wire.StartupTimeout, h.doneGrace)
	if err != nil {
		return nil, err
	}
	if msg.Type != wire.MessageReady {
		return nil, newError(wire.ProtocolViolation, "expected ready message, got %s", msg.Type)
	}

	dispatch := wire.Dispatch{
		Entrypoint: app.Entrypoint,
		Env:        app.Env(),
		Req:        req,
	}
	execution := time.NewTimer(h.executionTimeout)
	defer execution.Stop()

	// The write blocks while the guest is not reading stdin.
	written := make(chan error, 1)
	go func() {
		written <- sb.dispatch(dispatch)
	}()
	select {
	case err := <-written:
		if err != nil {
			return nil, &Error{Kind: wire.ProtocolViolation, Message: err.Error(), Stack: sb.stderr.String()}
		}
	case <-execution.C:
		return nil, newError(wire.ExecutionTimeout, "sandbox did not accept the request within the execution timeout")
	case <-ctx.Done():
		return nil, newError(wire.Canceled, "request canceled: %v", ctx.Err())
	}
	inv.State = StateDispatched

	msg, err = sb.next(ctx, execution.C, wire.ExecutionTimeout, h.doneGrace)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	switch msg.Type {
	case wire.MessageReturn:
		inv.Timing = msg.Timing
		resp, err = wire.DecodeResponse(*msg.Response)
		if err != nil {
			return nil, newError(wire.ProtocolViolation, "invalid response from sandbox: %v", err)
		}
	case wire.MessageError:
		return nil, &Error{Kind: msg.Error.Kind, Message: msg.Error.Message, Stack: msg.Error.Stack}
	default:
		return nil, newError(wire.ProtocolViolation, "expected return or error message, got %s", msg.Type)
	}

	h.awaitDone(ctx, sb)
	return resp, nil
}

// awaitDone gives the sandbox a short window to report its wall time. The
// response is already settled, so a missing done message is not an error.
func (h *Host) awaitDone(ctx context.Context, sb *sandbox) {
	grace := time.NewTimer(h.doneGrace)
	defer grace.Stop()

	msg, err := sb.next(ctx, grace.C, wire.ExecutionTimeout, h.doneGrace)
	if err != nil {
		h.logger.Debug("No done message from sandbox", "invocation", sb.inv.ID, "error", err)
		return
	}
	if msg.Type == wire.MessageDone {
		sb.inv.WallTime = msg.WallTime
	}
}
