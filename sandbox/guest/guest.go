// Package guest is the runtime that executes inside a sandbox process. It
// announces readiness, receives a single dispatch, runs the tenant handler and
// reports the outcome as handshake messages on its output stream.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomyedwab/frontdoor/wire"
)

// Options configure one guest run.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// MaxMessageBytes caps every outgoing message. Zero means
	// wire.DefaultMaxMessageBytes.
	MaxMessageBytes int

	// Loaders by file extension. Nil means DefaultLoaders.
	Loaders map[string]Loader
}

// Main runs the guest on the process's standard streams and exits.
func Main(maxMessageBytes int) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := Run(ctx, Options{
		Stdin:           os.Stdin,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		MaxMessageBytes: maxMessageBytes,
	})
	stop()
	os.Exit(code)
}

// Run performs the guest side of the handshake and returns the process exit
// code. Tenant failures are reported as error messages and still exit 0; a
// non-zero code means the handshake itself could not be completed.
func Run(ctx context.Context, opts Options) int {
	g := &runner{
		start:   time.Now(),
		writer:  wire.NewMessageWriter(opts.Stdout, opts.MaxMessageBytes),
		logger:  slog.New(slog.NewTextHandler(opts.Stderr, nil)).With("component", "sandbox"),
		loaders: opts.Loaders,
	}
	if g.loaders == nil {
		g.loaders = DefaultLoaders(opts.Stderr)
	}

	if err := g.send(wire.Ready()); err != nil {
		g.logger.Error("Failed to announce readiness", "error", err)
		return 1
	}

	// The size ceiling applies to what the guest sends, not to the request.
	var dispatch wire.Dispatch
	if err := json.NewDecoder(opts.Stdin).Decode(&dispatch); err != nil {
		if errors.Is(err, io.EOF) {
			// The host went away before dispatching.
			return 1
		}
		return g.complete(g.fail(fmt.Errorf("failed to read dispatch: %w", err)))
	}

	resp, timing, err := g.execute(ctx, dispatch)
	if err != nil {
		return g.complete(g.fail(err))
	}
	return g.complete(g.send(wire.Return(resp, timing)))
}

// complete sends done after the result message and returns the exit code.
func (g *runner) complete(resultErr error) int {
	if resultErr != nil {
		g.logger.Error("Failed to send result", "error", resultErr)
		return 1
	}
	if err := g.send(wire.Done(g.elapsed())); err != nil {
		g.logger.Error("Failed to send done", "error", err)
		return 1
	}
	return 0
}

type runner struct {
	start   time.Time
	writer  *wire.MessageWriter
	logger  *slog.Logger
	loaders map[string]Loader
}

func (g *runner) execute(ctx context.Context, dispatch wire.Dispatch) (wire.SerializedResponse, *wire.Timing, error) {
	timing := &wire.Timing{ExecutionStart: g.elapsed()}

	loader, err := LoaderFor(g.loaders, dispatch.Entrypoint)
	if err != nil {
		return wire.SerializedResponse{}, nil, err
	}

	env := dispatch.Env
	if env == nil {
		env = map[string]string{}
	}

	handler, err := loader.Load(ctx, dispatch.Entrypoint)
	if err != nil {
		return wire.SerializedResponse{}, nil, err
	}
	defer handler.Close(ctx)
	timing.ImportComplete = g.elapsed()

	resp, err := handler.Serve(ctx, dispatch.Req, env)
	if err != nil {
		return wire.SerializedResponse{}, nil, err
	}
	if err := resp.Validate(); err != nil {
		return wire.SerializedResponse{}, nil, &ContractError{Message: err.Error()}
	}
	if resp.Headers == nil {
		resp.Headers = wire.Headers{}
	}
	timing.ExecutionComplete = g.elapsed()
	return resp, timing, nil
}

// fail reports err as an error message using its classified kind.
func (g *runner) fail(err error) error {
	kind, message, stack := classify(err)
	return g.send(wire.Error(kind, message, stack))
}

// send writes msg, substituting a fixed error message when msg is too large or
// cannot be encoded.
func (g *runner) send(msg wire.Message) error {
	msg.SendTime = g.elapsed()
	data, err := g.writer.Encode(msg)
	switch {
	case errors.Is(err, wire.ErrMessageTooLarge):
		g.logger.Warn("Outgoing message too large", "type", msg.Type)
		data, err = g.writer.Encode(wire.Error(wire.PayloadTooLarge, "Response payload exceeds the maximum message size", ""))
	case err != nil:
		g.logger.Warn("Outgoing message not serializable", "type", msg.Type, "error", err)
		data, err = g.writer.Encode(wire.Error(wire.Unserializable, "Response could not be serialized", ""))
	}
	if err != nil {
		return err
	}
	return g.writer.WriteRaw(data)
}

func (g *runner) elapsed() float64 {
	return float64(time.Since(g.start).Microseconds()) / 1000
}

// classify maps an execution error to the kind reported to the host.
func classify(err error) (wire.ErrorKind, string, string) {
	var contractErr *ContractError
	if errors.As(err, &contractErr) {
		return wire.ContractViolation, contractErr.Message, ""
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return wire.UnknownFault, fault.Message, fault.Stack
	}
	return wire.UnknownFault, err.Error(), ""
}
