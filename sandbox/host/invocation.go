package host

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/frontdoor/tenant"
	"github.com/tomyedwab/frontdoor/wire"
)

// Invocation records one execution from launch to teardown.
type Invocation struct {
	ID           string
	App          string
	Entrypoint   string
	PID          int
	State        State          // StateTerminated once Execute returns.
	Outcome      State          // StateResolved or StateFailed.
	Kind         wire.ErrorKind // Empty on success.
	Status       int            // Response status on success.
	Timing       *wire.Timing   // Reported by the sandbox, may be nil.
	WallTime     float64        // Milliseconds, from the done message.
	Started      time.Time
	Duration     time.Duration
	ProcessState *os.ProcessState // Set once the process has been reaped.
}

func newInvocation(app *tenant.AppDescriptor) *Invocation {
	return &Invocation{
		ID:         uuid.NewString(),
		App:        app.Name,
		Entrypoint: app.Entrypoint,
		State:      StateCreated,
		Started:    time.Now(),
	}
}

func (inv *Invocation) fail(kind wire.ErrorKind) {
	inv.State = StateFailed
	inv.Outcome = StateFailed
	inv.Kind = kind
}

func (inv *Invocation) resolve(status int) {
	inv.State = StateResolved
	inv.Outcome = StateResolved
	inv.Status = status
}

func (inv *Invocation) finish() {
	inv.Duration = time.Since(inv.Started)
}

// Succeeded reports whether the sandbox produced a response.
func (inv *Invocation) Succeeded() bool {
	return inv.Kind == ""
}

// ExitCode returns the reaped process's exit code, or -1 if it was not
// reaped or was killed by a signal.
func (inv *Invocation) ExitCode() int {
	if inv.ProcessState == nil {
		return -1
	}
	return inv.ProcessState.ExitCode()
}
