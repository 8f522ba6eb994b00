package host

// State is the lifecycle position of one sandbox.
type State int

const (
	// StateCreated means the sandbox process has been launched.
	StateCreated State = iota
	// StateAwaitingReady means the host is waiting for the ready message.
	StateAwaitingReady
	// StateDispatched means the request has been handed to the sandbox.
	StateDispatched
	// StateResolved means the sandbox returned a response.
	StateResolved
	// StateFailed means the execution ended in an error.
	StateFailed
	// StateTerminated means the sandbox process has been killed and reaped.
	StateTerminated
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateAwaitingReady:
		return "AwaitingReady"
	case StateDispatched:
		return "Dispatched"
	case StateResolved:
		return "Resolved"
	case StateFailed:
		return "Failed"
	case StateTerminated:
		return "Terminated"
	default:
		return "InvalidState"
	}
}
