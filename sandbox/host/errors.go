package host

import (
	"fmt"

	"github.com/tomyedwab/frontdoor/wire"
)

// Error is a failed execution. Stack is empty when no trace is available.
type Error struct {
	Kind    wire.ErrorKind
	Message string
	Stack   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind wire.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
