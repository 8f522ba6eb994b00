package guest

import (
	"bytes"
	"errors"
	"strings"

	"github.com/dop251/goja"
)

// internalSource marks scripts that belong to the guest bootstrap rather than
// to tenant code.
const internalSource = "frontdoor:"

func faultFromError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &Fault{Message: "execution interrupted", Stack: interrupted.Error()}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		fault := faultFromValue(exception.Value())
		if fault.Stack == "" {
			fault.Stack = formatFrames(fault.Message, exception.Stack())
		}
		return fault
	}
	return &Fault{Message: err.Error()}
}

// faultFromValue converts a thrown or rejected JavaScript value.
func faultFromValue(value goja.Value) *Fault {
	if value == nil {
		return &Fault{Message: "undefined"}
	}
	obj, ok := value.(*goja.Object)
	if !ok {
		return &Fault{Message: value.String()}
	}

	fault := &Fault{Message: value.String()}
	if message := obj.Get("message"); message != nil && !goja.IsUndefined(message) {
		fault.Message = message.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) && !goja.IsNull(stack) {
		fault.Stack = filterStack(stack.String())
	}
	return fault
}

func formatFrames(message string, frames []goja.StackFrame) string {
	var b bytes.Buffer
	b.WriteString(message)
	for _, frame := range frames {
		if isInternalFrame(frame.SrcName()) {
			continue
		}
		b.WriteString("\n    at ")
		frame.Write(&b)
	}
	return b.String()
}

// filterStack drops stack lines that point into the guest bootstrap.
func filterStack(stack string) string {
	lines := strings.Split(stack, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, internalSource) || strings.Contains(line, "<native>") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isInternalFrame(src string) bool {
	return strings.HasPrefix(src, internalSource) || src == "<native>"
}
