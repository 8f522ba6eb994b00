package host

import (
	"fmt"
	"strings"
	"sync"
)

// LogBuffer keeps the most recent lines a sandbox wrote to stderr.
type LogBuffer struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	dropped  int
}

// NewLogBuffer creates a buffer holding at most capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		lines:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a line, evicting the oldest one when full.
func (lb *LogBuffer) Add(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.lines) >= lb.capacity {
		lb.lines = lb.lines[1:]
		lb.dropped++
	}
	lb.lines = append(lb.lines, line)
}

// String joins the buffered lines, noting how many earlier lines were dropped.
func (lb *LogBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	text := strings.Join(lb.lines, "\n")
	if lb.dropped > 0 {
		text = fmt.Sprintf("(%d earlier lines omitted)\n%s", lb.dropped, text)
	}
	return text
}
