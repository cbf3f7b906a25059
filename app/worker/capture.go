package worker

import (
	"strings"
	"sync"
)

// tailBuffer keeps the last N lines of worker output for failure diagnostics.
// Thread safe for concurrent writes.
type tailBuffer struct {
	max   int
	lines []string
	mu    sync.Mutex
}

func newTail(maximum int) *tailBuffer {
	return &tailBuffer{max: maximum}
}

// Add appends a line, dropping the oldest when over capacity
func (t *tailBuffer) Add(line string) {
	if t.max == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) >= t.max {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
}

// String returns the captured tail as a single string
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
