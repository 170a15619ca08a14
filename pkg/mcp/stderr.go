package mcp

import "sync"

// stderrBuffer accumulates stderr lines from a child process with a bounded
// capacity. Once full, the oldest lines are dropped.
type stderrBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrBuffer(max int) *stderrBuffer {
	return &stderrBuffer{max: max}
}

func (b *stderrBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// snapshot returns a copy of the buffered lines.
func (b *stderrBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return nil
	}
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *stderrBuffer) clear() {
	b.mu.Lock()
	b.lines = nil
	b.mu.Unlock()
}
