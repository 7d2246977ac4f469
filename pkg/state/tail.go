package state

import (
	"bytes"
	"sync"
)

const maxLineBytes = 4 << 10

// LineTail is an io.Writer that keeps the last N complete lines written to it,
// plus whatever partial line is pending. Lines longer than 4KiB are truncated.
type LineTail struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func NewLineTail(n int) *LineTail {
	if n <= 0 {
		n = 25
	}
	return &LineTail{max: n}
}

func (t *LineTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			t.appendPartial(rest)
			break
		}
		t.appendPartial(rest[:i])
		t.push(string(bytes.TrimRight(t.partial, "\r")))
		t.partial = t.partial[:0]
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (t *LineTail) appendPartial(b []byte) {
	if room := maxLineBytes - len(t.partial); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		t.partial = append(t.partial, b...)
	}
}

func (t *LineTail) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = append(t.lines[:0], t.lines[len(t.lines)-t.max:]...)
	}
}

// Lines returns a copy of the retained lines, including a trailing partial
// line if there is one.
func (t *LineTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string{}, t.lines...)
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
		if len(out) > t.max {
			out = out[len(out)-t.max:]
		}
	}
	return out
}
