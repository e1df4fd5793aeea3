// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"strings"
	"sync"
)

// Tail keeps the last N lines it was given. It is safe for concurrent use and
// its Add method can be passed directly as a LineFunc.
type Tail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

// NewTail creates a Tail holding at most max lines.
func NewTail(max int) *Tail {
	if max < 1 {
		max = 1
	}
	return &Tail{max: max}
}

// Add records a line, evicting the oldest when full.
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

func (t *Tail) String() string {
	return strings.Join(t.Lines(), "\n")
}

// Tee returns a LineFunc that records into t and then forwards to next.
func (t *Tail) Tee(next LineFunc) LineFunc {
	return func(line string) {
		t.Add(line)
		if next != nil {
			next(line)
		}
	}
}
