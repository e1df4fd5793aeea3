// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runlog writes the human readable log file of a pipeline's latest run.
package runlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/noldarim/launchpad/internal/protocol"
)

// Archiver copies a finished log file to long term storage.
type Archiver interface {
	Archive(ctx context.Context, key, path string) error
}

// ArchiveKey names the archived copy of a run's log.
func ArchiveKey(slug string, runID uint) string {
	return fmt.Sprintf("%s/run-%d.log", slug, runID)
}

// Manager owns the log files under a base directory. It tracks open sinks
// so a pipeline's file is never written by two runs at once.
type Manager struct {
	baseDir string

	mu   sync.Mutex
	open map[string]*Sink
}

// NewManager creates a Manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir, open: make(map[string]*Sink)}
}

// Path returns the log file location of a pipeline.
func (m *Manager) Path(slug string) string {
	return filepath.Join(m.baseDir, slug, "logs", slug+".log")
}

// Open truncates the pipeline's log file and writes the run header.
func (m *Manager) Open(slug, pipelineName string, runID uint, start time.Time) (*Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.open[slug]; busy {
		return nil, fmt.Errorf("log file of %q is already open", slug)
	}

	path := m.Path(slug)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	s := &Sink{m: m, slug: slug, path: path, f: f, w: bufio.NewWriter(f)}
	header := fmt.Sprintf("=== Pipeline: %s | Run %d | %s ===\n", pipelineName, runID, start.Format(time.RFC3339))
	if _, err := s.w.WriteString(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write run log header: %w", err)
	}

	m.open[slug] = s
	return s, nil
}

// Read returns the contents of a pipeline's log file.
// A pipeline that never ran returns fs.ErrNotExist.
func (m *Manager) Read(slug string) ([]byte, error) {
	return os.ReadFile(m.Path(slug))
}

// Remove deletes a pipeline's log directory.
func (m *Manager) Remove(slug string) error {
	m.mu.Lock()
	_, busy := m.open[slug]
	m.mu.Unlock()
	if busy {
		return fmt.Errorf("log file of %q is in use", slug)
	}

	err := os.RemoveAll(filepath.Dir(m.Path(slug)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (m *Manager) release(slug string) {
	m.mu.Lock()
	delete(m.open, slug)
	m.mu.Unlock()
}

// Sink appends one line per event to an open log file.
type Sink struct {
	m    *Manager
	slug string
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// Path returns the file the sink writes to.
func (s *Sink) Path() string {
	return s.path
}

// Write appends the line for ev. Every line is flushed so the file can be
// followed while the run progresses.
func (s *Sink) Write(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("run log is closed")
	}
	if _, err := s.w.WriteString(Line(ev) + "\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	defer s.m.release(s.slug)

	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	return errors.Join(flushErr, closeErr)
}

// Line renders ev the way it appears in the log file.
func Line(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.RunStart:
		return "▶ RUN STARTED"
	case protocol.StepStart:
		return "\n>>> STEP: " + string(e.Step)
	case protocol.Log:
		return fmt.Sprintf("[%s] %s", e.Step, e.Message)
	case protocol.StepSuccess:
		return "✓ STEP COMPLETED: " + string(e.Step)
	case protocol.RunFailed:
		return "✗ RUN FAILED: " + e.Message
	case protocol.RunSuccess:
		return "✓ RUN SUCCEEDED"
	default:
		return fmt.Sprintf("%v", ev)
	}
}
