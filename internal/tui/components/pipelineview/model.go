// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipelineview renders one run's live event stream: the step list,
// an elapsed timer and a scrollable log.
package pipelineview

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/noldarim/launchpad/internal/protocol"
	"github.com/noldarim/launchpad/internal/tui/components/elapsedtimer"
	"github.com/noldarim/launchpad/internal/tui/components/stepprogress"
)

// maxLines bounds the log kept in memory.
const maxLines = 5000

// EventMsg carries one event of the watched run.
type EventMsg struct {
	Event protocol.Event
}

// StreamClosedMsg reports that the event source ended. Err is nil when the
// source closed cleanly.
type StreamClosedMsg struct {
	Err error
}

// RunStatus represents run execution status as seen by the viewer
type RunStatus int

const (
	StatusRunning RunStatus = iota
	StatusSucceeded
	StatusFailed
	StatusDetached     // the user quit before the run ended
	StatusDisconnected // the stream ended without a terminal event
)

// NextFunc blocks until the next message of the stream is available. It
// returns EventMsg or StreamClosedMsg.
type NextFunc func() tea.Msg

// Model is the run view component - a scrollable log viewport with a step
// panel and a fixed status bar at the bottom
type Model struct {
	// Layout
	viewport viewport.Model
	width    int
	height   int

	// Sub-components
	timer    elapsedtimer.Model
	progress stepprogress.Model

	// State
	title   string
	lines   []string
	status  RunStatus
	message string
	err     error

	next NextFunc
}

// New creates a run view reading its events through next.
func New(width, height int, title string, next NextFunc) Model {
	steps := make([]stepprogress.Step, len(protocol.Steps))
	for i, s := range protocol.Steps {
		steps[i] = stepprogress.Step{Name: string(s), Status: stepprogress.StatusPending}
	}

	m := Model{
		viewport: viewport.New(width, 3),
		width:    width,
		height:   height,
		timer:    elapsedtimer.New(),
		progress: stepprogress.New().SetSteps(steps).SetWidth(15),
		title:    title,
		status:   StatusRunning,
		next:     next,
	}
	m.viewport.SetContent("Waiting for events...")
	m.updateViewportSize()
	return m
}

// Init starts reading the stream and the spinner
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.wait(), m.progress.Init())
}

func (m Model) wait() tea.Cmd {
	if m.next == nil {
		return nil
	}
	return func() tea.Msg { return m.next() }
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// The run keeps going on the server.
			if m.status == StatusRunning {
				m.status = StatusDetached
			}
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateViewportSize()
		return m, nil

	case elapsedtimer.TickMsg:
		var cmd tea.Cmd
		m.timer, cmd = m.timer.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd

	case EventMsg:
		var cmd tea.Cmd
		m, cmd = m.apply(msg.Event)
		if m.status != StatusRunning {
			return m, tea.Quit
		}
		return m, tea.Batch(cmd, m.wait())

	case StreamClosedMsg:
		if m.status == StatusRunning {
			m.status = StatusDisconnected
			m.err = msg.Err
			m.timer = m.timer.Stop()
		}
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one event into the view.
func (m Model) apply(ev protocol.Event) (Model, tea.Cmd) {
	var cmd tea.Cmd
	at := ev.GetMetadata().Time

	switch e := ev.(type) {
	case protocol.RunStart:
		if !m.timer.Running() {
			m.timer = m.timer.StartFrom(at)
			cmd = m.timer.Init()
		}
		m.addLine(fmt.Sprintf("▸ Run %d started", e.RunID))
	case protocol.StepStart:
		m.progress = m.progress.SetStatus(string(e.Step), stepprogress.StatusRunning)
		m.addLine(fmt.Sprintf("▸ %s", e.Step))
	case protocol.Log:
		m.addLine(fmt.Sprintf("  [%s] %s", e.Step, e.Message))
	case protocol.StepSuccess:
		m.progress = m.progress.SetStatus(string(e.Step), stepprogress.StatusCompleted)
	case protocol.RunFailed:
		m.progress = m.progress.FailRunning()
		m.status = StatusFailed
		m.message = e.Message
		m.timer = m.timer.StopAt(at)
		m.addLine("✗ " + e.Message)
	case protocol.RunSuccess:
		m.status = StatusSucceeded
		m.timer = m.timer.StopAt(at)
		m.addLine("✓ Deployment succeeded")
	}
	return m, cmd
}

func (m *Model) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = append(m.lines[:0:0], m.lines[len(m.lines)-maxLines:]...)
	}
	m.refreshViewportContent()
}

// Status returns the final run status
func (m Model) Status() RunStatus {
	return m.status
}

// Message returns the failure message of a failed run.
func (m Model) Message() string {
	return m.message
}

// Err returns the stream error of a disconnected view.
func (m Model) Err() error {
	return m.err
}

// Lines returns the collected log lines for final display
func (m Model) Lines() []string {
	return m.lines
}

// Steps returns the step states.
func (m Model) Steps() []stepprogress.Step {
	return m.progress.Steps()
}

// Elapsed returns how long the run has been going.
func (m Model) Elapsed() string {
	return elapsedtimer.FormatDuration(m.timer.Elapsed())
}
