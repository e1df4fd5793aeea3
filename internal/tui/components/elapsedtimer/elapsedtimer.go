// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package elapsedtimer shows how long a run has been going. The start and
// stop instants come from event timestamps, so replayed runs show their real
// duration rather than the time spent watching them.
package elapsedtimer

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg is sent every second while the timer runs.
type TickMsg time.Time

type Model struct {
	started time.Time
	stopped time.Time
	running bool
	now     func() time.Time

	iconStyle  lipgloss.Style
	valueStyle lipgloss.Style
}

// New creates a stopped timer reading zero.
func New() Model {
	return Model{
		now:        time.Now,
		iconStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("239")),
		valueStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
	}
}

// WithClock replaces the wall clock used while running.
func (m Model) WithClock(now func() time.Time) Model {
	m.now = now
	return m
}

// StartFrom starts the timer at t, usually the run start event's time.
func (m Model) StartFrom(t time.Time) Model {
	m.started = t
	m.stopped = time.Time{}
	m.running = true
	return m
}

// Stop freezes the timer at the current time.
func (m Model) Stop() Model {
	return m.StopAt(m.now())
}

// StopAt freezes the timer at t, the moment a run finished. A timer that
// never started stays at zero.
func (m Model) StopAt(t time.Time) Model {
	if !m.running {
		return m
	}
	if t.Before(m.started) {
		t = m.started
	}
	m.stopped = t
	m.running = false
	return m
}

// Running reports whether the timer is still ticking.
func (m Model) Running() bool {
	return m.running
}

// Elapsed is the time between start and stop, or start and now while running.
func (m Model) Elapsed() time.Duration {
	switch {
	case m.running:
		if d := m.now().Sub(m.started); d > 0 {
			return d
		}
		return 0
	case m.started.IsZero():
		return 0
	default:
		return m.stopped.Sub(m.started)
	}
}

func (m Model) Init() tea.Cmd {
	if m.running {
		return tick()
	}
	return nil
}

// Update keeps ticking while running; the value is recomputed on render.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if _, ok := msg.(TickMsg); ok && m.running {
		return m, tick()
	}
	return m, nil
}

// View renders: "⏱ 2m 34s"
func (m Model) View() string {
	return m.iconStyle.Render("⏱") + " " + m.valueStyle.Render(FormatDuration(m.Elapsed()))
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// FormatDuration renders d as "1h 2m 3s", dropping leading zero units.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
