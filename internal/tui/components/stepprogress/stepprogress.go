// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepprogress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StepStatus represents the status of a step
type StepStatus int

const (
	StatusPending StepStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusSkipped
)

// Step represents a single step in the progress
type Step struct {
	Name   string
	Status StepStatus
}

// Model represents the step progress component
type Model struct {
	steps   []Step
	width   int
	spinner spinner.Model
}

var (
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	accent  = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	success = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	failure = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// New creates a new step progress model
func New() Model {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = accent
	return Model{
		width:   20,
		spinner: s,
	}
}

// SetSteps sets the list of steps
func (m Model) SetSteps(steps []Step) Model {
	m.steps = steps
	return m
}

// Steps returns a copy of the current steps.
func (m Model) Steps() []Step {
	return append([]Step(nil), m.steps...)
}

// SetStatus updates the named step, appending it when unknown.
func (m Model) SetStatus(name string, status StepStatus) Model {
	steps := m.Steps()
	for i := range steps {
		if steps[i].Name == name {
			steps[i].Status = status
			m.steps = steps
			return m
		}
	}
	m.steps = append(steps, Step{Name: name, Status: status})
	return m
}

// FailRunning marks every running step failed. Used when the run ends
// without the step reporting success.
func (m Model) FailRunning() Model {
	steps := m.Steps()
	for i := range steps {
		if steps[i].Status == StatusRunning {
			steps[i].Status = StatusFailed
		}
	}
	m.steps = steps
	return m
}

// SetWidth sets the progress bar width
func (m Model) SetWidth(w int) Model {
	m.width = w
	return m
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if _, ok := msg.(spinner.TickMsg); ok {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Bar renders: [▓▓▓▓▓░░░░░] 2/7 package
func (m Model) Bar() string {
	if len(m.steps) == 0 {
		return ""
	}

	// Count completed and find current
	completed := 0
	currentIdx := -1
	currentName := ""
	failed := false
	for i, s := range m.steps {
		switch s.Status {
		case StatusCompleted, StatusSkipped:
			completed++
		case StatusRunning:
			currentIdx = i
			currentName = s.Name
		case StatusFailed:
			failed = true
		}
	}

	total := len(m.steps)
	filled := (completed * m.width) / total
	if currentIdx >= 0 {
		filled = (completed*m.width + m.width/2) / total
	}

	var bar strings.Builder
	for i := 0; i < m.width; i++ {
		if i < filled {
			bar.WriteString(success.Render("▓"))
		} else {
			bar.WriteString(dim.Render("░"))
		}
	}

	displayStep := completed
	if currentIdx >= 0 {
		displayStep = currentIdx + 1
	}

	label := ""
	switch {
	case currentName != "":
		label = accent.Render(currentName)
	case failed:
		label = failure.Render("Failed ✗")
	case completed == total:
		label = success.Render("Complete ✓")
	}

	return fmt.Sprintf("[%s] %s %s", bar.String(), dim.Render(fmt.Sprintf("%d/%d", displayStep, total)), label)
}

// View renders one line per step with its status marker.
func (m Model) View() string {
	var b strings.Builder
	for i, s := range m.steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch s.Status {
		case StatusRunning:
			b.WriteString(m.spinner.View() + " " + accent.Render(s.Name))
		case StatusCompleted:
			b.WriteString(success.Render("✓ " + s.Name))
		case StatusFailed:
			b.WriteString(failure.Render("✗ " + s.Name))
		case StatusSkipped:
			b.WriteString(dim.Render("- " + s.Name))
		default:
			b.WriteString(dim.Render("· " + s.Name))
		}
	}
	return b.String()
}
