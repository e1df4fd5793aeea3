// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelineview

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const stepPanelWidth = 18

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("75"))

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("239"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	stepPanelStyle = lipgloss.NewStyle().
			Width(stepPanelWidth).
			PaddingRight(1).
			BorderStyle(lipgloss.NormalBorder()).
			BorderRight(true).
			BorderForeground(lipgloss.Color("239"))
)

// View renders the title, the step panel beside the log viewport and a
// fixed status bar
func (m Model) View() string {
	separator := separatorStyle.Render(strings.Repeat("─", max(m.width, 1)))

	body := lipgloss.JoinHorizontal(
		lipgloss.Top,
		stepPanelStyle.Height(m.viewport.Height).Render(m.progress.View()),
		" ",
		m.viewport.View(),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(m.title),
		body,
		separator,
		statusBarStyle.Render(m.ViewStatusBar()),
	)
}

// ViewStatusBar renders only the status bar (for external use)
func (m Model) ViewStatusBar() string {
	parts := []string{m.progress.Bar(), m.timer.View()}
	if m.status == StatusRunning {
		parts = append(parts, separatorStyle.Render("q detach"))
	}
	return strings.Join(parts, " │ ")
}

// refreshViewportContent renders the log into the viewport
func (m *Model) refreshViewportContent() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// updateViewportSize recalculates viewport dimensions
func (m *Model) updateViewportSize() {
	// title + separator + status bar
	vpHeight := m.height - 3
	if vpHeight < 3 {
		vpHeight = 3
	}
	vpWidth := m.width - stepPanelWidth - 3
	if vpWidth < 20 {
		vpWidth = 20
	}
	m.viewport.Width = vpWidth
	m.viewport.Height = vpHeight
}
