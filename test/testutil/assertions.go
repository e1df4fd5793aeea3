// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"github.com/noldarim/launchpad/internal/protocol"
)

// AssertQuitMessage verifies that a quit message was generated
func AssertQuitMessage(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	assert.NotNil(t, cmd, "Expected a command to be generated")
	msg := ExecuteCommand(cmd)
	assert.IsType(t, tea.QuitMsg{}, msg, "Expected quit message")
}

// AssertNoCommand verifies that no command was generated
func AssertNoCommand(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	assert.Nil(t, cmd, "Expected no command to be generated")
}

// AssertViewNotEmpty verifies that the view produces non-empty output
func AssertViewNotEmpty(t *testing.T, model tea.Model) {
	t.Helper()
	assert.NotEmpty(t, model.View(), "View should not be empty")
}

// AssertEventTypes checks the type sequence of a run's events.
func AssertEventTypes(t *testing.T, events []protocol.Event, expected ...protocol.Type) {
	t.Helper()
	got := make([]protocol.Type, len(events))
	for i, ev := range events {
		got[i] = ev.EventType()
	}
	assert.Equal(t, expected, got)
}

// AssertSequential checks that seq numbers start at 1 and have no gaps.
func AssertSequential(t *testing.T, events []protocol.Event) {
	t.Helper()
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.GetMetadata().Seq, "event %d out of sequence", i)
	}
}
