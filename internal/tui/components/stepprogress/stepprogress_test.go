// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package stepprogress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeSteps() Model {
	return New().SetSteps([]Step{{Name: "checkout"}, {Name: "build"}, {Name: "deploy"}})
}

func TestSetStatus_UpdatesAndAppends(t *testing.T) {
	m := threeSteps().
		SetStatus("checkout", StatusCompleted).
		SetStatus("rollback", StatusRunning)

	steps := m.Steps()
	require.Len(t, steps, 4)
	assert.Equal(t, StatusCompleted, steps[0].Status)
	assert.Equal(t, Step{Name: "rollback", Status: StatusRunning}, steps[3])
}

func TestSetStatus_DoesNotAliasPreviousModel(t *testing.T) {
	before := threeSteps()
	_ = before.SetStatus("build", StatusFailed)
	assert.Equal(t, StatusPending, before.Steps()[1].Status)
}

func TestFailRunning(t *testing.T) {
	m := threeSteps().
		SetStatus("checkout", StatusCompleted).
		SetStatus("build", StatusRunning).
		FailRunning()

	steps := m.Steps()
	assert.Equal(t, StatusCompleted, steps[0].Status)
	assert.Equal(t, StatusFailed, steps[1].Status)
	assert.Equal(t, StatusPending, steps[2].Status)
	assert.Contains(t, m.Bar(), "Failed")
}

func TestBar(t *testing.T) {
	assert.Empty(t, New().Bar())

	m := threeSteps().SetStatus("checkout", StatusCompleted).SetStatus("build", StatusRunning)
	bar := m.Bar()
	assert.Contains(t, bar, "2/3")
	assert.Contains(t, bar, "build")

	done := threeSteps().
		SetStatus("checkout", StatusCompleted).
		SetStatus("build", StatusCompleted).
		SetStatus("deploy", StatusCompleted)
	assert.Contains(t, done.Bar(), "3/3")
	assert.Contains(t, done.Bar(), "Complete")
}

func TestView_OneLinePerStep(t *testing.T) {
	m := threeSteps().SetStatus("checkout", StatusCompleted).SetStatus("deploy", StatusFailed)
	lines := strings.Split(m.View(), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "✓ checkout")
	assert.Contains(t, lines[1], "· build")
	assert.Contains(t, lines[2], "✗ deploy")
}
