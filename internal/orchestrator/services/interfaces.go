// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

// Dispatcher starts runs in the background.
// Owned by the services package so the orchestrator and test doubles both satisfy it.
type Dispatcher interface {
	Start(runID uint) error
	InFlight(runID uint) bool
}

// LogStore owns the per-pipeline run log files.
type LogStore interface {
	Read(slug string) ([]byte, error)
	Remove(slug string) error
}
