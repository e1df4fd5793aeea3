// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetOrchestratorLogger returns a logger for the run orchestrator
func GetOrchestratorLogger() zerolog.Logger {
	return GetLogger("orchestrator")
}

// GetRunnerLogger returns a logger for local process execution
func GetRunnerLogger() zerolog.Logger {
	return GetLogger("runner")
}

// GetRemoteLogger returns a logger for the ssh channel
func GetRemoteLogger() zerolog.Logger {
	return GetLogger("remote")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetDockerLogger returns a logger for image build and export
func GetDockerLogger() zerolog.Logger {
	return GetLogger("docker")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetBusLogger returns a logger for the run event bus
func GetBusLogger() zerolog.Logger {
	return GetLogger("bus")
}

// GetHealthLogger returns a logger for health probing
func GetHealthLogger() zerolog.Logger {
	return GetLogger("health")
}

// GetCLILogger returns a logger for the command line client
func GetCLILogger() zerolog.Logger {
	return GetLogger("cli")
}

// WithRun annotates l with the fields every run-scoped log line carries.
func WithRun(l zerolog.Logger, runID uint, slug string) zerolog.Logger {
	return l.With().Uint("run_id", runID).Str("pipeline", slug).Logger()
}
