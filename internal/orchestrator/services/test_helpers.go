// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"sync"
	"testing"

	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/orchestrator/database"
	"github.com/noldarim/launchpad/internal/runlog"

	"github.com/stretchr/testify/mock"
)

// DataServiceFixture represents a data service setup with cleanup
type DataServiceFixture struct {
	Service *DataService
	Cleanup func()
}

// WithDataService creates a data service over a fresh in-memory database
func WithDataService(t testing.TB) *DataServiceFixture {
	db := database.UseFreshInMemoryDatabase(t)
	return &DataServiceFixture{
		Service: NewDataServiceWithDB(db.DB),
		Cleanup: db.Cleanup,
	}
}

// PipelineServiceFixture is a PipelineService with a mocked dispatcher.
type PipelineServiceFixture struct {
	Service    *PipelineService
	Data       *DataService
	Dispatcher *MockDispatcher
	Logs       *runlog.Manager
	Config     *config.AppConfig
}

// WithPipelineService creates a PipelineService rooted at a temporary directory.
func WithPipelineService(t testing.TB) *PipelineServiceFixture {
	data := WithDataService(t).Service
	cfg := &config.AppConfig{Workspace: config.WorkspaceConfig{BaseDir: t.TempDir()}}
	logs := runlog.NewManager(cfg.Workspace.BaseDir)
	dispatcher := &MockDispatcher{}
	return &PipelineServiceFixture{
		Service:    NewPipelineService(data, dispatcher, logs, cfg),
		Data:       data,
		Dispatcher: dispatcher,
		Logs:       logs,
		Config:     cfg,
	}
}

// MockDispatcher is a testify mock of Dispatcher.
type MockDispatcher struct {
	mock.Mock

	mu      sync.Mutex
	started []uint
}

func (m *MockDispatcher) Start(runID uint) error {
	args := m.Called(runID)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.started = append(m.started, runID)
	m.mu.Unlock()
	return nil
}

func (m *MockDispatcher) InFlight(runID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.started {
		if id == runID {
			return true
		}
	}
	return false
}
