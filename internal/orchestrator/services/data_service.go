// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/orchestrator/database"
	"github.com/noldarim/launchpad/internal/orchestrator/models"

	"github.com/rs/zerolog"
)

var (
	dataLog     *zerolog.Logger
	dataLogOnce sync.Once
)

func getDataLog() *zerolog.Logger {
	dataLogOnce.Do(func() {
		l := logger.GetDatabaseLogger().With().Str("component", "service").Logger()
		dataLog = &l
	})
	return dataLog
}

// DataService owns the database connection shared by the services and the orchestrator.
type DataService struct {
	db *database.GormDB
}

// NewDataService opens the configured database and checks that it was migrated.
func NewDataService(cfg *config.AppConfig) (*DataService, error) {
	getDataLog().Debug().Str("driver", cfg.Database.Driver).Msg("Initializing data service")

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		getDataLog().Error().Err(err).Msg("Failed to initialize database")
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.ValidateSchema(); err != nil {
		getDataLog().Error().Err(err).Msg("Database schema validation failed")
		db.Close()
		return nil, fmt.Errorf("database schema validation failed: %w", err)
	}

	getDataLog().Info().Msg("Data service initialized successfully")
	return &DataService{db: db}, nil
}

// NewDataServiceWithDB wraps an already opened database.
func NewDataServiceWithDB(db *database.GormDB) *DataService {
	return &DataService{db: db}
}

// Store returns the underlying database, which also backs the orchestrator.
func (ds *DataService) Store() *database.GormDB {
	return ds.db
}

// GetPipeline returns nil, nil when the pipeline does not exist.
func (ds *DataService) GetPipeline(ctx context.Context, id uint) (*models.Pipeline, error) {
	return ds.db.GetPipeline(ctx, id)
}

func (ds *DataService) GetPipelineBySlug(ctx context.Context, slug string) (*models.Pipeline, error) {
	return ds.db.GetPipelineBySlug(ctx, slug)
}

func (ds *DataService) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	return ds.db.ListPipelines(ctx)
}

func (ds *DataService) CreatePipeline(ctx context.Context, p *models.Pipeline) error {
	return ds.db.CreatePipeline(ctx, p)
}

func (ds *DataService) DeletePipeline(ctx context.Context, id uint) error {
	return ds.db.DeletePipeline(ctx, id)
}

func (ds *DataService) CreateRun(ctx context.Context, run *models.Run) error {
	return ds.db.CreateRun(ctx, run)
}

// GetRun returns nil, nil when the run does not exist.
func (ds *DataService) GetRun(ctx context.Context, id uint) (*models.Run, error) {
	return ds.db.GetRun(ctx, id)
}

func (ds *DataService) ListRuns(ctx context.Context, pipelineID uint, limit int) ([]*models.Run, error) {
	return ds.db.ListRunsByPipeline(ctx, pipelineID, limit)
}

func (ds *DataService) CountActiveRuns(ctx context.Context, pipelineID uint) (int64, error) {
	return ds.db.CountActiveRuns(ctx, pipelineID)
}

func (ds *DataService) FinalizeRun(ctx context.Context, runID uint, status models.Status, message string) error {
	return ds.db.FinalizeRun(ctx, runID, status, message)
}

// FailInterruptedRuns fails the runs a previous process left running.
func (ds *DataService) FailInterruptedRuns(ctx context.Context) (int64, error) {
	n, err := ds.db.FailInterruptedRuns(ctx, "interrupted: server restarted while the run was in progress")
	if err != nil {
		return n, fmt.Errorf("failed to fail interrupted runs: %w", err)
	}
	if n > 0 {
		getDataLog().Warn().Int64("runs", n).Msg("Marked interrupted runs as failed")
	}
	return n, nil
}

func (ds *DataService) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return ds.db.GetUserByEmail(ctx, email)
}

func (ds *DataService) GetUser(ctx context.Context, id uint) (*models.User, error) {
	return ds.db.GetUser(ctx, id)
}

func (ds *DataService) CreateUser(ctx context.Context, u *models.User) error {
	return ds.db.CreateUser(ctx, u)
}

func (ds *DataService) ListUsers(ctx context.Context) ([]*models.User, error) {
	return ds.db.ListUsers(ctx)
}

func (ds *DataService) UpdateUserRole(ctx context.Context, id uint, role models.Role) error {
	return ds.db.UpdateUserRole(ctx, id, role)
}

// Close closes the database connection
func (ds *DataService) Close() error {
	getDataLog().Debug().Msg("Closing data service")
	if ds.db != nil {
		return ds.db.Close()
	}
	return nil
}
