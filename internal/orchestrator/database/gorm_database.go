// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/orchestrator/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrRunNotFound is returned when finalizing a run that does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunAlreadyFinal is returned on any terminal write after the first.
	ErrRunAlreadyFinal = errors.New("run already in a terminal state")
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// Serialize writers; concurrent runs finalize from separate goroutines.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.User{},
		&models.Pipeline{},
		&models.Run{},
	)
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string

	tables := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{&models.User{}, "users", []string{"id", "email", "name", "role"}},
		{&models.Pipeline{}, "pipelines", []string{
			"id", "name", "slug", "repo_url", "branch", "deploy_host", "deploy_user",
			"deploy_port", "ports", "health_path", "build_dir", "status", "owner_id",
		}},
		{&models.Run{}, "runs", []string{"id", "pipeline_id", "status", "message", "triggered_by", "created_at", "finished_at"}},
	}

	for _, tbl := range tables {
		if !db.db.Migrator().HasTable(tbl.model) {
			missingTables = append(missingTables, tbl.name)
			continue
		}
		for _, col := range tbl.columns {
			if !db.db.Migrator().HasColumn(tbl.model, col) {
				missingColumns = append(missingColumns, fmt.Sprintf("%s.%s", tbl.name, col))
			}
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\n💡 Run 'launchpad-migrate' to create the required tables", missingTables)
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\n💡 Run 'launchpad-migrate' to add the required columns", missingColumns)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// User Operations
// ============================================================================

// GetUserByEmail returns nil, nil when no user has that email.
func (db *GormDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := db.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetUser retrieves a user by ID
func (db *GormDB) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := db.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser creates a new user
func (db *GormDB) CreateUser(ctx context.Context, user *models.User) error {
	return db.db.WithContext(ctx).Create(user).Error
}

// ListUsers returns all users ordered by email
func (db *GormDB) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := db.db.WithContext(ctx).Order("email ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUserRole sets the role of a user
func (db *GormDB) UpdateUserRole(ctx context.Context, id uint, role models.Role) error {
	res := db.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("role", role)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ============================================================================
// Pipeline Operations
// ============================================================================

// CreatePipeline creates a new pipeline definition
func (db *GormDB) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Create(pipeline).Error
}

// GetPipeline retrieves a pipeline by ID
func (db *GormDB) GetPipeline(ctx context.Context, id uint) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := db.db.WithContext(ctx).First(&pipeline, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

// GetPipelineBySlug retrieves a pipeline by its slug
func (db *GormDB) GetPipelineBySlug(ctx context.Context, slug string) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := db.db.WithContext(ctx).First(&pipeline, "slug = ?", slug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

// ListPipelines returns all pipelines, newest first
func (db *GormDB) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := db.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// DeletePipeline deletes a pipeline and all of its runs
func (db *GormDB) DeletePipeline(ctx context.Context, id uint) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pipeline_id = ?", id).Delete(&models.Run{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Pipeline{}, id).Error
	})
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts run in the running state and marks its pipeline running
// in the same transaction.
func (db *GormDB) CreateRun(ctx context.Context, run *models.Run) error {
	run.Status = models.StatusRunning
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		return tx.Model(&models.Pipeline{}).
			Where("id = ?", run.PipelineID).
			Update("status", models.StatusRunning).Error
	})
}

// GetRun retrieves a run by ID
func (db *GormDB) GetRun(ctx context.Context, id uint) (*models.Run, error) {
	var run models.Run
	err := db.db.WithContext(ctx).First(&run, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListRunsByPipeline returns the runs of a pipeline, newest first
func (db *GormDB) ListRunsByPipeline(ctx context.Context, pipelineID uint, limit int) ([]*models.Run, error) {
	var runs []*models.Run
	q := db.db.WithContext(ctx).Where("pipeline_id = ?", pipelineID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// CountActiveRuns counts the runs of a pipeline still in the running state
func (db *GormDB) CountActiveRuns(ctx context.Context, pipelineID uint) (int64, error) {
	var n int64
	err := db.db.WithContext(ctx).Model(&models.Run{}).
		Where("pipeline_id = ? AND status = ?", pipelineID, models.StatusRunning).
		Count(&n).Error
	return n, err
}

// FinalizeRun writes the terminal status of a run and mirrors it onto the
// pipeline. Only the first call for a run succeeds; later calls return
// ErrRunAlreadyFinal and change nothing.
func (db *GormDB) FinalizeRun(ctx context.Context, runID uint, status models.Status, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize run %d: %q is not a terminal status", runID, status)
	}

	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&models.Run{}).
			Where("id = ? AND status = ?", runID, models.StatusRunning).
			Updates(map[string]interface{}{
				"status":      status,
				"message":     message,
				"finished_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var run models.Run
			if err := tx.First(&run, runID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrRunNotFound
				}
				return err
			}
			return ErrRunAlreadyFinal
		}

		var run models.Run
		if err := tx.First(&run, runID).Error; err != nil {
			return err
		}

		// A queued run of the same pipeline keeps it running.
		var pending int64
		if err := tx.Model(&models.Run{}).
			Where("pipeline_id = ? AND status = ?", run.PipelineID, models.StatusRunning).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}
		return tx.Model(&models.Pipeline{}).
			Where("id = ?", run.PipelineID).
			Update("status", status).Error
	})
}

// FailInterruptedRuns marks every run still in the running state as failed.
// It is called at startup, before any run can be in flight in this process.
func (db *GormDB) FailInterruptedRuns(ctx context.Context, message string) (int64, error) {
	var ids []uint
	if err := db.db.WithContext(ctx).Model(&models.Run{}).
		Where("status = ?", models.StatusRunning).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		err := db.FinalizeRun(ctx, id, models.StatusFailed, message)
		if err != nil && !errors.Is(err, ErrRunAlreadyFinal) {
			return n, err
		}
		if err == nil {
			n++
		}
	}
	return n, nil
}
