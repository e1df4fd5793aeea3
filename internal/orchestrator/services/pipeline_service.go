// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/go-connections/nat"
	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/source"

	"github.com/rs/zerolog"
)

var (
	pipelineLog     *zerolog.Logger
	pipelineLogOnce sync.Once
)

func getPipelineLog() *zerolog.Logger {
	pipelineLogOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "pipeline_service").Logger()
		pipelineLog = &l
	})
	return pipelineLog
}

var (
	// ErrNotFound is returned when the addressed pipeline, run or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the request clashes with the current state.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PipelineService encapsulates the business logic behind pipeline and run requests.
// Both the API server and the startup code call these methods directly.
type PipelineService struct {
	data       *DataService
	dispatcher Dispatcher
	logs       LogStore
	config     *config.AppConfig
}

// NewPipelineService creates a PipelineService with its dependencies.
func NewPipelineService(data *DataService, dispatcher Dispatcher, logs LogStore, cfg *config.AppConfig) *PipelineService {
	return &PipelineService{
		data:       data,
		dispatcher: dispatcher,
		logs:       logs,
		config:     cfg,
	}
}

// CreatePipelineParams groups input for CreatePipeline. Empty deploy fields
// fall back to the configured defaults when a run starts.
type CreatePipelineParams struct {
	Name       string `json:"name" yaml:"name"`
	RepoURL    string `json:"repo_url" yaml:"repo_url"`
	Branch     string `json:"branch,omitempty" yaml:"branch"`
	DeployHost string `json:"deploy_host,omitempty" yaml:"deploy_host"`
	DeployUser string `json:"deploy_user,omitempty" yaml:"deploy_user"`
	DeployPort int    `json:"deploy_port,omitempty" yaml:"deploy_port"`
	Ports      string `json:"ports,omitempty" yaml:"ports"`
	HealthPath string `json:"health_path,omitempty" yaml:"health_path"`
	BuildDir   string `json:"build_dir,omitempty" yaml:"build_dir"`
}

// Validate checks the parameters without touching the database.
func (p *CreatePipelineParams) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	p.RepoURL = strings.TrimSpace(p.RepoURL)
	p.Branch = strings.TrimSpace(p.Branch)

	if p.Name == "" {
		return invalid("name", "is required")
	}
	if slug := models.Slugify(p.Name); !models.IsDockerSafe(slug) {
		return invalid("name", "derived slug %q is not a valid container name", slug)
	}
	if p.RepoURL == "" {
		return invalid("repo_url", "is required")
	}
	if strings.HasPrefix(p.RepoURL, "-") {
		return invalid("repo_url", "must not start with '-'")
	}
	if p.Branch != "" {
		if err := source.ValidateRef(p.Branch); err != nil {
			return invalid("branch", "%v", err)
		}
	}
	if strings.HasPrefix(p.DeployHost, "-") || strings.ContainsAny(p.DeployHost, " @") {
		return invalid("deploy_host", "invalid host %q", p.DeployHost)
	}
	if strings.HasPrefix(p.DeployUser, "-") || strings.ContainsAny(p.DeployUser, " @") {
		return invalid("deploy_user", "invalid user %q", p.DeployUser)
	}
	if p.DeployPort < 0 || p.DeployPort > 65535 {
		return invalid("deploy_port", "must be between 1 and 65535")
	}
	if p.Ports != "" {
		mappings, err := nat.ParsePortSpec(p.Ports)
		if err != nil {
			return invalid("ports", "%v", err)
		}
		if len(mappings) != 1 || mappings[0].Binding.HostPort == "" {
			return invalid("ports", "must be a single host:container mapping")
		}
	}
	if p.HealthPath != "" && !strings.HasPrefix(p.HealthPath, "/") {
		return invalid("health_path", "must start with '/'")
	}
	if p.BuildDir != "" && (filepath.IsAbs(p.BuildDir) || strings.Contains(p.BuildDir, "..")) {
		return invalid("build_dir", "must be a relative path inside the repository")
	}
	return nil
}

// CreatePipeline validates params and persists a new pipeline owned by owner.
func (ps *PipelineService) CreatePipeline(ctx context.Context, params CreatePipelineParams, owner *models.User) (*models.Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	slug := models.Slugify(params.Name)
	existing, err := ps.data.GetPipelineBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to check slug: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: slug %q is already used by pipeline %d", ErrConflict, slug, existing.ID)
	}

	p := &models.Pipeline{
		Name:       params.Name,
		Slug:       slug,
		RepoURL:    params.RepoURL,
		Branch:     params.Branch,
		DeployHost: params.DeployHost,
		DeployUser: params.DeployUser,
		DeployPort: params.DeployPort,
		Ports:      params.Ports,
		HealthPath: params.HealthPath,
		BuildDir:   params.BuildDir,
	}
	if owner != nil {
		p.OwnerID = &owner.ID
	}
	if err := ps.data.CreatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	getPipelineLog().Info().Uint("pipeline_id", p.ID).Str("pipeline", p.Slug).Msg("Created pipeline")
	return p, nil
}

// ListPipelines returns every pipeline, newest first.
func (ps *PipelineService) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	return ps.data.ListPipelines(ctx)
}

// GetPipeline returns ErrNotFound for an unknown id.
func (ps *PipelineService) GetPipeline(ctx context.Context, id uint) (*models.Pipeline, error) {
	p, err := ps.data.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: pipeline %d", ErrNotFound, id)
	}
	return p, nil
}

// DeletePipeline removes a pipeline with its runs, its workspace and its log
// file. It is refused while a run of the pipeline is in progress.
func (ps *PipelineService) DeletePipeline(ctx context.Context, id uint) error {
	p, err := ps.GetPipeline(ctx, id)
	if err != nil {
		return err
	}

	active, err := ps.data.CountActiveRuns(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count active runs: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("%w: pipeline %s has a run in progress", ErrConflict, p.Slug)
	}

	if err := ps.logs.Remove(p.Slug); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := ps.data.DeletePipeline(ctx, id); err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}

	dir := filepath.Join(ps.config.Workspace.BaseDir, p.Slug)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		getPipelineLog().Warn().Err(err).Str("dir", dir).Msg("Failed to remove pipeline directory")
	}

	getPipelineLog().Info().Uint("pipeline_id", id).Str("pipeline", p.Slug).Msg("Deleted pipeline")
	return nil
}

// TriggerRun records a new run of the pipeline and hands it to the
// dispatcher. The run is already in the running state when this returns;
// runs of the same pipeline queue behind each other.
func (ps *PipelineService) TriggerRun(ctx context.Context, pipelineID uint, triggeredBy string) (*models.Run, error) {
	p, err := ps.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	run := &models.Run{PipelineID: p.ID, TriggeredBy: triggeredBy}
	if err := ps.data.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := ps.dispatcher.Start(run.ID); err != nil {
		// Without a worker the row would stay running until the next restart.
		if ferr := ps.data.FinalizeRun(context.WithoutCancel(ctx), run.ID, models.StatusFailed, "not started: "+err.Error()); ferr != nil {
			getPipelineLog().Error().Err(ferr).Uint("run_id", run.ID).Msg("Failed to finalize undispatched run")
		}
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	getPipelineLog().Info().
		Uint("run_id", run.ID).Str("pipeline", p.Slug).Str("triggered_by", triggeredBy).
		Msg("Triggered run")
	return run, nil
}

// ListRuns returns the runs of a pipeline, newest first.
func (ps *PipelineService) ListRuns(ctx context.Context, pipelineID uint, limit int) ([]*models.Run, error) {
	if _, err := ps.GetPipeline(ctx, pipelineID); err != nil {
		return nil, err
	}
	return ps.data.ListRuns(ctx, pipelineID, limit)
}

// GetRun returns ErrNotFound for an unknown id.
func (ps *PipelineService) GetRun(ctx context.Context, id uint) (*models.Run, error) {
	run, err := ps.data.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}
	return run, nil
}

// ReadLog returns the log file of the pipeline's latest run.
func (ps *PipelineService) ReadLog(ctx context.Context, pipelineID uint) ([]byte, error) {
	p, err := ps.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	data, err := ps.logs.Read(p.Slug)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: pipeline %s has no log yet", ErrNotFound, p.Slug)
	}
	return data, err
}
