// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Status is shared by runs and by the denormalized pipeline status.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether s is a final run state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Pipeline is the stored definition a run executes. Runs only read it.
type Pipeline struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"not null;type:text" json:"name"`
	Slug       string `gorm:"not null;type:text;uniqueIndex" json:"slug"`
	RepoURL    string `gorm:"not null;type:text" json:"repo_url"`
	Branch     string `gorm:"not null;type:text;default:main" json:"branch"`
	DeployHost string `gorm:"type:text" json:"deploy_host"`
	DeployUser string `gorm:"type:text" json:"deploy_user"`
	DeployPort int    `gorm:"type:integer" json:"deploy_port"`
	// Ports is the published port mapping, "host:container".
	Ports      string `gorm:"type:text" json:"ports"`
	HealthPath string `gorm:"type:text" json:"health_path"`
	// BuildDir is the workspace subdirectory holding the application, if any.
	BuildDir string `gorm:"type:text" json:"build_dir"`
	Status   Status `gorm:"not null;type:text;default:pending" json:"status"`
	OwnerID  *uint  `gorm:"index" json:"owner_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Runs []Run `gorm:"foreignKey:PipelineID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for Pipeline
func (Pipeline) TableName() string {
	return "pipelines"
}

// BeforeCreate derives the slug and fills defaults.
func (p *Pipeline) BeforeCreate(tx *gorm.DB) error {
	if p.Slug == "" {
		p.Slug = Slugify(p.Name)
	}
	if p.Branch == "" {
		p.Branch = "main"
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	return nil
}

// ContainerName is the remote container identity of the pipeline.
func (p *Pipeline) ContainerName() string {
	return p.Slug
}

// ImageTag is the image reference built for one run.
func (p *Pipeline) ImageTag(runID uint) string {
	return fmt.Sprintf("%s:run-%d", p.Slug, runID)
}

// Run is one execution attempt of a pipeline.
type Run struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	PipelineID  uint       `gorm:"not null;index" json:"pipeline_id"`
	Status      Status     `gorm:"not null;type:text;index" json:"status"`
	Message     string     `gorm:"type:text" json:"message,omitempty"`
	TriggeredBy string     `gorm:"type:text" json:"triggered_by"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TableName returns the table name for Run
func (Run) TableName() string {
	return "runs"
}
