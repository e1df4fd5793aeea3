// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package snapshot records what is running on a deploy target before it is changed.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/noldarim/launchpad/internal/remote"
)

// Querier runs a short command on a target and returns its output.
type Querier interface {
	Output(ctx context.Context, t remote.Target, command string) (string, error)
}

// DeploymentSnapshot describes the container that held the pipeline's name
// when the snapshot was taken.
type DeploymentSnapshot struct {
	Exists        bool
	ContainerID   string
	ContainerName string
	ImageID       string
	ImageRef      string
	TakenAt       time.Time
}

// Snapshotter inspects the remote docker daemon.
type Snapshotter struct {
	q      Querier
	docker string
	now    func() time.Time
}

// New creates a Snapshotter. docker is the remote docker binary.
func New(q Querier, docker string) *Snapshotter {
	if docker == "" {
		docker = "docker"
	}
	return &Snapshotter{q: q, docker: docker, now: time.Now}
}

// Snapshot looks up the container named exactly containerName. A missing
// container is reported with Exists false, not as an error.
func (s *Snapshotter) Snapshot(ctx context.Context, t remote.Target, containerName string) (DeploymentSnapshot, error) {
	snap := DeploymentSnapshot{ContainerName: containerName, TakenAt: s.now()}

	out, err := s.q.Output(ctx, t, fmt.Sprintf("%s ps -q --no-trunc --filter 'name=^%s$'", s.docker, containerName))
	if err != nil {
		return snap, fmt.Errorf("list containers: %w", err)
	}
	id := firstLine(out)
	if id == "" {
		return snap, nil
	}

	out, err = s.q.Output(ctx, t, fmt.Sprintf("%s inspect --format '{{.Image}}|{{.Config.Image}}' %s", s.docker, id))
	if err != nil {
		return snap, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	imageID, imageRef, ok := strings.Cut(firstLine(out), "|")
	if !ok {
		return snap, fmt.Errorf("unexpected inspect output %q", out)
	}

	snap.Exists = true
	snap.ContainerID = id
	snap.ImageID = imageID
	snap.ImageRef = imageRef
	return snap, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
