// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package images builds deployable images and ships them to deploy targets.
//
// Two interchangeable implementations exist: one drives the local daemon
// through the Docker SDK, the other shells out to the docker CLI. Both move
// the image to the target as a docker save stream piped into a remote
// docker load, without an intermediate file or registry.
package images

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/remote"
	"github.com/noldarim/launchpad/internal/runner"
	"github.com/noldarim/launchpad/pkg/containers/docker"
	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetDockerLogger()
		log = &l
	})
	return log
}

// Images packages a workspace and transfers the result.
type Images interface {
	Build(ctx context.Context, contextDir, tag string, onLine runner.LineFunc) error
	Transfer(ctx context.Context, tag string, t remote.Target, onLine runner.LineFunc) error
}

// Transport moves a byte stream into a command on a remote target.
type Transport interface {
	PipeTransfer(ctx context.Context, producer runner.Command, t remote.Target, consumer string, onLine runner.LineFunc) error
	StreamTransfer(ctx context.Context, src io.Reader, t remote.Target, consumer string, onLine runner.LineFunc) error
}

// CommandRunner starts local processes.
type CommandRunner interface {
	Run(ctx context.Context, c runner.Command, onLine runner.LineFunc) error
}

// API implements Images with the Docker SDK.
type API struct {
	client       docker.ClientInterface
	transport    Transport
	remoteDocker string
}

var _ Images = (*API)(nil)

// NewAPI creates an SDK backed implementation.
func NewAPI(client docker.ClientInterface, transport Transport, remoteDocker string) *API {
	return &API{client: client, transport: transport, remoteDocker: orDocker(remoteDocker)}
}

func (a *API) Build(ctx context.Context, contextDir, tag string, onLine runner.LineFunc) error {
	getLog().Debug().Str("tag", tag).Str("context", contextDir).Msg("Building image via API")
	return a.client.BuildImage(ctx, contextDir, tag, onLine)
}

func (a *API) Transfer(ctx context.Context, tag string, t remote.Target, onLine runner.LineFunc) error {
	rc, err := a.client.SaveImage(ctx, tag)
	if err != nil {
		return &remote.TransferError{Side: remote.SideProducer, Err: err}
	}
	defer rc.Close()

	getLog().Debug().Str("tag", tag).Str("target", t.String()).Msg("Streaming image to target")
	return a.transport.StreamTransfer(ctx, rc, t, a.remoteDocker+" load", onLine)
}

// CLI implements Images with the docker binary.
type CLI struct {
	runner       CommandRunner
	transport    Transport
	docker       string
	remoteDocker string
}

var _ Images = (*CLI)(nil)

// NewCLI creates a docker CLI backed implementation.
func NewCLI(r CommandRunner, transport Transport, dockerBinary, remoteDocker string) *CLI {
	return &CLI{runner: r, transport: transport, docker: orDocker(dockerBinary), remoteDocker: orDocker(remoteDocker)}
}

func (c *CLI) Build(ctx context.Context, contextDir, tag string, onLine runner.LineFunc) error {
	cmd := runner.Command{
		Name: c.docker,
		Args: []string{"build", "-t", tag, "."},
		Dir:  contextDir,
		Env:  []string{"DOCKER_CLI_HINTS=false"},
	}
	if err := c.runner.Run(ctx, cmd, onLine); err != nil {
		return fmt.Errorf("docker build: %w", err)
	}
	return nil
}

func (c *CLI) Transfer(ctx context.Context, tag string, t remote.Target, onLine runner.LineFunc) error {
	producer := runner.Command{Name: c.docker, Args: []string{"save", tag}}
	return c.transport.PipeTransfer(ctx, producer, t, c.remoteDocker+" load", onLine)
}

func orDocker(s string) string {
	if s == "" {
		return "docker"
	}
	return s
}
