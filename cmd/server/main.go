// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noldarim/launchpad/internal/archive"
	"github.com/noldarim/launchpad/internal/bus"
	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/health"
	"github.com/noldarim/launchpad/internal/images"
	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/orchestrator"
	"github.com/noldarim/launchpad/internal/orchestrator/services"
	"github.com/noldarim/launchpad/internal/remote"
	"github.com/noldarim/launchpad/internal/runlog"
	"github.com/noldarim/launchpad/internal/runner"
	"github.com/noldarim/launchpad/internal/server"
	"github.com/noldarim/launchpad/internal/snapshot"
	"github.com/noldarim/launchpad/internal/source"
	"github.com/noldarim/launchpad/internal/telemetry"
	"github.com/noldarim/launchpad/pkg/containers/docker"
)

// Version is set at build time.
var Version = "0.1.0-alpha"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	if err := run(cfg); err != nil {
		mainLog := logger.GetLogger("main")
		mainLog.Error().Err(err).Msg("Server exited with error")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.CloseGlobal()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig) error {
	mainLog := logger.GetLogger("main")
	mainLog.Info().Str("version", Version).Msg("Starting launchpad server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	data, err := services.NewDataService(cfg)
	if err != nil {
		return err
	}
	defer data.Close()

	// Nothing can still be executing runs left over from a previous process.
	if _, err := data.FailInterruptedRuns(ctx); err != nil {
		return err
	}

	tracer, shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			mainLog.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	var archiver runlog.Archiver
	if cfg.Archive.Enabled {
		store, err := archive.New(cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to create log archive: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare log archive: %w", err)
		}
		archiver = store
	}

	procs := runner.New()
	exec := remote.NewExecutor(procs, cfg.Deploy.SSHBinary, cfg.Deploy.SSHOptions)

	var imgs images.Images
	switch cfg.Deploy.ImageMode {
	case "cli":
		imgs = images.NewCLI(procs, exec, cfg.Deploy.DockerCLI, cfg.Deploy.RemoteDocker)
	default:
		dockerClient, err := docker.NewClientWithHost(cfg.Deploy.DockerHost)
		if err != nil {
			return err
		}
		defer dockerClient.Close()
		imgs = images.NewAPI(dockerClient, exec, cfg.Deploy.RemoteDocker)
	}
	mainLog.Info().Str("image_mode", cfg.Deploy.ImageMode).Msg("Image backend selected")

	events := bus.New(cfg.Bus.HistoryLimit)
	logs := runlog.NewManager(cfg.Workspace.BaseDir)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Store:     data,
		Bus:       events,
		Logs:      logs,
		Source:    source.NewGit(procs, cfg.Workspace.GitPath),
		Runner:    procs,
		Images:    imgs,
		Remote:    exec,
		Snapshots: snapshot.New(exec, cfg.Deploy.RemoteDocker),
		Prober:    health.NewProber(nil),
		Archiver:  archiver,
		Tracer:    tracer,
	})

	pipelines := services.NewPipelineService(data, orch, logs, cfg)
	users := services.NewUserService(data, cfg.Auth)

	srv := server.New(cfg, server.Deps{
		Pipelines: pipelines,
		Users:     users,
		Bus:       events,
		Version:   Version,
	})

	serverErr := srv.Run(ctx)
	if serverErr != nil {
		mainLog.Error().Err(serverErr).Msg("API server failed")
	} else {
		mainLog.Info().Msg("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn().Err(err).Msg("API server did not shut down cleanly")
	}
	mainLog.Info().Msg("Waiting for in-flight runs to finish")
	if err := orch.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn().Err(err).Msg("Runs were still in progress at shutdown")
	}

	mainLog.Info().Msg("Server stopped")
	return serverErr
}
