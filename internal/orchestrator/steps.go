// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/noldarim/launchpad/internal/health"
	"github.com/noldarim/launchpad/internal/protocol"
	"github.com/noldarim/launchpad/internal/runner"
)

func (o *Orchestrator) checkout(ctx context.Context, x *execution) error {
	x.logf(protocol.StepCheckout, "Workspace: %s", x.workspace)
	x.logf(protocol.StepCheckout, "Cloning %s (%s)", x.pipeline.RepoURL, x.pipeline.Branch)
	return o.deps.Source.Checkout(ctx, x.pipeline.RepoURL, x.pipeline.Branch, x.workspace, x.lines(protocol.StepCheckout))
}

// appDir returns the build directory inside the workspace and whether it exists.
func (x *execution) appDir() (string, bool) {
	if x.buildDir == "" {
		return x.workspace, false
	}
	dir := filepath.Join(x.workspace, x.buildDir)
	info, err := os.Stat(dir)
	return dir, err == nil && info.IsDir()
}

func (o *Orchestrator) buildTest(ctx context.Context, x *execution) error {
	dir, ok := x.appDir()
	if !ok {
		x.logf(protocol.StepBuildTest, "No %s directory found, skipping build and tests", x.buildDir)
		return nil
	}

	for _, argv := range [][]string{o.cfg.Build.CompileCommand, o.cfg.Build.TestCommand} {
		if len(argv) == 0 {
			continue
		}
		cmd := runner.Command{Name: argv[0], Args: argv[1:], Dir: dir}
		x.logf(protocol.StepBuildTest, "Running %s", cmd)
		if err := o.deps.Runner.Run(ctx, cmd, x.lines(protocol.StepBuildTest)); err != nil {
			return err
		}
	}
	x.logf(protocol.StepBuildTest, "Build and tests passed")
	return nil
}

func (o *Orchestrator) pack(ctx context.Context, x *execution) error {
	contextDir, ok := x.appDir()
	if !ok {
		contextDir = x.workspace
	}
	tag := x.pipeline.ImageTag(x.run.ID)
	x.logf(protocol.StepPackage, "Building image %s", tag)
	x.logf(protocol.StepPackage, "Build context: %s", contextDir)

	if err := o.deps.Images.Build(ctx, contextDir, tag, x.lines(protocol.StepPackage)); err != nil {
		return err
	}
	x.logf(protocol.StepPackage, "Image %s built", tag)
	return nil
}

// cleanup records what is deployed, then frees the container name, the
// published port and the disk space held by older images. The container
// being replaced is stopped and parked rather than removed so a rollback can
// start it again unchanged.
func (o *Orchestrator) cleanup(ctx context.Context, x *execution) error {
	name := x.pipeline.ContainerName()

	snap, err := o.deps.Snapshots.Snapshot(ctx, x.target, name)
	if err != nil {
		return fmt.Errorf("snapshot deployed state: %w", err)
	}
	x.snap = snap
	if snap.Exists {
		x.logf(protocol.StepCleanup, "Current deployment: container %s running %s", shortID(snap.ContainerID), snap.ImageRef)
	} else {
		x.logf(protocol.StepCleanup, "No running container named %s", name)
	}

	x.touched = true
	script := cleanupScript(o.cfg.Deploy.RemoteDocker, name, x.pipeline.Slug, snap.ContainerID, snap.ImageID)
	return o.deps.Remote.ExecRemote(ctx, x.target, script, x.lines(protocol.StepCleanup))
}

func (o *Orchestrator) transfer(ctx context.Context, x *execution) error {
	tag := x.pipeline.ImageTag(x.run.ID)
	x.logf(protocol.StepTransfer, "Shipping image %s to %s", tag, x.target.Address())
	if err := o.deps.Images.Transfer(ctx, tag, x.target, x.lines(protocol.StepTransfer)); err != nil {
		return err
	}
	x.logf(protocol.StepTransfer, "Image %s transferred", tag)
	return nil
}

func (o *Orchestrator) deploy(ctx context.Context, x *execution) error {
	if _, err := hostPort(x.ports); err != nil {
		return err
	}
	name := x.pipeline.ContainerName()
	cmd := fmt.Sprintf("%s run -d --name %s --restart unless-stopped -p %s %s",
		docker(o.cfg.Deploy.RemoteDocker), name, x.ports, x.pipeline.ImageTag(x.run.ID))

	x.logf(protocol.StepDeploy, "Starting container %s", name)
	return o.deps.Remote.ExecRemote(ctx, x.target, cmd, x.lines(protocol.StepDeploy))
}

// healthError is a probe that exhausted its attempts.
type healthError struct {
	message string
}

func (e *healthError) Error() string {
	return e.message
}

func (o *Orchestrator) healthCheck(ctx context.Context, x *execution) error {
	port, err := hostPort(x.ports)
	if err != nil {
		return err
	}
	url := "http://" + net.JoinHostPort(x.target.Host, port) + x.health
	h := o.cfg.Deploy.Health

	x.logf(protocol.StepHealthCheck, "GET %s", url)
	x.logf(protocol.StepHealthCheck, "Waiting for the application (timeout: %s, attempts: %d, delay: %s)", h.Timeout, h.MaxAttempts, h.Delay)

	res := o.deps.Prober.Probe(ctx, url, health.Options{
		Timeout:     h.Timeout,
		MaxAttempts: h.MaxAttempts,
		Delay:       h.Delay,
	}, x.lines(protocol.StepHealthCheck))

	if !res.OK {
		x.logf(protocol.StepHealthCheck, "Healthcheck FAILED: %s", res.Message)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return &healthError{message: res.Message}
	}
	x.logf(protocol.StepHealthCheck, "Healthcheck OK: %s", res.Message)
	return nil
}

// rollback restores the snapshot container. It never fails the caller; its
// outcome is only reported.
func (o *Orchestrator) rollback(ctx context.Context, x *execution) {
	step := protocol.StepRollback
	x.emit(protocol.StepStart{Step: step})

	ctx, span := o.tracer.Start(ctx, "step "+string(step))
	defer span.End()

	switch {
	case !x.touched:
		x.logf(step, "Deploy target was not modified, nothing to roll back")
	case !x.snap.Exists:
		x.logf(step, "No previous version to roll back to")
	default:
		x.logf(step, "Restoring container %s (%s)", shortID(x.snap.ContainerID), x.snap.ImageRef)
		script := rollbackScript(o.cfg.Deploy.RemoteDocker, x.snap.ContainerName, x.snap.ContainerID)
		if err := o.deps.Remote.ExecRemote(ctx, x.target, script, x.lines(step)); err != nil {
			span.RecordError(err)
			x.logf(step, "Rollback failed: %v", err)
			x.log.Error().Err(err).Msg("Rollback failed")
			return
		}
		x.logf(step, "Previous version restored")
		x.log.Info().Str("container", shortID(x.snap.ContainerID)).Msg("Rolled back to previous container")
	}
	x.emit(protocol.StepSuccess{Step: step})
}

// hostPort returns the published host port of a "host:container" mapping.
func hostPort(spec string) (string, error) {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return "", fmt.Errorf("invalid port mapping %q: %w", spec, err)
	}
	if len(mappings) != 1 || mappings[0].Binding.HostPort == "" {
		return "", fmt.Errorf("port mapping %q must publish exactly one host port", spec)
	}
	return mappings[0].Binding.HostPort, nil
}

func docker(bin string) string {
	if bin == "" {
		return "docker"
	}
	return bin
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// cleanupScript removes every container holding name or its parked name
// except keepContainer, parks keepContainer, and removes the images of repo
// except keepImage. Empty keep values keep nothing.
func cleanupScript(dockerBin, name, repo, keepContainer, keepImage string) string {
	d := docker(dockerBin)
	var b strings.Builder
	fmt.Fprintf(&b, "set -e\n")
	fmt.Fprintf(&b, "for id in $(%s ps -aq --no-trunc --filter 'name=^%s(-previous)?$'); do\n", d, name)
	fmt.Fprintf(&b, "  if [ \"$id\" != '%s' ]; then %s rm -f \"$id\" >/dev/null; echo \"Removed container $id\"; fi\n", keepContainer, d)
	fmt.Fprintf(&b, "done\n")
	if keepContainer != "" {
		fmt.Fprintf(&b, "%s stop '%s' >/dev/null\n", d, keepContainer)
		fmt.Fprintf(&b, "if [ \"$(%s inspect --format '{{.Name}}' '%s')\" != '/%s-previous' ]; then %s rename '%s' '%s-previous'; fi\n",
			d, keepContainer, name, d, keepContainer, name)
		fmt.Fprintf(&b, "echo 'Stopped previous container, kept as %s-previous'\n", name)
	}
	fmt.Fprintf(&b, "for img in $(%s images --no-trunc --format '{{.ID}}' '%s' | sort -u); do\n", d, repo)
	fmt.Fprintf(&b, "  if [ \"$img\" != '%s' ] && %s rmi -f \"$img\" >/dev/null 2>&1; then echo \"Removed image $img\"; fi\n", keepImage, d)
	fmt.Fprintf(&b, "done\n")
	fmt.Fprintf(&b, "echo 'Cleanup done'")
	return b.String()
}

// rollbackScript removes whatever now holds name unless it is the snapshot
// container, gives the snapshot container its name back and starts it.
func rollbackScript(dockerBin, name, containerID string) string {
	d := docker(dockerBin)
	var b strings.Builder
	fmt.Fprintf(&b, "set -e\n")
	fmt.Fprintf(&b, "for id in $(%s ps -aq --no-trunc --filter 'name=^%s$'); do\n", d, name)
	fmt.Fprintf(&b, "  if [ \"$id\" != '%s' ]; then %s rm -f \"$id\" >/dev/null; echo \"Removed failed container $id\"; fi\n", containerID, d)
	fmt.Fprintf(&b, "done\n")
	fmt.Fprintf(&b, "if [ \"$(%s inspect --format '{{.Name}}' '%s')\" != '/%s' ]; then %s rename '%s' '%s'; fi\n",
		d, containerID, name, d, containerID, name)
	fmt.Fprintf(&b, "%s start '%s' >/dev/null\n", d, containerID)
	fmt.Fprintf(&b, "echo 'Started previous container as %s'", name)
	return b.String()
}

