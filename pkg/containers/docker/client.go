// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ClientInterface defines what we need from Docker
type ClientInterface interface {
	BuildImage(ctx context.Context, contextDir, tag string, onLine func(string)) error
	SaveImage(ctx context.Context, tag string) (io.ReadCloser, error)
	Close() error
}

// engineAPI is the part of the docker SDK client the Client calls.
type engineAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageSave(ctx context.Context, imageIDs []string, saveOpts ...client.ImageSaveOption) (io.ReadCloser, error)
	Close() error
}

// Client implements ClientInterface using real Docker
type Client struct {
	docker engineAPI
}

// Compile-time check that Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new Docker client using default environment settings
func NewClient() (*Client, error) {
	return NewClientWithHost("")
}

// NewClientWithHost creates a new Docker client with a specific host
// If dockerHost is empty, uses environment variables (FromEnv)
func NewClientWithHost(dockerHost string) (*Client, error) {
	var opts []client.Opt

	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}

	opts = append(opts, client.WithAPIVersionNegotiation())

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		docker: dockerClient,
	}, nil
}

// BuildImage builds contextDir into an image tagged tag. The build context is
// streamed to the daemon as a tar archive; build output is decoded from the
// daemon's JSON message stream and handed to onLine.
func (c *Client) BuildImage(ctx context.Context, contextDir, tag string, onLine func(string)) error {
	if onLine == nil {
		onLine = func(string) {}
	}
	if _, err := os.Stat(filepath.Join(contextDir, "Dockerfile")); err != nil {
		return fmt.Errorf("no Dockerfile found in %s: %w", contextDir, err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeContext(pw, contextDir))
	}()
	// unblocks the archiver if the daemon stops reading early
	defer pr.CloseWithError(errors.New("build request finished"))

	resp, err := c.docker.ImageBuild(ctx, pr, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	return decodeBuildOutput(resp.Body, onLine)
}

// SaveImage exports tag as a tar stream suitable for docker load.
func (c *Client) SaveImage(ctx context.Context, tag string) (io.ReadCloser, error) {
	rc, err := c.docker.ImageSave(ctx, []string{tag})
	if err != nil {
		return nil, fmt.Errorf("failed to export image: %w", err)
	}
	return rc, nil
}

// Close closes the Docker client
func (c *Client) Close() error {
	return c.docker.Close()
}

// decodeBuildOutput forwards stream and status messages line by line and
// returns the first error message the daemon reports.
func decodeBuildOutput(r io.Reader, onLine func(string)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}

		if msg.Error != nil {
			return fmt.Errorf("image build failed: %s", msg.Error.Message)
		}
		if msg.ErrorMessage != "" {
			return fmt.Errorf("image build failed: %s", msg.ErrorMessage)
		}

		text := msg.Stream
		if text == "" && msg.Status != "" {
			text = msg.Status
			if msg.ID != "" {
				text = msg.ID + ": " + text
			}
		}
		for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			if line = strings.TrimRight(line, "\r"); line != "" {
				onLine(line)
			}
		}
	}
}

// writeContext writes dir as a tar archive to w. The .git directory is
// never part of a build context.
func writeContext(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to write %s to tar: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return tw.Close()
}
