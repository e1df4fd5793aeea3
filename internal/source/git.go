// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package source checks out pipeline repositories into their workspace.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/noldarim/launchpad/internal/runner"
)

// branchNameRegex mirrors what git accepts for the refs we clone.
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// CommandRunner is the subset of runner.Runner used for checkouts.
type CommandRunner interface {
	Run(ctx context.Context, c runner.Command, onLine runner.LineFunc) error
}

// Git clones repositories with the git binary.
type Git struct {
	runner CommandRunner
	binary string
}

// NewGit creates a Git. binary defaults to "git".
func NewGit(r CommandRunner, binary string) *Git {
	if binary == "" {
		binary = "git"
	}
	return &Git{runner: r, binary: binary}
}

// ValidateRef rejects branch names that could be read as options or that git
// would refuse anyway.
func ValidateRef(branch string) error {
	if branch == "" {
		return errors.New("branch is required")
	}
	if len(branch) > 250 {
		return errors.New("branch name too long")
	}
	if strings.HasPrefix(branch, "-") || strings.Contains(branch, "..") || !branchNameRegex.MatchString(branch) {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

// Checkout removes dir and clones a shallow single-branch copy of repoURL
// into it. Nothing of a previous checkout survives.
func (g *Git) Checkout(ctx context.Context, repoURL, branch, dir string, onLine runner.LineFunc) error {
	if repoURL == "" || strings.HasPrefix(repoURL, "-") {
		return fmt.Errorf("invalid repository url %q", repoURL)
	}
	if err := ValidateRef(branch); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("create workspace parent: %w", err)
	}

	cmd := runner.Command{
		Name: g.binary,
		Args: []string{"clone", "--progress", "--branch", branch, "--single-branch", "--depth", "1", "--", repoURL, dir},
		Env:  []string{"GIT_TERMINAL_PROMPT=0"},
	}
	if err := g.runner.Run(ctx, cmd, onLine); err != nil {
		// leave no partial tree behind
		_ = os.RemoveAll(dir)
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}
