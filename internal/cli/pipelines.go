// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/orchestrator/services"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

const requestTimeout = 30 * time.Second

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func renderStatus(s models.Status) string {
	switch s {
	case models.StatusSuccess:
		return successStyle.Render(string(s))
	case models.StatusFailed:
		return failureStyle.Render(string(s))
	case models.StatusRunning:
		return runningStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func pipelinesCommand(args []string, out io.Writer) error {
	var g globalOptions
	fs := flag.NewFlagSet("pipelines", flag.ContinueOnError)
	g.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	pipelines, err := c.ListPipelines(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pipelines: %w", err)
	}

	if len(pipelines) == 0 {
		fmt.Fprintln(out, "No pipelines found.")
		fmt.Fprintln(out, "\nCreate one with:")
		fmt.Fprintf(out, "  %s create -f pipeline.yaml\n", appName)
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-5s  %-20s  %-10s  %-22s  %s\n", "ID", "SLUG", "STATUS", "TARGET", "REPOSITORY")
	fmt.Fprintln(out, "─────  ────────────────────  ──────────  ──────────────────────  ────────────────────────────────")
	for _, p := range pipelines {
		target := "(default)"
		if p.DeployHost != "" {
			target = p.DeployHost
			if p.DeployUser != "" {
				target = p.DeployUser + "@" + target
			}
		}
		// Pad before styling so escape codes do not break the columns.
		status := renderStatus(p.Status) + strings.Repeat(" ", max(0, 10-len(p.Status)))
		fmt.Fprintf(out, "%-5d  %-20s  %s  %-22s  %s\n",
			p.ID, truncateForDisplay(p.Slug, 20), status, truncateForDisplay(target, 22), p.RepoURL)
	}
	fmt.Fprintln(out)
	return nil
}

type createOptions struct {
	file string
	vars map[string]string
}

func createCommand(args []string, out io.Writer) error {
	var g globalOptions
	opts := &createOptions{vars: make(map[string]string)}
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	g.register(fs)
	fs.StringVar(&opts.file, "f", "", "Path to pipeline YAML file")
	fs.StringVar(&opts.file, "file", "", "Path to pipeline YAML file")

	// Custom flag for --var (can be repeated)
	fs.Func("var", "Set variable (key=value), can be repeated", func(s string) error {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid var format, use key=value")
		}
		opts.vars[parts[0]] = parts[1]
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}

	var params services.CreatePipelineParams
	var err error
	if opts.file != "" {
		params, err = LoadPipelineFile(opts.file, opts.vars)
	} else {
		params, err = pipelineForm()
	}
	if err != nil {
		return err
	}

	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	p, err := c.CreatePipeline(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	fmt.Fprintf(out, "▸ Created pipeline %d (%s)\n", p.ID, p.Slug)
	fmt.Fprintf(out, "▸ Start a run with: %s trigger %d --watch\n", appName, p.ID)
	return nil
}

// pipelineForm asks for the pipeline fields interactively.
func pipelineForm() (services.CreatePipelineParams, error) {
	var params services.CreatePipelineParams
	var port string

	required := func(what string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", what)
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Pipeline name").
				Placeholder("shop-api").
				Value(&params.Name).
				Validate(required("name")),
			huh.NewInput().
				Title("Repository URL").
				Placeholder("https://git.example.com/shop/api.git").
				Value(&params.RepoURL).
				Validate(required("repository URL")),
			huh.NewInput().
				Title("Branch").
				Placeholder("main").
				Value(&params.Branch),
			huh.NewInput().
				Title("Build directory").
				Description("Subdirectory holding the application, empty for the repository root").
				Value(&params.BuildDir),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Deploy host").
				Description("Empty uses the server default").
				Value(&params.DeployHost),
			huh.NewInput().
				Title("Deploy user").
				Value(&params.DeployUser),
			huh.NewInput().
				Title("SSH port").
				Placeholder("22").
				Value(&port),
			huh.NewInput().
				Title("Published ports").
				Placeholder("8080:8080").
				Value(&params.Ports),
			huh.NewInput().
				Title("Health path").
				Placeholder("/").
				Value(&params.HealthPath),
		),
	).WithTheme(huh.ThemeCharm())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return params, errors.New("aborted")
		}
		return params, err
	}

	if port = strings.TrimSpace(port); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &params.DeployPort); err != nil {
			return params, fmt.Errorf("invalid SSH port %q", port)
		}
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

func deleteCommand(args []string, out io.Writer) error {
	var g globalOptions
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	g.register(fs)
	if err := parseInterspersed(fs, args); err != nil {
		return err
	}
	id, err := parseID(fs, "pipeline id")
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.DeletePipeline(ctx, id); err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	fmt.Fprintf(out, "▸ Deleted pipeline %d\n", id)
	return nil
}

func runsCommand(args []string, out io.Writer) error {
	var g globalOptions
	var limit int
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	g.register(fs)
	fs.IntVar(&limit, "limit", 10, "Number of runs to show")
	if err := parseInterspersed(fs, args); err != nil {
		return err
	}
	id, err := parseID(fs, "pipeline id")
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	runs, err := c.ListRuns(ctx, id, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs yet.")
		return nil
	}

	fmt.Fprintf(out, "%-6s  %-10s  %-20s  %-10s  %s\n", "RUN", "STATUS", "STARTED", "DURATION", "MESSAGE")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}
		status := renderStatus(r.Status) + strings.Repeat(" ", max(0, 10-len(r.Status)))
		fmt.Fprintf(out, "%-6d  %s  %-20s  %-10s  %s\n",
			r.ID, status, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), duration, truncateForDisplay(r.Message, 60))
	}
	return nil
}

func logsCommand(args []string, out io.Writer) error {
	var g globalOptions
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	g.register(fs)
	if err := parseInterspersed(fs, args); err != nil {
		return err
	}
	id, err := parseID(fs, "pipeline id")
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	data, err := c.PipelineLog(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func truncateForDisplay(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
