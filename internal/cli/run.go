// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/noldarim/launchpad/internal/protocol"
	"github.com/noldarim/launchpad/internal/tui/components/pipelineview"
)

// ErrRunFailed is returned by watch when the run ended in failure.
var ErrRunFailed = errors.New("run failed")

type watchOptions struct {
	plain bool
}

func (o *watchOptions) register(fs *flag.FlagSet) {
	fs.BoolVar(&o.plain, "plain", false, "Print events as lines instead of the interactive view")
}

func triggerCommand(args []string, out io.Writer) error {
	var g globalOptions
	var wo watchOptions
	var watch bool
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	g.register(fs)
	wo.register(fs)
	fs.BoolVar(&watch, "watch", false, "Follow the run until it finishes")
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

	p, err := c.GetPipeline(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}
	tr, err := c.TriggerRun(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to trigger run: %w", err)
	}
	getLog().Info().Uint("run_id", tr.RunID).Str("pipeline", p.Slug).Msg("Triggered run")

	fmt.Fprintf(out, "▸ Run %d of %s started\n", tr.RunID, p.Slug)
	if !watch {
		fmt.Fprintf(out, "▸ Follow it with: %s watch %d\n", appName, tr.RunID)
		return nil
	}
	return watchRun(c, tr.RunID, fmt.Sprintf("%s · run %d", p.Slug, tr.RunID), wo, out)
}

func watchCommand(args []string, out io.Writer) error {
	var g globalOptions
	var wo watchOptions
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	g.register(fs)
	wo.register(fs)
	if err := parseInterspersed(fs, args); err != nil {
		return err
	}
	id, err := parseID(fs, "run id")
	if err != nil {
		return err
	}
	c, err := g.client()
	if err != nil {
		return err
	}
	return watchRun(c, id, fmt.Sprintf("run %d", id), wo, out)
}

// watchRun follows a run until its terminal event. Interrupting only
// detaches; the run keeps going on the server.
func watchRun(c *Client, runID uint, title string, opts watchOptions, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.Watch(ctx, runID)
	if err != nil {
		return err
	}
	// Closing unblocks a pending Next.
	go func() {
		<-ctx.Done()
		stream.Close()
	}()
	defer stream.Close()

	if opts.plain {
		return followPlain(ctx, stream, out)
	}
	return followTUI(stream, title, out)
}

// followPlain prints one line per event.
func followPlain(ctx context.Context, stream *EventStream, out io.Writer) error {
	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out, "▸ Detached, the run continues on the server")
				return nil
			}
			return fmt.Errorf("event stream ended: %w", err)
		}
		fmt.Fprintln(out, FormatEvent(ev))

		switch e := ev.(type) {
		case protocol.RunSuccess:
			return nil
		case protocol.RunFailed:
			return fmt.Errorf("%w: %s", ErrRunFailed, e.Message)
		}
	}
}

// followTUI runs the Bubble Tea run view and prints the log once it exits.
func followTUI(stream *EventStream, title string, out io.Writer) error {
	next := func() tea.Msg {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return pipelineview.StreamClosedMsg{Err: err}
		}
		return pipelineview.EventMsg{Event: ev}
	}

	// Use default size - Bubble Tea will send WindowSizeMsg with actual dimensions
	model := pipelineview.New(80, 24, title, next)
	finalModel, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	m, ok := finalModel.(pipelineview.Model)
	if !ok {
		return nil
	}

	// Print the log so it persists in terminal
	fmt.Fprintln(out)
	for _, line := range m.Lines() {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)

	switch m.Status() {
	case pipelineview.StatusSucceeded:
		fmt.Fprintf(out, "%s in %s\n", successStyle.Render("✓ Deployed"), m.Elapsed())
		return nil
	case pipelineview.StatusFailed:
		fmt.Fprintf(out, "%s after %s\n", failureStyle.Render("✗ Failed"), m.Elapsed())
		return fmt.Errorf("%w: %s", ErrRunFailed, m.Message())
	case pipelineview.StatusDetached:
		fmt.Fprintln(out, "▸ Detached, the run continues on the server")
		return nil
	default:
		if m.Err() != nil {
			return fmt.Errorf("event stream ended: %w", m.Err())
		}
		return errors.New("event stream ended before the run finished")
	}
}

// FormatEvent renders an event as one log line.
func FormatEvent(ev protocol.Event) string {
	ts := ev.GetMetadata().Time.Local().Format("15:04:05")
	switch e := ev.(type) {
	case protocol.RunStart:
		return fmt.Sprintf("%s ▸ run %d started", ts, e.RunID)
	case protocol.StepStart:
		return fmt.Sprintf("%s ▸ %s", ts, e.Step)
	case protocol.Log:
		return fmt.Sprintf("%s   [%s] %s", ts, e.Step, e.Message)
	case protocol.StepSuccess:
		return fmt.Sprintf("%s ✓ %s", ts, e.Step)
	case protocol.RunFailed:
		return fmt.Sprintf("%s ✗ run failed: %s", ts, e.Message)
	case protocol.RunSuccess:
		return fmt.Sprintf("%s ✓ run succeeded", ts)
	default:
		return fmt.Sprintf("%s %s", ts, ev.EventType())
	}
}
