// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the launchpad command line client. It only talks
// to a running server over HTTP and websocket.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/logger"

	"github.com/rs/zerolog"
)

const (
	appName          = "launchpad"
	defaultServerURL = "http://localhost:8080"
)

// Version is set at build time.
var Version = "0.1.0-alpha"

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetCLILogger()
		log = &l
	})
	return log
}

// globalOptions are shared by every command that talks to the server.
type globalOptions struct {
	server  string
	email   string
	logFile string
}

func (o *globalOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.server, "server", envOr("LAUNCHPAD_SERVER", defaultServerURL), "Server base URL")
	fs.StringVar(&o.email, "email", os.Getenv("LAUNCHPAD_EMAIL"), "Identity sent to the server")
	fs.StringVar(&o.logFile, "log-file", os.Getenv("LAUNCHPAD_CLI_LOG"), "Write debug logs to this file")
}

// client initializes file logging (keep terminal clean) and builds the API client.
func (o *globalOptions) client() (*Client, error) {
	if o.logFile != "" {
		err := logger.Initialize(&config.LogConfig{
			Level:  "debug",
			Format: "json",
			Output: []config.LogOutputConfig{{Type: "file", Enabled: true, Path: o.logFile}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	c, err := NewClient(o.server, o.email)
	if err != nil {
		return nil, err
	}
	getLog().Debug().Str("server", o.server).Str("email", o.email).Msg("Client configured")
	return c, nil
}

// Execute runs the CLI application
func Execute() error {
	return run(os.Args[1:], os.Stdout)
}

func run(argv []string, out io.Writer) error {
	defer logger.CloseGlobal()

	if len(argv) < 1 {
		return printUsage(out)
	}

	command := argv[0]
	args := argv[1:]

	switch command {
	case "pipelines":
		return pipelinesCommand(args, out)
	case "create":
		return createCommand(args, out)
	case "delete":
		return deleteCommand(args, out)
	case "trigger":
		return triggerCommand(args, out)
	case "watch":
		return watchCommand(args, out)
	case "runs":
		return runsCommand(args, out)
	case "logs":
		return logsCommand(args, out)
	case "version":
		fmt.Fprintf(out, "%s version %s\n", appName, Version)
		return nil
	case "help", "-h", "--help":
		return printUsage(out)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage(out)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(out io.Writer) error {
	fmt.Fprintf(out, `%s - build and deploy pipelines

Usage:
  %s <command> [flags] [arguments]

Commands:
  pipelines               List pipelines
  create [-f file.yaml]   Create a pipeline from a file or an interactive form
  delete <pipeline-id>    Delete a pipeline, its runs and workspace
  trigger <pipeline-id>   Start a run (--watch to follow it)
  watch <run-id>          Follow a run live
  runs <pipeline-id>      List recent runs of a pipeline
  logs <pipeline-id>      Print the log of the latest run
  version                 Print version information
  help                    Show this help message

Common flags:
  --server URL            Server base URL (env LAUNCHPAD_SERVER, default %s)
  --email ADDRESS         Identity sent as X-Forwarded-Email (env LAUNCHPAD_EMAIL)

Examples:
  %s create -f pipeline.yaml --var HOST=10.0.0.5
  %s trigger 3 --watch
  %s watch 42 --plain

`, appName, appName, defaultServerURL, appName, appName, appName)
	return nil
}

// parseID parses the single positional id argument of a command.
func parseID(fs *flag.FlagSet, what string) (uint, error) {
	if fs.NArg() != 1 {
		return 0, fmt.Errorf("expected exactly one %s argument", what)
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 0)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", what, fs.Arg(0))
	}
	return uint(id), nil
}

// parseInterspersed parses flags that may follow positional arguments, as
// in "trigger 3 --watch".
func parseInterspersed(fs *flag.FlagSet, args []string) error {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	return fs.Parse(append([]string{"--"}, positional...))
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
