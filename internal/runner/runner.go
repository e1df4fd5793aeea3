// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner executes external processes and streams their merged output
// line by line while they run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/noldarim/launchpad/internal/logger"
	"github.com/rs/zerolog"
)

// DefaultWaitDelay bounds how long Run waits for output after the process
// was killed, in case a grandchild still holds the pipe open.
const DefaultWaitDelay = 5 * time.Second

// maxLineBytes caps a single line; longer output is split.
const maxLineBytes = 64 * 1024

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRunnerLogger()
		log = &l
	})
	return log
}

// LineFunc receives one line of output, without its trailing newline.
type LineFunc func(line string)

// Command describes a process to start.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the parent environment
	Stdin io.Reader
}

// Argv returns the full argument vector, program first.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// ExitError reports a process that did not exit successfully.
type ExitError struct {
	// Code is the exit status, or -1 when the process could not be started
	// or was terminated by a signal.
	Code int
	Argv []string
	Err  error
}

func (e *ExitError) Error() string {
	cmd := strings.Join(e.Argv, " ")
	if e.Code >= 0 {
		return fmt.Sprintf("command %q exited with code %d", cmd, e.Code)
	}
	return fmt.Sprintf("command %q failed: %v", cmd, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the exit status from err, or -1 if err is not an ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// Runner starts local processes.
type Runner struct {
	WaitDelay time.Duration
}

// New creates a Runner with default settings.
func New() *Runner {
	return &Runner{WaitDelay: DefaultWaitDelay}
}

// Run starts c with stdout and stderr merged and calls onLine for every line
// as soon as it is read. It returns after the process exited and all output
// was delivered. Cancelling ctx kills the process.
func (r *Runner) Run(ctx context.Context, c Command, onLine LineFunc) error {
	if c.Name == "" {
		return &ExitError{Code: -1, Argv: c.Argv(), Err: errors.New("command cannot be empty")}
	}
	if onLine == nil {
		onLine = func(string) {}
	}

	cmd := r.prepare(ctx, c)
	lw := newLineWriter(onLine)
	cmd.Stdout = lw
	cmd.Stderr = lw

	getLog().Debug().Strs("argv", c.Argv()).Str("dir", c.Dir).Msg("Starting process")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &ExitError{Code: -1, Argv: c.Argv(), Err: err}
	}

	err := cmd.Wait()
	lw.Close()

	getLog().Debug().
		Strs("argv", c.Argv()).
		Dur("elapsed", time.Since(start)).
		Int("lines", lw.Lines()).
		Err(err).
		Msg("Process finished")

	return r.classify(ctx, c, err)
}

// RunTo starts c with stdout written to stdout and stderr streamed line by
// line to onStderr. It is used for processes whose stdout is a payload rather
// than a log, such as an image export feeding a transfer.
func (r *Runner) RunTo(ctx context.Context, c Command, stdout io.Writer, onStderr LineFunc) error {
	if c.Name == "" {
		return &ExitError{Code: -1, Argv: c.Argv(), Err: errors.New("command cannot be empty")}
	}
	if onStderr == nil {
		onStderr = func(string) {}
	}

	cmd := r.prepare(ctx, c)
	lw := newLineWriter(onStderr)
	cmd.Stdout = stdout
	cmd.Stderr = lw

	if err := cmd.Start(); err != nil {
		return &ExitError{Code: -1, Argv: c.Argv(), Err: err}
	}
	err := cmd.Wait()
	lw.Close()

	return r.classify(ctx, c, err)
}

// Output runs c and returns its merged output, trimmed of trailing newlines.
func (r *Runner) Output(ctx context.Context, c Command) (string, error) {
	var lines []string
	err := r.Run(ctx, c, func(line string) {
		lines = append(lines, line)
	})
	return strings.Join(lines, "\n"), err
}

func (r *Runner) prepare(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = r.WaitDelay
	return cmd
}

// classify turns the result of exec.Cmd.Wait into an ExitError.
func (r *Runner) classify(ctx context.Context, c Command, err error) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return &ExitError{Code: -1, Argv: c.Argv(), Err: context.Cause(ctx)}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return &ExitError{Code: -1, Argv: c.Argv(), Err: fmt.Errorf("terminated by signal %s", status.Signal())}
		}
		return &ExitError{Code: code, Argv: c.Argv(), Err: err}
	}

	return &ExitError{Code: -1, Argv: c.Argv(), Err: err}
}

// lineWriter splits a byte stream into lines and hands each to a LineFunc.
// A bare carriage return, as written by progress meters, also ends a line.
type lineWriter struct {
	mu      sync.Mutex
	onLine  LineFunc
	partial []byte
	afterCR bool
	lines   int
	closed  bool
}

func newLineWriter(onLine LineFunc) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return len(p), nil
	}

	for _, b := range p {
		switch b {
		case '\r':
			if len(w.partial) > 0 {
				w.emit()
			}
			w.afterCR = true
			continue
		case '\n':
			if !w.afterCR {
				w.emit()
			}
			w.afterCR = false
			continue
		}
		w.afterCR = false
		w.partial = append(w.partial, b)
		if len(w.partial) >= maxLineBytes {
			w.emit()
		}
	}
	return len(p), nil
}

// emit must be called with mu held.
func (w *lineWriter) emit() {
	line := string(w.partial)
	w.partial = w.partial[:0]
	w.lines++
	w.onLine(line)
}

// Close flushes an unterminated last line. Later writes are dropped.
func (w *lineWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if len(w.partial) > 0 {
		w.emit()
	}
	w.closed = true
}

func (w *lineWriter) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}
