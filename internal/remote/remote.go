// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote runs commands on deploy targets over the OpenSSH client.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/runner"
	"github.com/rs/zerolog"
)

// diagnosticLines is how much consumer output a TransferError keeps.
const diagnosticLines = 40

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRemoteLogger()
		log = &l
	})
	return log
}

// Target is a user/host/port triple reachable over ssh.
type Target struct {
	User string
	Host string
	Port int
}

// Address returns user@host.
func (t Target) Address() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Address(), t.Port)
}

// Validate checks that the target can be dialed.
func (t Target) Validate() error {
	if t.Host == "" {
		return errors.New("deploy host is required")
	}
	if strings.HasPrefix(t.Host, "-") || strings.HasPrefix(t.User, "-") {
		return fmt.Errorf("invalid deploy target %q", t.Address())
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("invalid ssh port %d", t.Port)
	}
	return nil
}

// Side identifies which half of a transfer failed.
type Side string

const (
	SideProducer Side = "producer"
	SideConsumer Side = "consumer"
)

// TransferError reports a failed pipe transfer. Diagnostics holds the
// captured output of the failing side.
type TransferError struct {
	Side        Side
	Err         error
	Diagnostics string
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("transfer %s failed: %v", e.Side, e.Err)
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Executor runs remote commands through the ssh binary.
type Executor struct {
	runner  *runner.Runner
	binary  string
	options []string
}

// NewExecutor creates an Executor. options are passed as "-o" flags.
func NewExecutor(r *runner.Runner, binary string, options []string) *Executor {
	if binary == "" {
		binary = "ssh"
	}
	return &Executor{runner: r, binary: binary, options: options}
}

// command builds the ssh invocation for remoteCmd.
func (e *Executor) command(t Target, remoteCmd string) runner.Command {
	args := make([]string, 0, 2*len(e.options)+4)
	args = append(args, "-p", strconv.Itoa(t.Port))
	for _, opt := range e.options {
		args = append(args, "-o", opt)
	}
	args = append(args, t.Address(), remoteCmd)
	return runner.Command{Name: e.binary, Args: args}
}

// ExecRemote runs command on t, streaming its combined output. A non-zero
// remote exit is returned as *runner.ExitError.
func (e *Executor) ExecRemote(ctx context.Context, t Target, command string, onLine runner.LineFunc) error {
	if err := t.Validate(); err != nil {
		return err
	}
	getLog().Debug().Str("target", t.String()).Str("command", command).Msg("Remote exec")
	return e.runner.Run(ctx, e.command(t, command), onLine)
}

// Output runs command on t and returns its combined output.
func (e *Executor) Output(ctx context.Context, t Target, command string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	return e.runner.Output(ctx, e.command(t, command))
}

// PipeTransfer connects the stdout of the local producer process to the stdin
// of consumer running on t. The payload flows through an OS pipe and is never
// held in memory. Both exit statuses are checked.
func (e *Executor) PipeTransfer(ctx context.Context, producer runner.Command, t Target, consumer string, onLine runner.LineFunc) error {
	if err := t.Validate(); err != nil {
		return err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create transfer pipe: %w", err)
	}

	producerTail := runner.NewTail(diagnosticLines)
	producerDone := make(chan error, 1)

	// The producer's stdout is the write end; its stderr is kept for diagnostics.
	go func() {
		producerDone <- e.runStreaming(ctx, producer, pw, producerTail.Add)
	}()

	consumerErr := e.consume(ctx, pr, t, consumer, onLine)
	// Unblock a producer still writing into a consumer that exited early.
	pr.Close()
	producerErr := <-producerDone

	return transferResult(producerErr, producerTail, consumerErr)
}

// StreamTransfer is PipeTransfer with an in-process producer: src is copied
// to the stdin of consumer on t. A read error from src is a producer failure.
func (e *Executor) StreamTransfer(ctx context.Context, src io.Reader, t Target, consumer string, onLine runner.LineFunc) error {
	if err := t.Validate(); err != nil {
		return err
	}

	tracked := &trackingReader{r: src}
	consumerErr := e.consume(ctx, tracked, t, consumer, onLine)

	var producerErr error
	if readErr := tracked.Err(); readErr != nil {
		producerErr = readErr
	}
	return transferResult(producerErr, nil, consumerErr)
}

// consume runs the remote consumer with stdin attached to in.
// Its output is streamed and the tail kept for the error.
func (e *Executor) consume(ctx context.Context, in io.Reader, t Target, consumer string, onLine runner.LineFunc) error {
	cmd := e.command(t, consumer)
	cmd.Stdin = in

	tail := runner.NewTail(diagnosticLines)
	getLog().Debug().Str("target", t.String()).Str("consumer", consumer).Msg("Starting transfer")

	if err := e.runner.Run(ctx, cmd, tail.Tee(onLine)); err != nil {
		return &TransferError{Side: SideConsumer, Err: err, Diagnostics: tail.String()}
	}
	return nil
}

// runStreaming runs c with stdout going to w and stderr lines to onStderr.
// w is closed when the process has exited.
func (e *Executor) runStreaming(ctx context.Context, c runner.Command, w *os.File, onStderr runner.LineFunc) error {
	defer w.Close()
	return e.runner.RunTo(ctx, c, w, onStderr)
}

func transferResult(producerErr error, producerTail *runner.Tail, consumerErr error) error {
	if producerErr != nil {
		te := &TransferError{Side: SideProducer, Err: producerErr}
		if producerTail != nil {
			te.Diagnostics = producerTail.String()
		}
		var consumerTE *TransferError
		if errors.As(consumerErr, &consumerTE) && consumerTE.Diagnostics != "" {
			te.Diagnostics = strings.TrimSpace(te.Diagnostics + "\n" + consumerTE.Diagnostics)
		}
		return te
	}
	return consumerErr
}

// trackingReader records the first non-EOF read error of the underlying reader.
type trackingReader struct {
	r   io.Reader
	mu  sync.Mutex
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
	}
	return n, err
}

func (t *trackingReader) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
