// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sh(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

func collect(t *testing.T, r *Runner, c Command) ([]string, error) {
	t.Helper()
	var lines []string
	err := r.Run(context.Background(), c, func(line string) {
		lines = append(lines, line)
	})
	return lines, err
}

func TestRun_StreamsMergedOutput(t *testing.T) {
	lines, err := collect(t, New(), sh("echo one; echo two 1>&2; printf 'three'"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestRun_ExitCodeAndArgv(t *testing.T) {
	c := sh("echo building; echo oops; exit 2")
	lines, err := collect(t, New(), c)

	assert.Equal(t, []string{"building", "oops"}, lines)
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, []string{"sh", "-c", "echo building; echo oops; exit 2"}, exitErr.Argv)
	assert.Contains(t, err.Error(), "exited with code 2")
	assert.Equal(t, 2, ExitCode(err))
}

func TestRun_LinesObservableBeforeExit(t *testing.T) {
	first := make(chan string, 1)
	release := filepath.Join(t.TempDir(), "release")

	done := make(chan error, 1)
	go func() {
		done <- New().Run(context.Background(),
			sh("echo ready; while [ ! -f "+release+" ]; do sleep 0.05; done; echo finished"),
			func(line string) {
				select {
				case first <- line:
				default:
				}
			})
	}()

	select {
	case line := <-first:
		assert.Equal(t, "ready", line)
	case <-time.After(5 * time.Second):
		t.Fatal("first line was not streamed while the process was running")
	}

	require.NoError(t, os.WriteFile(release, nil, 0644))
	require.NoError(t, <-done)
}

func TestRun_MissingBinary(t *testing.T) {
	err := New().Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"}, nil)
	require.Error(t, err)
	assert.Equal(t, -1, ExitCode(err))
}

func TestRun_EmptyCommand(t *testing.T) {
	err := New().Run(context.Background(), Command{}, nil)
	assert.Error(t, err)
}

func TestRun_CancellationKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- New().Run(ctx, sh("echo started; sleep 30"), func(string) {
			close(started)
		})
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("process was not terminated on cancellation")
	}
}

func TestRun_WorkingDirEnvAndStdin(t *testing.T) {
	dir := t.TempDir()
	c := Command{
		Name:  "sh",
		Args:  []string{"-c", "pwd; echo $GREETING; cat"},
		Dir:   dir,
		Env:   []string{"GREETING=hello"},
		Stdin: strings.NewReader("from stdin\n"),
	}
	lines, err := collect(t, New(), c)
	require.NoError(t, err)

	resolved, _ := filepath.EvalSymlinks(dir)
	require.Len(t, lines, 3)
	assert.Contains(t, []string{dir, resolved}, lines[0])
	assert.Equal(t, "hello", lines[1])
	assert.Equal(t, "from stdin", lines[2])
}

func TestOutput(t *testing.T) {
	out, err := New().Output(context.Background(), sh("echo a; echo b"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb", out)
}

func TestLineWriter_SplitsLongLinesAndCRLF(t *testing.T) {
	var got []string
	w := newLineWriter(func(l string) { got = append(got, l) })

	_, _ = w.Write([]byte("win\r\nline"))
	_, _ = w.Write([]byte(strings.Repeat("x", maxLineBytes+10)))
	w.Close()
	_, _ = w.Write([]byte("late\n"))

	require.Len(t, got, 3)
	assert.Equal(t, "win", got[0])
	assert.Len(t, got[1], maxLineBytes)
	assert.Equal(t, strings.Repeat("x", 14), got[2])
}

func TestLineWriter_BareCarriageReturnEndsLine(t *testing.T) {
	var got []string
	w := newLineWriter(func(l string) { got = append(got, l) })

	_, _ = w.Write([]byte("Receiving objects:  50%\rReceiving objects: 100%\r"))
	_, _ = w.Write([]byte("\ndone\r\n\n"))
	w.Close()

	assert.Equal(t, []string{"Receiving objects:  50%", "Receiving objects: 100%", "done", ""}, got)
}

func TestRun_ProgressOutput(t *testing.T) {
	lines, err := collect(t, New(), sh(`printf 'a\rb\r\nc\n'`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestTail(t *testing.T) {
	tail := NewTail(2)
	var forwarded []string
	f := tail.Tee(func(l string) { forwarded = append(forwarded, l) })
	f("a")
	f("b")
	f("c")

	assert.Equal(t, []string{"b", "c"}, tail.Lines())
	assert.Equal(t, "b\nc", tail.String())
	assert.Equal(t, []string{"a", "b", "c"}, forwarded)
}
