// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/noldarim/launchpad/internal/health"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/protocol"
	"github.com/noldarim/launchpad/internal/snapshot"
	"github.com/noldarim/launchpad/test/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outline renders the non-log events of a run as "type step" strings.
func outline(events []protocol.Event) []string {
	var out []string
	for _, ev := range events {
		if _, ok := ev.(protocol.Log); ok {
			continue
		}
		s := string(ev.EventType())
		if step := protocol.StepOf(ev); step != "" {
			s += " " + string(step)
		}
		out = append(out, s)
	}
	return out
}

func logsOf(events []protocol.Event, step protocol.Step) []string {
	var out []string
	for _, ev := range events {
		if l, ok := ev.(protocol.Log); ok && l.Step == step {
			out = append(out, l.Message)
		}
	}
	return out
}

func forwardOutline(through protocol.Step) []string {
	var out []string
	for _, s := range protocol.Steps {
		out = append(out, "step_start "+string(s), "step_success "+string(s))
		if s == through {
			break
		}
	}
	return out
}

func runningSnapshot() snapshot.DeploymentSnapshot {
	return snapshot.DeploymentSnapshot{
		Exists:      true,
		ContainerID: "4f1c2a9be0d3c7aa",
		ImageID:     "sha256:9e8d7c",
		ImageRef:    "shop-api:run-1",
	}
}

func failingHealth() health.Result {
	return health.Result{OK: false, Message: "Failed after 3 attempts. Last error: HTTP 503", Attempts: 3}
}

func TestExecute_Success(t *testing.T) {
	f := WithOrchestrator(t)
	f.Snapshots.snap = runningSnapshot()
	p := f.CreatePipeline(t, "Shop API")
	run := f.CreateRun(t, p)

	sub := f.Bus.Subscribe(run.ID)
	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	events := f.Bus.History(run.ID)
	want := append([]string{"run_start"}, forwardOutline(protocol.StepHealthCheck)...)
	want = append(want, "run_success")
	assert.Equal(t, want, outline(events))

	testutil.AssertSequential(t, events)
	for _, ev := range events {
		assert.Equal(t, run.ID, ev.GetMetadata().RunID)
	}

	// The live subscriber saw the same sequence and was closed after the terminal event.
	var live []protocol.Event
	for ev := range sub.C() {
		live = append(live, ev)
	}
	assert.Equal(t, outline(events), outline(live))

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.NotNil(t, got.FinishedAt)

	pipeline, err := f.DB.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, pipeline.Status)

	workspace := filepath.Join(f.Config.Workspace.BaseDir, "shop-api", "workspace")
	cmds := f.Runner.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "./mvnw -B clean compile", cmds[0].String())
	assert.Equal(t, "./mvnw -B test", cmds[1].String())
	assert.Equal(t, filepath.Join(workspace, "demo"), cmds[0].Dir)

	assert.Equal(t, []string{filepath.Join(workspace, "demo")}, f.Images.contextDirs)
	assert.Equal(t, []string{"shop-api:run-1"}, f.Images.tags)
	assert.Equal(t, []string{"shop-api:run-1"}, f.Images.transferred)

	remote := f.Remote.Commands()
	require.Len(t, remote, 2)
	assert.Contains(t, remote[0], "docker stop '4f1c2a9be0d3c7aa'")
	assert.Contains(t, remote[0], "!= 'sha256:9e8d7c'")
	assert.Equal(t, "docker run -d --name shop-api --restart unless-stopped -p 8080:8080 shop-api:run-1", remote[1])

	assert.Equal(t, []string{"http://10.0.0.5:8080/"}, f.Prober.urls)
	assert.Contains(t, logsOf(events, protocol.StepHealthCheck), "GET http://10.0.0.5:8080/")

	data, err := f.Logs.Read("shop-api")
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, "=== Pipeline: Shop API | Run 1 | "))
	assert.Contains(t, content, ">>> STEP: checkout")
	assert.Contains(t, content, "✓ RUN SUCCEEDED")
	assert.Equal(t, []string{"shop-api/run-1.log"}, f.Archiver.keys)
}

func TestExecute_HealthFailureWithoutPreviousVersion(t *testing.T) {
	f := WithOrchestrator(t)
	f.Prober.result = failingHealth()
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	events := f.Bus.History(run.ID)
	want := append([]string{"run_start"}, forwardOutline(protocol.StepDeploy)...)
	want = append(want, "step_start healthcheck", "step_start rollback", "step_success rollback", "run_failed")
	assert.Equal(t, want, outline(events))

	assert.Contains(t, logsOf(events, protocol.StepHealthCheck), "Healthcheck FAILED: Failed after 3 attempts. Last error: HTTP 503")
	assert.Contains(t, logsOf(events, protocol.StepRollback), "No previous version to roll back to")

	last := events[len(events)-1].(protocol.RunFailed)
	assert.Equal(t, "healthcheck failed: Failed after 3 attempts. Last error: HTTP 503 (no previous version to roll back to)", last.Message)

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, last.Message, got.Message)

	// Cleanup and deploy only; nothing to restore.
	remote := f.Remote.Commands()
	require.Len(t, remote, 2)
	assert.NotContains(t, remote[0], "docker stop")
}

func TestExecute_HealthFailureRestoresSnapshot(t *testing.T) {
	f := WithOrchestrator(t)
	f.Snapshots.snap = runningSnapshot()
	f.Prober.result = failingHealth()
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	remote := f.Remote.Commands()
	require.Len(t, remote, 3)
	restore := remote[2]
	assert.Contains(t, restore, "--filter 'name=^api$'")
	assert.Contains(t, restore, "docker rename '4f1c2a9be0d3c7aa' 'api'")
	assert.Contains(t, restore, "docker start '4f1c2a9be0d3c7aa'")

	events := f.Bus.History(run.ID)
	assert.Contains(t, outline(events), "step_success rollback")

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "healthcheck failed: Failed after 3 attempts. Last error: HTTP 503", got.Message)
}

func TestExecute_RollbackFailureIsReported(t *testing.T) {
	f := WithOrchestrator(t)
	f.Snapshots.snap = runningSnapshot()
	f.Remote.fail = func(cmd string) error {
		if strings.Contains(cmd, " run -d ") {
			return errors.New("port is already allocated")
		}
		if strings.Contains(cmd, " start ") {
			return errors.New("no such container")
		}
		return nil
	}
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	events := f.Bus.History(run.ID)
	outlined := outline(events)
	assert.Contains(t, outlined, "step_start rollback")
	assert.NotContains(t, outlined, "step_success rollback")
	assert.Contains(t, logsOf(events, protocol.StepRollback), "Rollback failed: no such container")

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "deploy failed: port is already allocated", got.Message)
}

func TestExecute_SkipsBuildWithoutBuildDir(t *testing.T) {
	f := WithOrchestrator(t)
	f.Source.files = []string{"Dockerfile", "main.go"}
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	events := f.Bus.History(run.ID)
	assert.Equal(t, []string{"No demo directory found, skipping build and tests"}, logsOf(events, protocol.StepBuildTest))
	assert.Empty(t, f.Runner.Commands())

	workspace := filepath.Join(f.Config.Workspace.BaseDir, "api", "workspace")
	assert.Equal(t, []string{workspace}, f.Images.contextDirs)
	assert.IsType(t, protocol.RunSuccess{}, events[len(events)-1])
}

func TestExecute_FailureBeforeCleanupLeavesTargetAlone(t *testing.T) {
	f := WithOrchestrator(t)
	f.Runner.failOn = "./mvnw -B test"
	f.Runner.err = errors.New("exit status 1")
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	assert.Zero(t, f.Snapshots.Calls())
	assert.Empty(t, f.Remote.Commands())
	assert.Empty(t, f.Images.tags)

	events := f.Bus.History(run.ID)
	want := append([]string{"run_start"}, forwardOutline(protocol.StepCheckout)...)
	want = append(want, "step_start build_test", "step_start rollback", "step_success rollback", "run_failed")
	assert.Equal(t, want, outline(events))
	assert.Contains(t, logsOf(events, protocol.StepRollback), "Deploy target was not modified, nothing to roll back")

	last := events[len(events)-1].(protocol.RunFailed)
	assert.Equal(t, "build_test failed: exit status 1", last.Message)
}

func TestExecute_SnapshotFailureFailsCleanup(t *testing.T) {
	f := WithOrchestrator(t)
	f.Snapshots.err = errors.New("ssh: connect to host 10.0.0.5 port 22: Connection refused")
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	assert.Empty(t, f.Remote.Commands())
	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Message, "cleanup failed: snapshot deployed state"))
	assert.NotContains(t, got.Message, "no previous version")
}

func TestExecute_InvalidPortMappingFailsDeploy(t *testing.T) {
	f := WithOrchestrator(t)
	p := &models.Pipeline{Name: "api", RepoURL: "https://git.example.com/api.git", Ports: "8080"}
	require.NoError(t, f.DB.CreatePipeline(context.Background(), p))
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.Message, "deploy failed: port mapping \"8080\""), got.Message)
}

func TestExecute_Errors(t *testing.T) {
	f := WithOrchestrator(t)

	err := f.Orchestrator.Execute(context.Background(), 42)
	assert.ErrorIs(t, err, ErrRunNotFound)

	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)
	require.NoError(t, f.DB.FinalizeRun(context.Background(), run.ID, models.StatusSuccess, ""))

	err = f.Orchestrator.Execute(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrRunFinished)
	assert.Empty(t, f.Bus.History(run.ID))
}

var errDatabaseLocked = errors.New("database is locked")

// flakyStore fails a number of run and pipeline reads before passing them on.
type flakyStore struct {
	Store

	mu               sync.Mutex
	runFailures      int
	pipelineFailures int
	runReads         int
	pipelineReads    int
}

func (s *flakyStore) GetRun(ctx context.Context, id uint) (*models.Run, error) {
	s.mu.Lock()
	s.runReads++
	fail := s.runReads <= s.runFailures
	s.mu.Unlock()
	if fail {
		return nil, errDatabaseLocked
	}
	return s.Store.GetRun(ctx, id)
}

func (s *flakyStore) GetPipeline(ctx context.Context, id uint) (*models.Pipeline, error) {
	s.mu.Lock()
	s.pipelineReads++
	fail := s.pipelineReads <= s.pipelineFailures
	s.mu.Unlock()
	if fail {
		return nil, errDatabaseLocked
	}
	return s.Store.GetPipeline(ctx, id)
}

func TestExecute_StoreReadFailureFailsRun(t *testing.T) {
	tests := []struct {
		name  string
		store func(Store) *flakyStore
		reads func(*flakyStore) int
	}{
		{
			name:  "run",
			store: func(db Store) *flakyStore { return &flakyStore{Store: db, runFailures: 100} },
			reads: func(s *flakyStore) int { return s.runReads },
		},
		{
			name:  "pipeline",
			store: func(db Store) *flakyStore { return &flakyStore{Store: db, pipelineFailures: 100} },
			reads: func(s *flakyStore) int { return s.pipelineReads },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := WithOrchestrator(t)
			p := f.CreatePipeline(t, "api")
			run := f.CreateRun(t, p)
			store := tt.store(f.DB)
			f.UseStore(store)

			sub := f.Bus.Subscribe(run.ID)
			err := f.Orchestrator.Execute(context.Background(), run.ID)
			assert.ErrorIs(t, err, errDatabaseLocked)
			assert.Equal(t, storeReadTries, tt.reads(store))

			// The stream ends with the failure instead of staying open.
			var live []protocol.Event
			for ev := range sub.C() {
				live = append(live, ev)
			}
			testutil.AssertEventTypes(t, live, protocol.TypeRunFailed)
			testutil.AssertSequential(t, live)

			got, err := f.DB.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, got.Status)
			assert.Contains(t, got.Message, "database is locked")
			assert.NotNil(t, got.FinishedAt)

			pipeline, err := f.DB.GetPipeline(context.Background(), p.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, pipeline.Status)
			assert.Zero(t, f.Source.MaxConcurrent())
		})
	}
}

func TestExecute_RetriesTransientStoreErrors(t *testing.T) {
	f := WithOrchestrator(t)
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)
	store := &flakyStore{Store: f.DB, runFailures: 2, pipelineFailures: 1}
	f.UseStore(store)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))
	assert.Equal(t, 3, store.runReads)
	assert.Equal(t, 2, store.pipelineReads)

	events := f.Bus.History(run.ID)
	testutil.AssertSequential(t, events)
	outlined := outline(events)
	require.NotEmpty(t, outlined)
	assert.Equal(t, "run_success", outlined[len(outlined)-1])

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
}

func TestExecute_TerminalStateWrittenOnce(t *testing.T) {
	f := WithOrchestrator(t)
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))
	assert.ErrorIs(t, f.Orchestrator.Execute(context.Background(), run.ID), ErrRunFinished)

	terminals := 0
	for _, ev := range f.Bus.History(run.ID) {
		if protocol.IsTerminal(ev) {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestStart_SerializesRunsOfOnePipeline(t *testing.T) {
	f := WithOrchestrator(t)
	f.Source.delay = 30 * time.Millisecond
	p := f.CreatePipeline(t, "api")
	first := f.CreateRun(t, p)
	second := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Start(first.ID))
	require.NoError(t, f.Orchestrator.Start(second.ID))

	require.Eventually(t, func() bool {
		return !f.Orchestrator.InFlight(first.ID) && !f.Orchestrator.InFlight(second.ID)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.Source.MaxConcurrent())
	for _, id := range []uint{first.ID, second.ID} {
		got, err := f.DB.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, got.Status)
	}
}

func TestStart_DifferentPipelinesRunConcurrently(t *testing.T) {
	f := WithOrchestrator(t)
	f.Source.block = true
	f.Source.entered = make(chan struct{}, 2)

	a := f.CreateRun(t, f.CreatePipeline(t, "api"))
	b := f.CreateRun(t, f.CreatePipeline(t, "web"))
	require.NoError(t, f.Orchestrator.Start(a.ID))
	require.NoError(t, f.Orchestrator.Start(b.ID))

	for i := 0; i < 2; i++ {
		select {
		case <-f.Source.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("both checkouts should be in progress")
		}
	}
	assert.Equal(t, 2, f.Source.MaxConcurrent())
}

func TestShutdown_CancelsInFlightRuns(t *testing.T) {
	f := WithOrchestrator(t)
	f.Source.block = true
	f.Source.entered = make(chan struct{}, 1)
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	sub := f.Bus.Subscribe(run.ID)
	require.NoError(t, f.Orchestrator.Start(run.ID))

	select {
	case <-f.Source.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("checkout did not start")
	}
	assert.True(t, f.Orchestrator.InFlight(run.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Orchestrator.Shutdown(ctx))

	var last protocol.Event
	for ev := range sub.C() {
		last = ev
	}
	require.IsType(t, protocol.RunFailed{}, last)
	assert.True(t, strings.HasPrefix(last.(protocol.RunFailed).Message, "checkout failed"))

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	assert.ErrorIs(t, f.Orchestrator.Start(run.ID), ErrShuttingDown)
}

func TestExecute_RunTimeout(t *testing.T) {
	f := WithOrchestrator(t)
	f.Config.Deploy.RunTimeout = 50 * time.Millisecond
	f.Source.block = true
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	got, err := f.DB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "checkout failed: run exceeded 50ms", got.Message)
}

func TestExecute_ConcurrentObserversSeeSameSequence(t *testing.T) {
	f := WithOrchestrator(t)
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	subs := []int{0, 1, 2}
	results := make([][]protocol.Event, len(subs))
	var wg sync.WaitGroup
	for i := range subs {
		sub := f.Bus.Subscribe(run.ID)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var events []protocol.Event
			for ev := range sub.C() {
				events = append(events, ev)
			}
			results[i] = events
		}(i)
	}

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))
	wg.Wait()

	for i := range subs {
		testutil.AssertSequential(t, results[i])
		assert.Equal(t, outline(f.Bus.History(run.ID)), outline(results[i]))
	}
}

func TestExecute_WorkspaceIsPerPipeline(t *testing.T) {
	f := WithOrchestrator(t)
	p := f.CreatePipeline(t, "api")
	run := f.CreateRun(t, p)

	require.NoError(t, f.Orchestrator.Execute(context.Background(), run.ID))

	_, err := os.Stat(filepath.Join(f.Config.Workspace.BaseDir, "api", "workspace", "demo", "pom.xml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.Config.Workspace.BaseDir, "api", "logs", "api.log"))
	assert.NoError(t, err)
}
