// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/noldarim/launchpad/internal/bus"
	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/health"
	"github.com/noldarim/launchpad/internal/orchestrator/database"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/remote"
	"github.com/noldarim/launchpad/internal/runlog"
	"github.com/noldarim/launchpad/internal/runner"
	"github.com/noldarim/launchpad/internal/snapshot"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
)

// OrchestratorFixture is an orchestrator over an in-memory database with
// scripted collaborators.
type OrchestratorFixture struct {
	Orchestrator *Orchestrator
	Config       *config.AppConfig
	DB           *database.GormDB
	Bus          *bus.Bus
	Logs         *runlog.Manager

	Source    *fakeSource
	Runner    *fakeRunner
	Images    *fakeImages
	Remote    *fakeRemote
	Snapshots *fakeSnapshots
	Prober    *fakeProber
	Archiver  *fakeArchiver
}

// TestConfig returns a configuration rooted at a temporary directory.
func TestConfig(t testing.TB) *config.AppConfig {
	return &config.AppConfig{
		Workspace: config.WorkspaceConfig{BaseDir: t.TempDir(), GitPath: "git"},
		Build: config.BuildConfig{
			Dir:            "demo",
			CompileCommand: []string{"./mvnw", "-B", "clean", "compile"},
			TestCommand:    []string{"./mvnw", "-B", "test"},
		},
		Deploy: config.DeployConfig{
			User:         "deploy",
			Host:         "10.0.0.5",
			Port:         22,
			Ports:        "8080:8080",
			RemoteDocker: "docker",
			Health: config.HealthConfig{
				Path:        "/",
				Timeout:     time.Second,
				MaxAttempts: 3,
			},
		},
		Bus: config.BusConfig{HistoryLimit: 1000},
	}
}

// WithOrchestrator builds a fixture whose collaborators all succeed.
func WithOrchestrator(t testing.TB) *OrchestratorFixture {
	t.Helper()

	cfg := TestConfig(t)
	db := database.UseFreshInMemoryDatabase(t)

	f := &OrchestratorFixture{
		Config:    cfg,
		DB:        db.DB,
		Bus:       bus.New(cfg.Bus.HistoryLimit),
		Logs:      runlog.NewManager(cfg.Workspace.BaseDir),
		Source:    &fakeSource{files: []string{"demo/pom.xml", "demo/Dockerfile"}},
		Runner:    &fakeRunner{},
		Images:    &fakeImages{},
		Remote:    &fakeRemote{},
		Snapshots: &fakeSnapshots{},
		Prober:    &fakeProber{result: health.Result{OK: true, Message: "Success on attempt 1/3 (status 200)"}},
		Archiver:  &fakeArchiver{},
	}
	f.Orchestrator = New(cfg, f.deps(f.DB))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Orchestrator.Shutdown(ctx)
	})
	return f
}

func (f *OrchestratorFixture) deps(store Store) Deps {
	return Deps{
		Store:     store,
		Bus:       f.Bus,
		Logs:      f.Logs,
		Source:    f.Source,
		Runner:    f.Runner,
		Images:    f.Images,
		Remote:    f.Remote,
		Snapshots: f.Snapshots,
		Prober:    f.Prober,
		Archiver:  f.Archiver,
	}
}

// UseStore replaces the orchestrator with one reading through store. Failed
// store reads are retried without delay.
func (f *OrchestratorFixture) UseStore(store Store) {
	f.Orchestrator = New(f.Config, f.deps(store))
	f.Orchestrator.readBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
}

// CreatePipeline stores a pipeline named name.
func (f *OrchestratorFixture) CreatePipeline(t testing.TB, name string) *models.Pipeline {
	t.Helper()
	p := &models.Pipeline{Name: name, RepoURL: "https://git.example.com/" + name + ".git"}
	require.NoError(t, f.DB.CreatePipeline(context.Background(), p))
	return p
}

// CreateRun stores a running run of p.
func (f *OrchestratorFixture) CreateRun(t testing.TB, p *models.Pipeline) *models.Run {
	t.Helper()
	run := &models.Run{PipelineID: p.ID, TriggeredBy: "dev@example.com"}
	require.NoError(t, f.DB.CreateRun(context.Background(), run))
	return run
}

// fakeSource materializes files in the checkout directory.
type fakeSource struct {
	mu      sync.Mutex
	files   []string
	err     error
	block   bool
	entered chan struct{}
	active  int
	maxSeen int
	delay   time.Duration
}

func (s *fakeSource) Checkout(ctx context.Context, repoURL, branch, dir string, onLine runner.LineFunc) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	entered := s.entered
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	onLine("Cloning into '" + filepath.Base(dir) + "'...")
	if entered != nil {
		entered <- struct{}{}
	}
	if s.block {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return s.err
	}

	for _, name := range s.files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(name), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

// fakeRunner records local commands and fails those whose program and first
// argument match failOn.
type fakeRunner struct {
	mu       sync.Mutex
	commands []runner.Command
	failOn   string
	err      error
}

func (r *fakeRunner) Run(ctx context.Context, c runner.Command, onLine runner.LineFunc) error {
	r.mu.Lock()
	r.commands = append(r.commands, c)
	r.mu.Unlock()

	onLine("[INFO] " + c.String())
	if r.failOn != "" && c.String() == r.failOn {
		return r.err
	}
	return nil
}

func (r *fakeRunner) Commands() []runner.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.Command(nil), r.commands...)
}

type fakeImages struct {
	mu          sync.Mutex
	contextDirs []string
	tags        []string
	transferred []string
	buildErr    error
	transferErr error
}

func (i *fakeImages) Build(ctx context.Context, contextDir, tag string, onLine runner.LineFunc) error {
	i.mu.Lock()
	i.contextDirs = append(i.contextDirs, contextDir)
	i.tags = append(i.tags, tag)
	i.mu.Unlock()
	onLine("Step 1/3 : FROM eclipse-temurin:21-jre")
	return i.buildErr
}

func (i *fakeImages) Transfer(ctx context.Context, tag string, t remote.Target, onLine runner.LineFunc) error {
	i.mu.Lock()
	i.transferred = append(i.transferred, tag)
	i.mu.Unlock()
	onLine("Loaded image: " + tag)
	return i.transferErr
}

// fakeRemote records remote commands. fail decides the outcome of each one.
type fakeRemote struct {
	mu       sync.Mutex
	commands []string
	fail     func(command string) error
}

func (r *fakeRemote) ExecRemote(ctx context.Context, t remote.Target, command string, onLine runner.LineFunc) error {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	fail := r.fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(command); err != nil {
			return err
		}
	}
	onLine("ok")
	return nil
}

func (r *fakeRemote) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snap  snapshot.DeploymentSnapshot
	err   error
	calls int
}

func (s *fakeSnapshots) Snapshot(ctx context.Context, t remote.Target, containerName string) (snapshot.DeploymentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	snap := s.snap
	snap.ContainerName = containerName
	return snap, s.err
}

func (s *fakeSnapshots) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeProber struct {
	mu     sync.Mutex
	urls   []string
	result health.Result
}

func (p *fakeProber) Probe(ctx context.Context, url string, opts health.Options, onAttempt func(string)) health.Result {
	p.mu.Lock()
	p.urls = append(p.urls, url)
	res := p.result
	p.mu.Unlock()

	if !res.OK && onAttempt != nil {
		onAttempt("Attempt 1/1 failed: HTTP 503")
	}
	return res
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeArchiver) Archive(ctx context.Context, key, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	a.mu.Lock()
	a.keys = append(a.keys, key)
	a.mu.Unlock()
	return nil
}
