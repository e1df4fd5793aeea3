// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator executes pipeline runs.
//
// A run walks a fixed sequence of steps, each backed by external processes.
// Every output line becomes a log event on the run's bus stream and a line in
// the pipeline's log file. On any failure the deploy target is restored from
// the snapshot taken before it was first modified, and the run is recorded as
// failed. Runs of the same pipeline never overlap.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/noldarim/launchpad/internal/bus"
	"github.com/noldarim/launchpad/internal/config"
	"github.com/noldarim/launchpad/internal/health"
	"github.com/noldarim/launchpad/internal/images"
	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/orchestrator/database"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/protocol"
	"github.com/noldarim/launchpad/internal/remote"
	"github.com/noldarim/launchpad/internal/runlog"
	"github.com/noldarim/launchpad/internal/runner"
	"github.com/noldarim/launchpad/internal/snapshot"
	"github.com/noldarim/launchpad/internal/telemetry"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// rollbackTimeout bounds the restore attempt, which runs even after the
// run's own context was cancelled.
const rollbackTimeout = 5 * time.Minute

// storeReadTries bounds how often Execute reads the run and its pipeline
// before giving up on a busy store.
const storeReadTries = 4

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger()
		log = &l
	})
	return log
}

var (
	// ErrRunNotFound is returned by Execute for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned by Execute for a run that already has a terminal status.
	ErrRunFinished = errors.New("run already finished")
	// ErrShuttingDown is returned by Start after Shutdown was called.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Store is the persistence the orchestrator reads and finalizes runs through.
type Store interface {
	GetRun(ctx context.Context, id uint) (*models.Run, error)
	GetPipeline(ctx context.Context, id uint) (*models.Pipeline, error)
	FinalizeRun(ctx context.Context, runID uint, status models.Status, message string) error
}

// Source produces a clean checkout of a repository.
type Source interface {
	Checkout(ctx context.Context, repoURL, branch, dir string, onLine runner.LineFunc) error
}

// CommandRunner runs local processes.
type CommandRunner interface {
	Run(ctx context.Context, c runner.Command, onLine runner.LineFunc) error
}

// RemoteExecutor runs commands on a deploy target.
type RemoteExecutor interface {
	ExecRemote(ctx context.Context, t remote.Target, command string, onLine runner.LineFunc) error
}

// Snapshotter records the deployed container before it is replaced.
type Snapshotter interface {
	Snapshot(ctx context.Context, t remote.Target, containerName string) (snapshot.DeploymentSnapshot, error)
}

// Prober polls the deployed application.
type Prober interface {
	Probe(ctx context.Context, url string, opts health.Options, onAttempt func(string)) health.Result
}

// Deps are the collaborators of an Orchestrator. Archiver and Tracer are optional.
type Deps struct {
	Store     Store
	Bus       *bus.Bus
	Logs      *runlog.Manager
	Source    Source
	Runner    CommandRunner
	Images    images.Images
	Remote    RemoteExecutor
	Snapshots Snapshotter
	Prober    Prober
	Archiver  runlog.Archiver
	Tracer    trace.Tracer
}

// Orchestrator runs pipelines.
type Orchestrator struct {
	deps   Deps
	cfg    *config.AppConfig
	tracer trace.Tracer
	locks  *keyedMutex
	now    func() time.Time

	readBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	inFlight map[uint]struct{}
}

// New creates an Orchestrator. Runs started through it live until they
// finish or Shutdown is called.
func New(cfg *config.AppConfig, deps Deps) *Orchestrator {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:        deps,
		cfg:         cfg,
		tracer:      tracer,
		locks:       newKeyedMutex(),
		now:         time.Now,
		readBackOff: defaultReadBackOff,
		ctx:         ctx,
		cancel:      cancel,
		inFlight:    make(map[uint]struct{}),
	}
}

func defaultReadBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return b
}

// Start executes runID in the background. The run row must already exist in
// the running state.
func (o *Orchestrator) Start(runID uint) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return ErrShuttingDown
	}
	o.inFlight[runID] = struct{}{}
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inFlight, runID)
			o.mu.Unlock()
		}()

		if err := o.Execute(o.ctx, runID); err != nil {
			getLog().Error().Err(err).Uint("run_id", runID).Msg("Run could not be executed")
		}
	}()
	return nil
}

// InFlight reports whether runID was started and has not returned yet.
func (o *Orchestrator) InFlight(runID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[runID]
	return ok
}

// Shutdown cancels every in-flight run and waits until they were finalized
// or ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		getLog().Info().Msg("All runs finished")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

// Execute runs runID to completion on the calling goroutine. It returns an
// error only when the run could not be started at all; a failing run is a
// normal outcome recorded in the store and on the bus.
func (o *Orchestrator) Execute(ctx context.Context, runID uint) error {
	run, err := retryRead(ctx, o, func() (*models.Run, error) {
		return o.deps.Store.GetRun(ctx, runID)
	})
	if err != nil {
		// The row exists in the running state; do not leave it there.
		o.abort(runID, fmt.Sprintf("could not load run: %v", err))
		return fmt.Errorf("load run %d: %w", runID, err)
	}
	if run == nil {
		return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %d is %s", ErrRunFinished, runID, run.Status)
	}

	pipeline, err := retryRead(ctx, o, func() (*models.Pipeline, error) {
		return o.deps.Store.GetPipeline(ctx, run.PipelineID)
	})
	if err != nil {
		o.abort(run.ID, fmt.Sprintf("could not load pipeline %d: %v", run.PipelineID, err))
		return fmt.Errorf("load pipeline %d: %w", run.PipelineID, err)
	}
	if pipeline == nil {
		o.abort(run.ID, fmt.Sprintf("pipeline %d no longer exists", run.PipelineID))
		return nil
	}

	x := o.newExecution(run, pipeline)

	if err := o.locks.Lock(ctx, pipeline.ID); err != nil {
		x.log.Warn().Err(err).Msg("Run cancelled while waiting for the pipeline")
		o.abort(run.ID, "run cancelled before it started")
		return nil
	}
	defer o.locks.Unlock(pipeline.ID)

	o.runSteps(ctx, x)
	return nil
}

// abort finalizes a run that never reached its first step. Nothing is
// published when the store shows the run already ended or never existed.
func (o *Orchestrator) abort(runID uint, message string) {
	err := o.finalize(runID, models.StatusFailed, message)
	if errors.Is(err, database.ErrRunAlreadyFinal) || errors.Is(err, database.ErrRunNotFound) {
		return
	}
	o.deps.Bus.Publish(runID, protocol.RunFailed{Message: message})
	o.closeStream(runID)
}

// retryRead retries a store read on error. A nil result is not an error.
func retryRead[T any](ctx context.Context, o *Orchestrator, read func() (T, error)) (T, error) {
	return backoff.Retry(ctx, read,
		backoff.WithBackOff(o.readBackOff()),
		backoff.WithMaxTries(storeReadTries),
		backoff.WithMaxElapsedTime(0),
	)
}

func (o *Orchestrator) runSteps(parent context.Context, x *execution) {
	ctx := parent
	if o.cfg.Deploy.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(parent, o.cfg.Deploy.RunTimeout,
			fmt.Errorf("run exceeded %s", o.cfg.Deploy.RunTimeout))
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("pipeline.slug", x.pipeline.Slug),
		attribute.Int("run.id", int(x.run.ID)),
	))
	defer span.End()

	start := o.now()
	sink, err := o.deps.Logs.Open(x.pipeline.Slug, x.pipeline.Name, x.run.ID, start)
	if err != nil {
		x.log.Warn().Err(err).Msg("Run log unavailable, events go to observers only")
	} else {
		x.sink = sink
	}

	x.log.Info().Str("target", x.target.String()).Msg("Run started")
	x.emit(protocol.RunStart{})

	failedStep, stepErr := o.forward(ctx, x)

	if stepErr == nil {
		o.finalize(x.run.ID, models.StatusSuccess, "")
		x.emit(protocol.RunSuccess{})
		x.log.Info().Dur("elapsed", o.now().Sub(start)).Msg("Run succeeded")
	} else {
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, string(failedStep)+" failed")

		// Restore even when ctx is what failed the run.
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		o.rollback(rbCtx, x)
		cancel()

		message := fmt.Sprintf("%s failed: %v", failedStep, stepErr)
		if x.touched && !x.snap.Exists {
			message += " (no previous version to roll back to)"
		}
		o.finalize(x.run.ID, models.StatusFailed, message)
		x.emit(protocol.RunFailed{Message: message})
		x.log.Warn().Str("step", string(failedStep)).Dur("elapsed", o.now().Sub(start)).Msg("Run failed: " + message)
	}

	if x.sink != nil {
		if err := x.sink.Close(); err != nil {
			x.log.Warn().Err(err).Msg("Failed to close run log")
		}
		o.archive(x)
	}
	o.closeStream(x.run.ID)
}

// forward executes the step sequence and returns the first failing step.
func (o *Orchestrator) forward(ctx context.Context, x *execution) (protocol.Step, error) {
	steps := []struct {
		name protocol.Step
		fn   func(context.Context, *execution) error
	}{
		{protocol.StepCheckout, o.checkout},
		{protocol.StepBuildTest, o.buildTest},
		{protocol.StepPackage, o.pack},
		{protocol.StepCleanup, o.cleanup},
		{protocol.StepTransfer, o.transfer},
		{protocol.StepDeploy, o.deploy},
		{protocol.StepHealthCheck, o.healthCheck},
	}

	for _, s := range steps {
		if err := o.step(ctx, x, s.name, s.fn); err != nil {
			return s.name, err
		}
	}
	return "", nil
}

// step wraps one step with its events, its span and its timing.
func (o *Orchestrator) step(ctx context.Context, x *execution, name protocol.Step, fn func(context.Context, *execution) error) error {
	ctx, span := o.tracer.Start(ctx, "step "+string(name))
	defer span.End()

	x.emit(protocol.StepStart{Step: name})
	started := o.now()

	err := ctx.Err()
	if err == nil {
		err = fn(ctx, x)
	} else {
		err = context.Cause(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.log.Warn().Err(err).Str("step", string(name)).Dur("elapsed", o.now().Sub(started)).Msg("Step failed")
		return err
	}

	x.emit(protocol.StepSuccess{Step: name})
	x.log.Debug().Str("step", string(name)).Dur("elapsed", o.now().Sub(started)).Msg("Step completed")
	return nil
}

func (o *Orchestrator) finalize(runID uint, status models.Status, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := o.deps.Store.FinalizeRun(ctx, runID, status, message)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrRunAlreadyFinal):
		getLog().Warn().Uint("run_id", runID).Msg("Run was already finalized")
	default:
		getLog().Error().Err(err).Uint("run_id", runID).Str("status", string(status)).Msg("Failed to persist run status")
	}
	return err
}

// closeStream ends the run's bus stream and schedules its history for removal.
func (o *Orchestrator) closeStream(runID uint) {
	o.deps.Bus.Close(runID)
	if retention := o.cfg.Bus.Retention; retention > 0 {
		time.AfterFunc(retention, func() { o.deps.Bus.Forget(runID) })
	}
}

func (o *Orchestrator) archive(x *execution) {
	if o.deps.Archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	key := runlog.ArchiveKey(x.pipeline.Slug, x.run.ID)
	if err := o.deps.Archiver.Archive(ctx, key, x.sink.Path()); err != nil {
		x.log.Warn().Err(err).Str("key", key).Msg("Failed to archive run log")
		return
	}
	x.log.Debug().Str("key", key).Msg("Run log archived")
}

// execution is the state of one run.
type execution struct {
	o        *Orchestrator
	run      *models.Run
	pipeline *models.Pipeline
	log      zerolog.Logger

	target    remote.Target
	workspace string
	buildDir  string
	ports     string
	health    string

	mu   sync.Mutex
	sink *runlog.Sink

	snap    snapshot.DeploymentSnapshot
	touched bool // the deploy target was modified
}

func (o *Orchestrator) newExecution(run *models.Run, p *models.Pipeline) *execution {
	d := o.cfg.Deploy
	x := &execution{
		o:         o,
		run:       run,
		pipeline:  p,
		log:       logger.WithRun(*getLog(), run.ID, p.Slug),
		target:    remote.Target{User: orString(p.DeployUser, d.User), Host: orString(p.DeployHost, d.Host), Port: p.DeployPort},
		workspace: filepath.Join(o.cfg.Workspace.BaseDir, p.Slug, "workspace"),
		buildDir:  orString(p.BuildDir, o.cfg.Build.Dir),
		ports:     orString(p.Ports, d.Ports),
		health:    orString(p.HealthPath, d.Health.Path),
	}
	if x.target.Port == 0 {
		x.target.Port = d.Port
	}
	return x
}

// emit publishes ev and appends it to the run log.
func (x *execution) emit(ev protocol.Event) {
	x.mu.Lock()
	defer x.mu.Unlock()

	ev = x.o.deps.Bus.Publish(x.run.ID, ev)
	if x.sink != nil {
		if err := x.sink.Write(ev); err != nil {
			x.log.Warn().Err(err).Msg("Failed to write run log")
		}
	}
}

func (x *execution) logf(step protocol.Step, format string, args ...any) {
	x.emit(protocol.Log{Step: step, Message: fmt.Sprintf(format, args...)})
}

// lines returns a LineFunc emitting every line as a log event of step.
func (x *execution) lines(step protocol.Step) runner.LineFunc {
	return func(line string) {
		x.emit(protocol.Log{Step: step, Message: line})
	}
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
