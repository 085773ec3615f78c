// Package pipeline drives a job through its stages. The Engine owns the
// single goroutine that mutates a job's state while it runs; chapter units
// fan out underneath it through the coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/coordinator"
	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
	"github.com/iago/longform/internal/quality"
	"github.com/iago/longform/internal/stage"
	"github.com/iago/longform/internal/task"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobRunning        = errors.New("job is already running")
	ErrNotAwaitingReview = errors.New("job is not awaiting review")
	ErrDocumentNotReady  = errors.New("job has no document yet")
)

// Checkpoints persists and restores job states.
type Checkpoints interface {
	Save(ctx context.Context, state domain.JobState) error
	Recover(ctx context.Context, sessionID string) (domain.JobState, bool, error)
}

// Artifacts stores rendered documents outside the checkpoint snapshots.
type Artifacts interface {
	SaveArtifact(ctx context.Context, sessionID string, content []byte) (string, error)
	LoadArtifact(ctx context.Context, sessionID, checksum string) ([]byte, error)
}

type Config struct {
	Concurrency     int
	UnitRetryLimit  int
	MaxStageRetries int
	ReviewGate      bool
	RenderFormat    string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.UnitRetryLimit < 0 {
		c.UnitRetryLimit = 0
	}
	if c.MaxStageRetries < 0 {
		c.MaxStageRetries = 0
	}
	return c
}

// Dependencies are the collaborators of an Engine. Runner, Machine and
// Coordinator are built from Config when left nil. Artifacts defaults to
// Checkpoints when that also stores artifacts.
type Dependencies struct {
	Capabilities *capability.Registry
	Checkpoints  Checkpoints
	Artifacts    Artifacts
	Runner       *task.Runner
	Machine      *stage.Machine
	Coordinator  *coordinator.Coordinator
}

type Engine struct {
	checkpoints Checkpoints
	artifacts   Artifacts
	runner      *task.Runner
	machine     *stage.Machine
	units       map[domain.Stage]task.Unit
	cfg         Config
	logger      *log.Logger
	now         func() time.Time
	newID       func() string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

func NewEngine(deps Dependencies, cfg Config, opts ...Option) (*Engine, error) {
	if deps.Capabilities == nil {
		return nil, errors.New("pipeline: capability registry is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("pipeline: checkpoints are required")
	}
	if deps.Artifacts == nil {
		artifacts, ok := deps.Checkpoints.(Artifacts)
		if !ok {
			return nil, errors.New("pipeline: artifact storage is required")
		}
		deps.Artifacts = artifacts
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		checkpoints: deps.Checkpoints,
		artifacts:   deps.Artifacts,
		runner:      deps.Runner,
		machine:     deps.Machine,
		cfg:         cfg,
		now:         time.Now,
		newID:       uuid.NewString,
		running:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		e.runner = task.NewRunner(deps.Checkpoints, task.Config{}, task.WithLogger(e.logger), task.WithClock(e.now))
	}
	if e.machine == nil {
		e.machine = stage.NewMachine(stage.WithClock(e.now))
	}
	coord := deps.Coordinator
	if coord == nil {
		coord = coordinator.New(cfg.Concurrency, e.logger)
	}

	shared := collaborators{caps: deps.Capabilities, logger: e.logger}
	generation := generationUnit{
		collaborators:  shared,
		runner:         e.runner,
		coordinator:    coord,
		checkpoints:    deps.Checkpoints,
		validator:      quality.NewChapterValidator(),
		unitRetryLimit: cfg.UnitRetryLimit,
	}
	e.units = map[domain.Stage]task.Unit{
		domain.StageIntake:            intakeUnit{},
		domain.StagePlanning:          planningUnit{shared},
		domain.StageStructuring:       structuringUnit{shared},
		domain.StageUnitSpawning:      spawningUnit{},
		domain.StageUnitGeneration:    generation,
		domain.StageConsistencyReview: consistencyUnit{shared},
		domain.StageQualityReview:     qualityUnit{shared},
		domain.StageAssembly:          assemblyUnit{collaborators: shared, artifacts: deps.Artifacts, format: cfg.RenderFormat},
		domain.StageUserReview:        reviewUnit{gate: cfg.ReviewGate},
	}
	return e, nil
}

// Start creates a job at intake and writes its first checkpoint. Running it
// is left to the caller.
func (e *Engine) Start(ctx context.Context, input Input) (domain.JobState, error) {
	if _, err := input.Normalize(); err != nil {
		return domain.JobState{}, err
	}
	state := domain.NewJobState(e.newID(), e.now())
	payload, err := state.Payload.With(domain.KeyInput, input)
	if err != nil {
		return domain.JobState{}, fmt.Errorf("encode input: %w", err)
	}
	state.Payload = payload

	if err := e.checkpoints.Save(ctx, state); err != nil {
		return domain.JobState{}, fmt.Errorf("checkpoint new job: %w", err)
	}
	e.logf("job created session_id=%s", state.SessionID)
	return state, nil
}

// Run drives the job from its latest checkpoint until it completes, fails,
// parks for review or ctx is canceled. Stage failures are recorded in the
// returned state; the error is reserved for problems loading or claiming
// the job.
func (e *Engine) Run(ctx context.Context, sessionID string) (domain.JobState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, err := e.claim(sessionID, cancel)
	if err != nil {
		return domain.JobState{}, err
	}
	defer release()

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return domain.JobState{}, err
	}

	for {
		if state.Terminal() {
			return state, nil
		}
		if e.awaitingReview(state) {
			e.logf("job awaiting review session_id=%s", sessionID)
			return state, nil
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, state, failure.FromContext("run", err)), nil
		}
		unit, ok := e.units[state.CurrentStage]
		if !ok {
			return e.fail(ctx, state, failure.New(failure.KindStructural, "run", fmt.Sprintf("no unit for stage %s", state.CurrentStage))), nil
		}

		e.logf("stage start session_id=%s stage=%s retry=%d", sessionID, state.CurrentStage, state.RetryCount)
		next, err := e.runner.Run(ctx, unit, state)
		if err != nil {
			if e.shouldRetryStage(ctx, state, err) {
				state = e.prepareStageRetry(ctx, state, err)
				continue
			}
			return e.fail(ctx, e.latest(ctx, state), err), nil
		}

		target, err := e.nextStage(next)
		if err != nil {
			return e.fail(ctx, next, err), nil
		}
		moved, err := e.machine.Transition(next, target)
		if err != nil {
			return e.fail(ctx, next, err), nil
		}
		if err := e.checkpoints.Save(ctx, moved); err != nil {
			return e.fail(ctx, moved, fmt.Errorf("checkpoint after transition: %w", err)), nil
		}
		e.logf("stage transition session_id=%s from=%s to=%s progress=%d", sessionID, next.CurrentStage, moved.CurrentStage, moved.Progress.OverallProgress)
		state = moved
	}
}

// Resume prepares a job for another run. A retryable failed job is moved
// back to the stage it failed in; an active job is returned as is.
func (e *Engine) Resume(ctx context.Context, sessionID string) (domain.JobState, error) {
	release, err := e.claim(sessionID, nil)
	if err != nil {
		return domain.JobState{}, err
	}
	defer release()

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return domain.JobState{}, err
	}
	switch state.Status {
	case domain.JobStatusCompleted:
		return state, nil
	case domain.JobStatusActive:
		return state, nil
	}

	target, ok := stage.ResumeTarget(state)
	if !ok {
		return state, failure.Validation("resume", "job failed with a non-retryable error")
	}
	moved, err := e.machine.Transition(state, target)
	if err != nil {
		return state, err
	}
	if err := e.checkpoints.Save(ctx, moved); err != nil {
		return state, fmt.Errorf("checkpoint resumed job: %w", err)
	}
	e.logf("job resumed session_id=%s stage=%s", sessionID, target)
	return moved, nil
}

// Cancel stops a running job at its next capability boundary, or marks an
// idle job as canceled. Canceled jobs can be resumed.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	if cancel, running := e.running[sessionID]; running {
		e.mu.Unlock()
		if cancel == nil {
			return ErrJobRunning
		}
		cancel()
		e.logf("job cancel requested session_id=%s", sessionID)
		return nil
	}
	e.running[sessionID] = nil
	e.mu.Unlock()
	defer e.release(sessionID)

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return failure.Validation("cancel", "job already %s", state.Status)
	}
	e.fail(ctx, state, failure.Wrap(failure.KindCanceled, "cancel", context.Canceled))
	return nil
}

// Review records a decision for a job parked at user review.
func (e *Engine) Review(ctx context.Context, sessionID string, decision domain.ReviewDecision) (domain.JobState, error) {
	release, err := e.claim(sessionID, nil)
	if err != nil {
		return domain.JobState{}, err
	}
	defer release()

	state, err := e.load(ctx, sessionID)
	if err != nil {
		return domain.JobState{}, err
	}
	if state.CurrentStage != domain.StageUserReview || state.Payload.Has(domain.KeyReviewDecision) {
		return state, ErrNotAwaitingReview
	}
	if err := validateDecision(state, decision); err != nil {
		return state, err
	}

	payload, err := state.Payload.With(domain.KeyReviewDecision, decision)
	if err != nil {
		return state, fmt.Errorf("encode review decision: %w", err)
	}
	state.Payload = payload
	state.Touch(e.now())
	if err := e.checkpoints.Save(ctx, state); err != nil {
		return state, fmt.Errorf("checkpoint review decision: %w", err)
	}
	e.logf("review recorded session_id=%s action=%s units=%v", sessionID, decision.Action, decision.UnitIDs)
	return state, nil
}

func validateDecision(state domain.JobState, decision domain.ReviewDecision) error {
	const op = "review"
	switch decision.Action {
	case domain.ReviewApprove:
		return nil
	case domain.ReviewRevise:
	default:
		return failure.Validation(op, "action must be %q or %q", domain.ReviewApprove, domain.ReviewRevise)
	}
	if len(decision.UnitIDs) == 0 {
		return failure.Validation(op, "revise requires at least one unit id")
	}
	var units []domain.TaskConfig
	if err := state.Payload.Get(domain.KeyUnits, &units); err != nil {
		return failure.Permanent(op, err)
	}
	known := make(map[int]struct{}, len(units))
	for _, unit := range units {
		known[unit.UnitID] = struct{}{}
	}
	for _, id := range decision.UnitIDs {
		if _, ok := known[id]; !ok {
			return failure.Validation(op, "unknown unit %d", id)
		}
	}
	return nil
}

// Running reports whether a run currently holds the session.
func (e *Engine) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.running[sessionID]
	return ok && cancel != nil
}

func (e *Engine) load(ctx context.Context, sessionID string) (domain.JobState, error) {
	state, found, err := e.checkpoints.Recover(ctx, sessionID)
	if err != nil {
		return domain.JobState{}, fmt.Errorf("recover job %s: %w", sessionID, err)
	}
	if !found {
		return domain.JobState{}, ErrJobNotFound
	}
	return state, nil
}

// claim gives the caller exclusive use of the session. A nil cancel marks a
// short control operation rather than a run.
func (e *Engine) claim(sessionID string, cancel context.CancelFunc) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[sessionID]; busy {
		return nil, ErrJobRunning
	}
	e.running[sessionID] = cancel
	return func() { e.release(sessionID) }, nil
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.running, sessionID)
	e.mu.Unlock()
}

func (e *Engine) awaitingReview(state domain.JobState) bool {
	return e.cfg.ReviewGate &&
		state.CurrentStage == domain.StageUserReview &&
		!state.Payload.Has(domain.KeyReviewDecision)
}

func (e *Engine) nextStage(state domain.JobState) (domain.Stage, error) {
	if state.CurrentStage == domain.StageUserReview {
		var decision domain.ReviewDecision
		if err := state.Payload.Get(domain.KeyReviewDecision, &decision); err == nil && decision.Action == domain.ReviewRevise {
			return domain.StageUnitGeneration, nil
		}
	}
	next, ok := stage.Next(state.CurrentStage)
	if !ok {
		return "", failure.New(failure.KindStructural, "next stage", fmt.Sprintf("stage %s has no successor", state.CurrentStage))
	}
	return next, nil
}

func (e *Engine) shouldRetryStage(ctx context.Context, state domain.JobState, err error) bool {
	if ctx.Err() != nil || state.RetryCount >= e.cfg.MaxStageRetries {
		return false
	}
	switch failure.KindOf(err) {
	case failure.KindTransient, failure.KindExhausted:
		return true
	default:
		return false
	}
}

// prepareStageRetry restarts the stage from the latest checkpoint so work
// committed by the failed attempt, such as finished chapters, is kept.
func (e *Engine) prepareStageRetry(ctx context.Context, state domain.JobState, cause error) domain.JobState {
	retries := state.RetryCount + 1
	state = e.latest(ctx, state)
	state.RetryCount = retries
	state.NeedsRetry = true
	state.Touch(e.now())
	e.logf("stage retry session_id=%s stage=%s retry=%d kind=%s err=%v", state.SessionID, state.CurrentStage, retries, failure.KindOf(cause), cause)
	return state
}

// latest returns the newest checkpoint of the stage state is in, falling
// back to state itself.
func (e *Engine) latest(ctx context.Context, state domain.JobState) domain.JobState {
	recovered, found, err := e.checkpoints.Recover(context.WithoutCancel(ctx), state.SessionID)
	if err != nil || !found || recovered.CurrentStage != state.CurrentStage {
		return state
	}
	return recovered
}

// fail records the failure and writes a final checkpoint even when ctx is
// already canceled.
func (e *Engine) fail(ctx context.Context, state domain.JobState, cause error) domain.JobState {
	failed, err := e.machine.Fail(state, cause)
	if err != nil {
		e.logf("job fail rejected session_id=%s err=%v", state.SessionID, err)
		return state
	}
	if err := e.checkpoints.Save(context.WithoutCancel(ctx), failed); err != nil {
		e.logf("final checkpoint failed session_id=%s err=%v", state.SessionID, err)
	}
	e.logf("job failed session_id=%s stage=%s kind=%s retryable=%t err=%v", state.SessionID, failed.FailedStage, failed.LastError.Kind, failed.LastError.Retryable, cause)
	return failed
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
