package task

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
	"github.com/iago/longform/internal/resilience"
)

type Config struct {
	Retry    resilience.Policy
	Policies map[string]resilience.Policy
}

type Runner struct {
	retry       resilience.Policy
	policies    map[string]resilience.Policy
	checkpoints Checkpointer
	retryOpts   []resilience.RetryOption
	logger      *log.Logger
	now         func() time.Time
}

type Option func(*Runner)

func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRetryOptions forwards options to every retry loop, e.g. a test sleep.
func WithRetryOptions(opts ...resilience.RetryOption) Option {
	return func(r *Runner) {
		r.retryOpts = append(r.retryOpts, opts...)
	}
}

func NewRunner(checkpoints Checkpointer, cfg Config, opts ...Option) *Runner {
	if cfg.Retry == (resilience.Policy{}) {
		cfg.Retry = resilience.DefaultPolicy()
	}
	policies := make(map[string]resilience.Policy, len(cfg.Policies))
	for name, policy := range cfg.Policies {
		policies[name] = policy
	}
	r := &Runner{
		retry:       cfg.Retry,
		policies:    policies,
		checkpoints: checkpoints,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) policy(unit Unit) resilience.Policy {
	policy, ok := r.policies[unit.Name()]
	if !ok {
		policy = r.retry
	}
	if _, composite := unit.(Composite); composite {
		policy.Timeout = 0
	}
	return policy
}

// Run validates, executes and commits one unit. On error the returned state
// is the input state.
func (r *Runner) Run(ctx context.Context, unit Unit, state domain.JobState) (domain.JobState, error) {
	next, err := r.Attempt(ctx, unit, state)
	if err != nil {
		return state, err
	}
	return r.Commit(ctx, next)
}

// Attempt runs validation, the retried execution and at most one recovery.
// It neither checkpoints nor touches progress, so it is safe to call
// concurrently on independent snapshots.
func (r *Runner) Attempt(ctx context.Context, unit Unit, state domain.JobState) (domain.JobState, error) {
	name := unit.Name()
	if err := unit.Validate(state); err != nil {
		return state, failure.Wrap(failure.KindValidation, "validate "+name, err)
	}

	var next domain.JobState
	opts := append([]resilience.RetryOption{
		resilience.OnRetry(func(attempt int, delay time.Duration, err error) {
			r.logf("unit retry session_id=%s unit=%s attempt=%d delay=%s err=%v", state.SessionID, name, attempt, delay, err)
		}),
	}, r.retryOpts...)
	err := resilience.Retry(ctx, "execute "+name, r.policy(unit), func(ctx context.Context) error {
		out, execErr := unit.Execute(ctx, state.Clone())
		if execErr != nil {
			return execErr
		}
		next = out
		return nil
	}, opts...)
	if err == nil {
		return next, nil
	}

	recoverer, ok := unit.(Recoverer)
	if !ok || !worthRecovering(err) {
		return state, err
	}
	r.logf("unit recovery session_id=%s unit=%s kind=%s err=%v", state.SessionID, name, failure.KindOf(err), err)
	recovered, recoverErr := recoverer.Recover(ctx, state.Clone(), err)
	if recoverErr != nil {
		r.logf("unit recovery failed session_id=%s unit=%s err=%v", state.SessionID, name, recoverErr)
		return state, err
	}
	return recovered, nil
}

// Commit records one more completed unit and checkpoints the state. Only the
// goroutine that owns the job state may call it.
func (r *Runner) Commit(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	state.Progress = advance(state.Progress)
	state.Touch(r.now())
	if r.checkpoints == nil {
		return state, nil
	}
	if err := r.checkpoints.Save(ctx, state); err != nil {
		return state, fmt.Errorf("checkpoint after unit: %w", err)
	}
	return state, nil
}

func advance(progress domain.Progress) domain.Progress {
	if progress.UnitsTotal <= 0 {
		progress.UnitsTotal = 1
	}
	if progress.UnitsCompleted < progress.UnitsTotal {
		progress.UnitsCompleted++
	}
	progress.StageProgress = progress.UnitsCompleted * 100 / progress.UnitsTotal
	return progress
}

// Validation, structural and cancellation failures cannot be worked around
// by a degraded path.
func worthRecovering(err error) bool {
	switch failure.KindOf(err) {
	case failure.KindTransient, failure.KindExhausted, failure.KindPermanent:
		return true
	default:
		return false
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
