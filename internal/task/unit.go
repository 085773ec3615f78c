// Package task defines the contract every unit of work implements and the
// wrapper that gives all units the same validation, retry, recovery and
// checkpoint behavior.
package task

import (
	"context"

	"github.com/iago/longform/internal/domain"
)

// Unit is a stage or a chapter. Execute receives a private copy of the state
// and returns the updated state; it must not retain the input.
type Unit interface {
	Name() string
	Validate(state domain.JobState) error
	Execute(ctx context.Context, state domain.JobState) (domain.JobState, error)
}

// Recoverer is implemented by units that know a degraded way to finish after
// Execute failed. Recover is attempted at most once per run.
type Recoverer interface {
	Recover(ctx context.Context, state domain.JobState, cause error) (domain.JobState, error)
}

// Composite is implemented by units that drive other units through the same
// runner. Each inner attempt carries its own timeout, so the composite's
// attempts get no deadline of their own.
type Composite interface {
	Composite()
}

// Checkpointer persists a state after a unit completes.
type Checkpointer interface {
	Save(ctx context.Context, state domain.JobState) error
}
