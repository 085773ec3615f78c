// Package stage owns the legal moves of a job through its lifecycle and the
// progress figure attached to each stage.
package stage

import (
	"fmt"
	"time"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

// Order lists the forward path of a job.
var Order = []domain.Stage{
	domain.StageIntake,
	domain.StagePlanning,
	domain.StageStructuring,
	domain.StageUnitSpawning,
	domain.StageUnitGeneration,
	domain.StageConsistencyReview,
	domain.StageQualityReview,
	domain.StageAssembly,
	domain.StageUserReview,
	domain.StageCompleted,
}

var weights = map[domain.Stage]int{
	domain.StageIntake:            0,
	domain.StagePlanning:          10,
	domain.StageStructuring:       20,
	domain.StageUnitSpawning:      25,
	domain.StageUnitGeneration:    30,
	domain.StageConsistencyReview: 75,
	domain.StageQualityReview:     85,
	domain.StageAssembly:          92,
	domain.StageUserReview:        97,
	domain.StageCompleted:         100,
}

var required = map[domain.Stage][]string{
	domain.StageIntake:            {domain.KeyInput},
	domain.StagePlanning:          {domain.KeyRequirements},
	domain.StageStructuring:       {domain.KeyRequirements, domain.KeyPlan},
	domain.StageUnitSpawning:      {domain.KeyOutline},
	domain.StageUnitGeneration:    {domain.KeyUnits},
	domain.StageConsistencyReview: {domain.KeyUnits},
	domain.StageQualityReview:     {domain.KeyConsistencyReport},
	domain.StageAssembly:          {domain.KeyQualityReport},
	domain.StageUserReview:        {domain.KeyDocument},
	domain.StageCompleted:         {domain.KeyDocument},
}

// produced lists the payload keys a stage writes. Moving back to a stage
// drops whatever it and every later stage produced.
var produced = map[domain.Stage][]string{
	domain.StageIntake:            {domain.KeyRequirements},
	domain.StagePlanning:          {domain.KeyPlan},
	domain.StageStructuring:       {domain.KeyOutline},
	domain.StageUnitSpawning:      {domain.KeyUnits},
	domain.StageConsistencyReview: {domain.KeyConsistencyReport},
	domain.StageQualityReview:     {domain.KeyQualityReport},
	domain.StageAssembly:          {domain.KeyArtifact, domain.KeyDocument},
	domain.StageUserReview:        {domain.KeyReviewDecision},
}

func Weight(s domain.Stage) int {
	return weights[s]
}

func Required(s domain.Stage) []string {
	return append([]string(nil), required[s]...)
}

func index(s domain.Stage) int {
	for i, candidate := range Order {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor of s, or false for the last stage.
func Next(s domain.Stage) (domain.Stage, bool) {
	i := index(s)
	if i < 0 || i+1 >= len(Order) {
		return "", false
	}
	return Order[i+1], true
}

// Machine applies transitions. Stages that must never be re-entered by a
// fresh retry are not modeled; every earlier stage is a legal retry target.
type Machine struct {
	now func() time.Time
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanTransition reports whether target is reachable from the current stage,
// ignoring payload requirements.
func (m *Machine) CanTransition(state domain.JobState, target domain.Stage) bool {
	return reachable(state, target) == nil
}

func reachable(state domain.JobState, target domain.Stage) error {
	targetIndex := index(target)
	if targetIndex < 0 {
		return fmt.Errorf("unknown stage %q", target)
	}

	switch state.CurrentStage {
	case domain.StageCompleted:
		return fmt.Errorf("job already completed")
	case domain.StageFailed:
		if state.LastError == nil || !state.LastError.Retryable {
			return fmt.Errorf("failed job is not retryable")
		}
		failedIndex := index(state.FailedStage)
		if failedIndex < 0 {
			failedIndex = 0
		}
		if targetIndex > failedIndex {
			return fmt.Errorf("cannot resume past failed stage %s", state.FailedStage)
		}
		return nil
	}

	currentIndex := index(state.CurrentStage)
	if currentIndex < 0 {
		return fmt.Errorf("unknown current stage %q", state.CurrentStage)
	}
	if targetIndex > currentIndex+1 {
		return fmt.Errorf("cannot skip from %s to %s", state.CurrentStage, target)
	}
	if targetIndex == currentIndex {
		return fmt.Errorf("already in stage %s", target)
	}
	return nil
}

// Transition moves state to target. On any rule violation the input state
// is returned unchanged with a non-recoverable error.
func (m *Machine) Transition(state domain.JobState, target domain.Stage) (domain.JobState, error) {
	op := fmt.Sprintf("transition %s->%s", state.CurrentStage, target)
	if err := reachable(state, target); err != nil {
		return state, failure.Structural(op, err)
	}
	for _, key := range required[target] {
		if !state.Payload.Has(key) {
			return state, failure.Validation(op, "missing payload key %s", key)
		}
	}
	if target == domain.StageConsistencyReview {
		if err := allUnitsCompleted(state.Payload); err != nil {
			return state, failure.Validation(op, "%v", err)
		}
	}

	next := state.Clone()
	backward := state.CurrentStage == domain.StageFailed || index(target) <= index(state.CurrentStage)
	if backward {
		dropped := producedFrom(target)
		if index(target) <= index(domain.StageUnitSpawning) {
			for _, key := range next.Payload.Keys() {
				if domain.IsUnitRecordKey(key) {
					dropped = append(dropped, key)
				}
			}
		}
		next.Payload = next.Payload.Without(dropped...)
	}

	next.CurrentStage = target
	next.RetryCount = 0
	next.NeedsRetry = false
	next.Progress = domain.Progress{OverallProgress: weights[target]}
	if target == domain.StageCompleted {
		next.Status = domain.JobStatusCompleted
		next.Progress.StageProgress = 100
	} else {
		next.Status = domain.JobStatusActive
	}
	if state.CurrentStage == domain.StageFailed {
		next.FailedStage = ""
	}
	next.Touch(m.now())
	return next, nil
}

// Fail moves any non-terminal state to failed and records the error.
func (m *Machine) Fail(state domain.JobState, cause error) (domain.JobState, error) {
	if state.Terminal() {
		return state, failure.Structural("transition to failed", fmt.Errorf("job already %s", state.Status))
	}
	kind := failure.KindOf(cause)
	if kind == "" {
		kind = failure.KindPermanent
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	next := state.Clone()
	next.FailedStage = state.CurrentStage
	next.CurrentStage = domain.StageFailed
	next.Status = domain.JobStatusFailed
	next.NeedsRetry = false
	now := m.now().UTC()
	next.LastError = &domain.ErrorInfo{
		Kind:      string(kind),
		Message:   message,
		Stage:     state.CurrentStage,
		Retryable: failure.RetryableKind(kind),
		At:        now,
	}
	next.Touch(now)
	return next, nil
}

// ResumeTarget is the stage a retryable failed job restarts from.
func ResumeTarget(state domain.JobState) (domain.Stage, bool) {
	if state.CurrentStage != domain.StageFailed || state.LastError == nil || !state.LastError.Retryable {
		return "", false
	}
	if index(state.FailedStage) < 0 {
		return domain.StageIntake, true
	}
	return state.FailedStage, true
}

func producedFrom(target domain.Stage) []string {
	keys := make([]string, 0)
	for _, s := range Order[index(target):] {
		keys = append(keys, produced[s]...)
	}
	return keys
}

func allUnitsCompleted(payload domain.Payload) error {
	var units []domain.TaskConfig
	if err := payload.Get(domain.KeyUnits, &units); err != nil {
		return err
	}
	for _, unit := range units {
		record, ok := payload.UnitRecord(unit.UnitID)
		if !ok || record.Status != domain.UnitStatusCompleted {
			return fmt.Errorf("unit %d is not completed", unit.UnitID)
		}
	}
	return nil
}
