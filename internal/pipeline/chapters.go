package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/coordinator"
	"github.com/iago/longform/internal/dag"
	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
	"github.com/iago/longform/internal/quality"
	"github.com/iago/longform/internal/task"
)

const (
	minChapterWords = 200
	chapterUnitName = "chapter"
)

// generationUnit fans the chapter units out layer by layer. Each layer sees
// a snapshot taken after the previous layer was applied, so chapter units
// can read the content of their dependencies without sharing state with
// the goroutine that applies results.
type generationUnit struct {
	collaborators
	runner         *task.Runner
	coordinator    *coordinator.Coordinator
	checkpoints    task.Checkpointer
	validator      *quality.ChapterValidator
	unitRetryLimit int
}

func (generationUnit) Name() string { return string(domain.StageUnitGeneration) }

func (generationUnit) Composite() {}

func (generationUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyRequirements, domain.KeyUnits)
}

func (u generationUnit) Execute(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	var units []domain.TaskConfig
	if err := state.Payload.Get(domain.KeyUnits, &units); err != nil {
		return state, failure.Permanent("decode units", err)
	}
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, failure.Permanent("decode requirements", err)
	}
	layers, err := dag.Resolve(units)
	if err != nil {
		return state, err
	}

	state.Progress.UnitsTotal = len(units)
	state.Progress.UnitsCompleted = 0
	for _, unit := range units {
		if record, ok := state.Payload.UnitRecord(unit.UnitID); ok && record.Status == domain.UnitStatusCompleted {
			state.Progress.UnitsCompleted++
		}
	}
	u.logf("chapter generation start session_id=%s units=%d layers=%d completed=%d", state.SessionID, len(units), len(layers), state.Progress.UnitsCompleted)

	skip := func(unit domain.TaskConfig) bool {
		record, ok := state.Payload.UnitRecord(unit.UnitID)
		return ok && record.Status == domain.UnitStatusCompleted
	}
	// Finished chapters are persisted even after cancellation so a resumed
	// run does not redo them.
	apply := func(ctx context.Context, unit domain.TaskConfig, record domain.UnitRecord, _ error) error {
		payload, err := state.Payload.WithUnitRecord(record)
		if err != nil {
			return err
		}
		state.Payload = payload
		saveCtx := context.WithoutCancel(ctx)
		if record.Status == domain.UnitStatusCompleted {
			state, err = u.runner.Commit(saveCtx, state)
			return err
		}
		if u.checkpoints == nil {
			return nil
		}
		return u.checkpoints.Save(saveCtx, state)
	}

	for index, layer := range layers {
		for round := 0; ; round++ {
			snapshot := state.Clone()
			work := func(ctx context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
				return u.generate(ctx, reqs, unit, snapshot)
			}
			err := u.coordinator.RunLayer(ctx, index, layer, work, apply, skip)
			if err == nil {
				break
			}
			var layerErr *coordinator.LayerError
			if !errors.As(err, &layerErr) {
				return state, err
			}
			if round >= u.unitRetryLimit {
				return state, failure.Exhausted("generate layer", round+1, layerErr)
			}
			u.logf("chapter retry session_id=%s layer=%d round=%d units=%v", state.SessionID, index, round+1, layerErr.Failed)
		}
	}
	return state, nil
}

// generate runs one chapter unit against a read-only snapshot and returns
// the resulting record. It never returns a nil-status record.
func (u generationUnit) generate(ctx context.Context, reqs domain.Requirements, unit domain.TaskConfig, snapshot domain.JobState) (domain.UnitRecord, error) {
	previous, _ := snapshot.Payload.UnitRecord(unit.UnitID)
	chapter := &chapterUnit{
		collaborators: u.collaborators,
		config:        unit,
		requirements:  reqs,
		previous:      previous,
		validator:     u.validator,
	}
	attempts := previous.Attempts + 1

	out, err := u.runner.Attempt(ctx, chapter, snapshot)
	if err != nil {
		return domain.UnitRecord{
			UnitID:   unit.UnitID,
			Status:   domain.UnitStatusFailed,
			Notes:    previous.Notes,
			Attempts: attempts,
			Error:    failure.PublicMessage(failure.KindOf(err)),
		}, err
	}
	record, ok := out.Payload.UnitRecord(unit.UnitID)
	if !ok {
		return domain.UnitRecord{UnitID: unit.UnitID, Status: domain.UnitStatusFailed, Attempts: attempts},
			failure.Permanent("chapter "+fmt.Sprint(unit.UnitID), errors.New("chapter produced no record"))
	}
	record.Attempts = attempts
	return record, nil
}

// chapterUnit writes a single chapter. It is a task.Unit so chapters get
// the same validation, retry and recovery treatment as stages.
type chapterUnit struct {
	collaborators
	config       domain.TaskConfig
	requirements domain.Requirements
	previous     domain.UnitRecord
	validator    *quality.ChapterValidator
}

func (u *chapterUnit) Name() string { return chapterUnitName }

func (u *chapterUnit) Validate(state domain.JobState) error {
	for _, dep := range u.config.Dependencies {
		record, ok := state.Payload.UnitRecord(dep)
		if !ok || record.Status != domain.UnitStatusCompleted {
			return fmt.Errorf("dependency %d of unit %d is not completed", dep, u.config.UnitID)
		}
	}
	return nil
}

func (u *chapterUnit) Execute(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	record := domain.UnitRecord{UnitID: u.config.UnitID, Notes: u.previous.Notes}

	material := []string{"Part of: " + u.requirements.Title}
	var plan domain.Plan
	if err := state.Payload.Get(domain.KeyPlan, &plan); err == nil && plan.Text != "" {
		material = append(material, "Document plan:\n"+truncateAtWord(plan.Text, 1500))
	}
	for _, dep := range u.config.Dependencies {
		if depRecord, ok := state.Payload.UnitRecord(dep); ok {
			material = append(material, fmt.Sprintf("Earlier chapter %d ends with:\n%s", dep, lastWords(depRecord.Content, 150)))
		}
	}
	if u.requirements.Research {
		notes := u.lookup(ctx, u.config.Title+" "+u.config.Brief, 3)
		material = append(material, notes...)
	}
	for _, note := range u.previous.Notes {
		material = append(material, "Revision request: "+note)
	}

	result, err := u.synthesize(ctx, capability.SynthesisRequest{
		Task:        capability.TaskChapter,
		Title:       u.config.Title,
		Brief:       u.config.Brief,
		Context:     material,
		TargetWords: u.config.TargetSize,
	})
	if err != nil {
		return state, err
	}

	verdict, err := u.validator.Validate(quality.ChapterInput{
		Title:      u.config.Title,
		Content:    result.Text,
		TargetSize: u.config.TargetSize,
	})
	switch {
	case errors.Is(err, quality.ErrQualityRejected):
		record.Status = domain.UnitStatusNeedsRevision
		record.Error = err.Error()
	case err != nil:
		return state, failure.Permanent("validate chapter", err)
	case !verdict.Accepted():
		record.Status = domain.UnitStatusNeedsRevision
		record.Content = verdict.Content
		record.Words = verdict.Words
		record.Error = strings.Join(verdict.Issues, "; ")
	default:
		record.Status = domain.UnitStatusCompleted
		record.Content = verdict.Content
		record.Words = verdict.Words
		record.Notes = nil
	}

	payload, err := state.Payload.WithUnitRecord(record)
	if err != nil {
		return state, failure.Permanent("store chapter", err)
	}
	state.Payload = payload
	return state, nil
}

func lastWords(value string, n int) string {
	fields := strings.Fields(value)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return "..." + strings.Join(fields[len(fields)-n:], " ")
}
