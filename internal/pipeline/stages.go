package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

// ErrAwaitingReview is returned by the review stage when no decision has
// been recorded yet.
var ErrAwaitingReview = errors.New("job is awaiting review")

// collaborators is the capability access shared by every stage unit.
type collaborators struct {
	caps   *capability.Registry
	logger *log.Logger
}

func (c collaborators) synthesize(ctx context.Context, request capability.SynthesisRequest) (capability.SynthesisResult, error) {
	return capability.InvokeAs[capability.SynthesisResult](ctx, c.caps, capability.ContentSynthesis, capability.Request(request))
}

// lookup is best effort: any failure is logged and yields no notes.
func (c collaborators) lookup(ctx context.Context, query string, limit int) []string {
	if !c.caps.Has(capability.AuxiliaryLookup) {
		return nil
	}
	result, err := capability.InvokeAs[capability.LookupResult](ctx, c.caps, capability.AuxiliaryLookup, capability.Request(capability.LookupRequest{Query: query, Limit: limit}))
	if err != nil {
		c.logf("auxiliary lookup skipped query=%q kind=%s err=%v", truncateAtWord(query, 80), failure.KindOf(err), err)
		return nil
	}
	return result.Notes
}

func (c collaborators) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func requirementsOf(state domain.JobState) (domain.Requirements, error) {
	var reqs domain.Requirements
	if err := state.Payload.Get(domain.KeyRequirements, &reqs); err != nil {
		return domain.Requirements{}, err
	}
	return reqs, nil
}

func requireKeys(state domain.JobState, keys ...string) error {
	for _, key := range keys {
		if !state.Payload.Has(key) {
			return fmt.Errorf("payload key %s is missing", key)
		}
	}
	return nil
}

func withValue(state domain.JobState, key string, value any) (domain.JobState, error) {
	payload, err := state.Payload.With(key, value)
	if err != nil {
		return state, failure.Permanent("store "+key, err)
	}
	state.Payload = payload
	return state, nil
}

type intakeUnit struct{}

func (intakeUnit) Name() string { return string(domain.StageIntake) }

func (intakeUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyInput)
}

func (intakeUnit) Execute(_ context.Context, state domain.JobState) (domain.JobState, error) {
	var input Input
	if err := state.Payload.Get(domain.KeyInput, &input); err != nil {
		return state, failure.Wrap(failure.KindValidation, "decode input", err)
	}
	reqs, err := input.Normalize()
	if err != nil {
		return state, err
	}
	return withValue(state, domain.KeyRequirements, reqs)
}

type planningUnit struct {
	collaborators
}

func (planningUnit) Name() string { return string(domain.StagePlanning) }

func (planningUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyRequirements)
}

func (u planningUnit) Execute(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, failure.Permanent("decode requirements", err)
	}

	var notes []string
	if reqs.Research {
		notes = u.lookup(ctx, reqs.Title+" "+reqs.Brief, 5)
	}
	material := make([]string, 0, len(notes)+1)
	if reqs.Audience != "" {
		material = append(material, "Audience: "+reqs.Audience)
	}
	material = append(material, notes...)

	result, err := u.synthesize(ctx, capability.SynthesisRequest{
		Task:        capability.TaskPlan,
		Title:       reqs.Title,
		Brief:       reqs.Brief,
		Context:     material,
		TargetWords: reqs.TargetWords,
		Count:       reqs.Chapters,
	})
	if err != nil {
		return state, err
	}
	if strings.TrimSpace(result.Text) == "" {
		return state, failure.Transient("plan", errors.New("empty plan"))
	}
	return withValue(state, domain.KeyPlan, domain.Plan{Text: result.Text, Notes: notes, ModelID: result.ModelID})
}

type structuringUnit struct {
	collaborators
}

func (structuringUnit) Name() string { return string(domain.StageStructuring) }

func (structuringUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyRequirements, domain.KeyPlan)
}

func (u structuringUnit) Execute(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, failure.Permanent("decode requirements", err)
	}
	var plan domain.Plan
	if err := state.Payload.Get(domain.KeyPlan, &plan); err != nil {
		return state, failure.Permanent("decode plan", err)
	}

	result, err := u.synthesize(ctx, capability.SynthesisRequest{
		Task:        capability.TaskOutline,
		Title:       reqs.Title,
		Brief:       reqs.Brief,
		Context:     []string{plan.Text},
		TargetWords: reqs.TargetWords,
		Count:       reqs.Chapters,
	})
	if err != nil {
		return state, err
	}

	raw := result.Data
	if len(raw) == 0 {
		raw = json.RawMessage(result.Text)
	}
	outline, err := parseOutline(raw)
	if err != nil {
		return state, failure.Permanent("parse outline", err)
	}
	return withValue(state, domain.KeyOutline, outline)
}

// Recover replaces a malformed or unavailable outline with independent
// chapters so generation can still proceed.
func (u structuringUnit) Recover(_ context.Context, state domain.JobState, cause error) (domain.JobState, error) {
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, err
	}
	u.logf("outline fallback session_id=%s chapters=%d cause=%v", state.SessionID, reqs.Chapters, cause)
	return withValue(state, domain.KeyOutline, linearOutline(reqs))
}

func parseOutline(raw json.RawMessage) (domain.Outline, error) {
	var outline domain.Outline
	if err := json.Unmarshal(raw, &outline); err != nil {
		return domain.Outline{}, fmt.Errorf("decode outline: %w", err)
	}
	if len(outline.Chapters) == 0 {
		return domain.Outline{}, errors.New("outline has no chapters")
	}
	if len(outline.Chapters) > maxChapters {
		return domain.Outline{}, fmt.Errorf("outline has %d chapters", len(outline.Chapters))
	}
	numbers := make(map[int]struct{}, len(outline.Chapters))
	for _, chapter := range outline.Chapters {
		if chapter.Number <= 0 {
			return domain.Outline{}, fmt.Errorf("chapter number %d is not positive", chapter.Number)
		}
		if strings.TrimSpace(chapter.Title) == "" {
			return domain.Outline{}, fmt.Errorf("chapter %d has no title", chapter.Number)
		}
		if _, dup := numbers[chapter.Number]; dup {
			return domain.Outline{}, fmt.Errorf("chapter number %d repeated", chapter.Number)
		}
		numbers[chapter.Number] = struct{}{}
	}
	for _, chapter := range outline.Chapters {
		for _, dep := range chapter.DependsOn {
			if dep == chapter.Number {
				return domain.Outline{}, fmt.Errorf("chapter %d depends on itself", chapter.Number)
			}
			if _, ok := numbers[dep]; !ok {
				return domain.Outline{}, fmt.Errorf("chapter %d depends on unknown chapter %d", chapter.Number, dep)
			}
		}
	}
	return outline, nil
}

func linearOutline(reqs domain.Requirements) domain.Outline {
	outline := domain.Outline{Linear: true, Chapters: make([]domain.OutlineChapter, 0, reqs.Chapters)}
	for number := 1; number <= reqs.Chapters; number++ {
		outline.Chapters = append(outline.Chapters, domain.OutlineChapter{
			Number:    number,
			Title:     fmt.Sprintf("Chapter %d", number),
			Summary:   fmt.Sprintf("Part %d of %d of %s. %s", number, reqs.Chapters, reqs.Title, reqs.Brief),
			DependsOn: []int{},
		})
	}
	return outline
}

type spawningUnit struct{}

func (spawningUnit) Name() string { return string(domain.StageUnitSpawning) }

func (spawningUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyRequirements, domain.KeyOutline)
}

func (spawningUnit) Execute(_ context.Context, state domain.JobState) (domain.JobState, error) {
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, failure.Permanent("decode requirements", err)
	}
	var outline domain.Outline
	if err := state.Payload.Get(domain.KeyOutline, &outline); err != nil {
		return state, failure.Permanent("decode outline", err)
	}
	if len(outline.Chapters) == 0 {
		return state, failure.Validation("spawn units", "outline has no chapters")
	}

	targetSize := reqs.TargetWords / len(outline.Chapters)
	if targetSize < minChapterWords {
		targetSize = minChapterWords
	}
	units := make([]domain.TaskConfig, 0, len(outline.Chapters))
	for _, chapter := range outline.Chapters {
		deps := append([]int{}, chapter.DependsOn...)
		sort.Ints(deps)
		units = append(units, domain.TaskConfig{
			UnitID:       chapter.Number,
			Title:        chapter.Title,
			Brief:        chapter.Summary,
			Dependencies: deps,
			TargetSize:   targetSize,
		})
	}
	return withValue(state, domain.KeyUnits, units)
}

type consistencyUnit struct {
	collaborators
}

func (consistencyUnit) Name() string { return string(domain.StageConsistencyReview) }

func (consistencyUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyRequirements, domain.KeyUnits)
}

func (u consistencyUnit) Execute(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, failure.Permanent("decode requirements", err)
	}
	chapters, err := orderedChapters(state)
	if err != nil {
		return state, err
	}

	material := make([]string, 0, len(chapters))
	for _, chapter := range chapters {
		material = append(material, fmt.Sprintf("Chapter %d (%s):\n%s", chapter.unit.UnitID, chapter.unit.Title, truncateAtWord(chapter.record.Content, 1200)))
	}
	result, err := u.synthesize(ctx, capability.SynthesisRequest{
		Task:    capability.TaskConsistencyReview,
		Title:   reqs.Title,
		Brief:   reqs.Brief,
		Context: material,
	})
	if err != nil {
		return state, err
	}

	report := domain.ConsistencyReport{}
	if len(result.Data) == 0 || json.Unmarshal(result.Data, &report) != nil {
		report = domain.ConsistencyReport{Summary: truncateAtWord(result.Text, 2000)}
	}
	if report.Issues == nil {
		report.Issues = []domain.ConsistencyIssue{}
	}
	return withValue(state, domain.KeyConsistencyReport, report)
}

// Recover records a skipped review; the document is still assembled.
func (u consistencyUnit) Recover(_ context.Context, state domain.JobState, cause error) (domain.JobState, error) {
	u.logf("consistency review skipped session_id=%s cause=%v", state.SessionID, cause)
	return withValue(state, domain.KeyConsistencyReport, domain.ConsistencyReport{
		Issues:  []domain.ConsistencyIssue{},
		Summary: failure.PublicMessage(failure.KindOf(cause)),
		Skipped: true,
	})
}

type qualityUnit struct {
	collaborators
}

func (qualityUnit) Name() string { return string(domain.StageQualityReview) }

func (qualityUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyRequirements, domain.KeyUnits, domain.KeyConsistencyReport)
}

func (u qualityUnit) Execute(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, failure.Permanent("decode requirements", err)
	}
	var consistency domain.ConsistencyReport
	if err := state.Payload.Get(domain.KeyConsistencyReport, &consistency); err != nil {
		return state, failure.Permanent("decode consistency report", err)
	}
	chapters, err := orderedChapters(state)
	if err != nil {
		return state, err
	}

	material := make([]string, 0, len(chapters)+len(consistency.Issues))
	for _, issue := range consistency.Issues {
		material = append(material, fmt.Sprintf("Known issue in chapter %d: %s", issue.UnitID, issue.Note))
	}
	for _, chapter := range chapters {
		material = append(material, fmt.Sprintf("Chapter %d (%s):\n%s", chapter.unit.UnitID, chapter.unit.Title, truncateAtWord(chapter.record.Content, 800)))
	}
	result, err := u.synthesize(ctx, capability.SynthesisRequest{
		Task:    capability.TaskQualityReview,
		Title:   reqs.Title,
		Brief:   reqs.Brief,
		Context: material,
	})
	if err != nil {
		return state, err
	}

	var report domain.QualityReport
	if len(result.Data) == 0 || json.Unmarshal(result.Data, &report) != nil {
		return state, failure.Permanent("parse quality report", errors.New("quality review returned no JSON report"))
	}
	if report.Score < 0 {
		report.Score = 0
	}
	if report.Score > 1 {
		report.Score = 1
	}
	if report.Notes == nil {
		report.Notes = []string{}
	}
	return withValue(state, domain.KeyQualityReport, report)
}

func (u qualityUnit) Recover(_ context.Context, state domain.JobState, cause error) (domain.JobState, error) {
	u.logf("quality review skipped session_id=%s cause=%v", state.SessionID, cause)
	return withValue(state, domain.KeyQualityReport, domain.QualityReport{
		Notes:   []string{failure.PublicMessage(failure.KindOf(cause))},
		Skipped: true,
	})
}

type assemblyUnit struct {
	collaborators
	artifacts Artifacts
	format    string
}

func (assemblyUnit) Name() string { return string(domain.StageAssembly) }

func (assemblyUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyRequirements, domain.KeyUnits, domain.KeyQualityReport)
}

func (u assemblyUnit) Execute(ctx context.Context, state domain.JobState) (domain.JobState, error) {
	reqs, err := requirementsOf(state)
	if err != nil {
		return state, failure.Permanent("decode requirements", err)
	}
	chapters, err := orderedChapters(state)
	if err != nil {
		return state, err
	}

	sections := make([]capability.RenderSection, 0, len(chapters))
	words := 0
	for _, chapter := range chapters {
		sections = append(sections, capability.RenderSection{Heading: chapter.unit.Title, Body: chapter.record.Content})
		words += chapter.record.Words
	}
	result, err := capability.InvokeAs[capability.RenderResult](ctx, u.caps, capability.DocumentRendering, capability.Request(capability.RenderRequest{
		Title:    reqs.Title,
		Sections: sections,
		Format:   u.format,
	}))
	if err != nil {
		return state, err
	}
	if len(result.Content) == 0 {
		return state, failure.Permanent("render document", errors.New("renderer returned an empty document"))
	}

	// The snapshot only keeps the checksum, so the bytes are stored before
	// the stage can commit.
	checksum, err := u.artifacts.SaveArtifact(ctx, state.SessionID, result.Content)
	if err != nil {
		return state, fmt.Errorf("store document: %w", err)
	}
	state, err = withValue(state, domain.KeyArtifact, result.Content)
	if err != nil {
		return state, err
	}
	return withValue(state, domain.KeyDocument, domain.DocumentInfo{
		Format:   result.Format,
		Bytes:    len(result.Content),
		Checksum: checksum,
		Words:    words,
	})
}

type reviewUnit struct {
	gate bool
}

func (reviewUnit) Name() string { return string(domain.StageUserReview) }

func (reviewUnit) Validate(state domain.JobState) error {
	return requireKeys(state, domain.KeyDocument)
}

func (u reviewUnit) Execute(_ context.Context, state domain.JobState) (domain.JobState, error) {
	if !state.Payload.Has(domain.KeyReviewDecision) {
		if u.gate {
			return state, failure.Wrap(failure.KindValidation, "user review", ErrAwaitingReview)
		}
		return withValue(state, domain.KeyReviewDecision, domain.ReviewDecision{Action: domain.ReviewApprove, Reviewer: "auto"})
	}

	var decision domain.ReviewDecision
	if err := state.Payload.Get(domain.KeyReviewDecision, &decision); err != nil {
		return state, failure.Permanent("decode review decision", err)
	}
	if decision.Action != domain.ReviewRevise {
		return state, nil
	}

	for _, id := range decision.UnitIDs {
		record, ok := state.Payload.UnitRecord(id)
		if !ok {
			return state, failure.Validation("user review", "unit %d has no record", id)
		}
		record.Status = domain.UnitStatusNeedsRevision
		if notes := strings.TrimSpace(decision.Notes); notes != "" {
			record.Notes = append(record.Notes, "Reviewer: "+notes)
		}
		payload, err := state.Payload.WithUnitRecord(record)
		if err != nil {
			return state, failure.Permanent("mark revision", err)
		}
		state.Payload = payload
	}
	return state, nil
}

type chapterView struct {
	unit   domain.TaskConfig
	record domain.UnitRecord
}

// orderedChapters returns completed chapters in unit order.
func orderedChapters(state domain.JobState) ([]chapterView, error) {
	var units []domain.TaskConfig
	if err := state.Payload.Get(domain.KeyUnits, &units); err != nil {
		return nil, failure.Permanent("decode units", err)
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].UnitID < units[j].UnitID })

	chapters := make([]chapterView, 0, len(units))
	for _, unit := range units {
		record, ok := state.Payload.UnitRecord(unit.UnitID)
		if !ok || record.Status != domain.UnitStatusCompleted {
			return nil, failure.Validation("collect chapters", "unit %d is not completed", unit.UnitID)
		}
		chapters = append(chapters, chapterView{unit: unit, record: record})
	}
	return chapters, nil
}

func truncateAtWord(value string, maxChars int) string {
	value = strings.TrimSpace(value)
	if len(value) <= maxChars {
		return value
	}
	cut := value[:maxChars]
	if index := strings.LastIndexAny(cut, " \n\t"); index > maxChars/2 {
		cut = cut[:index]
	}
	return strings.TrimSpace(cut) + "..."
}
