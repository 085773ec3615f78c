package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/longform/internal/adapters"
	"github.com/iago/longform/internal/ai"
	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/checkpoint"
	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
	"github.com/iago/longform/internal/resilience"
	"github.com/iago/longform/internal/task"
)

// recordingCheckpoints keeps every saved state next to the real manager.
type recordingCheckpoints struct {
	*checkpoint.Manager
	mu    sync.Mutex
	saved []domain.JobState
}

func (c *recordingCheckpoints) Save(ctx context.Context, state domain.JobState) error {
	if err := c.Manager.Save(ctx, state); err != nil {
		return err
	}
	c.mu.Lock()
	c.saved = append(c.saved, state.Clone())
	c.mu.Unlock()
	return nil
}

func (c *recordingCheckpoints) progressHistory() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.saved))
	for _, state := range c.saved {
		out = append(out, state.Progress.OverallProgress)
	}
	return out
}

// countingSynth wraps the local synthesizer, counts chapter calls by title
// and lets a test inject failures or blocking.
type countingSynth struct {
	local *ai.LocalSynthesizer

	mu      sync.Mutex
	calls   map[string]int
	failFor map[string]error
	outline func(request capability.SynthesisRequest) (capability.SynthesisResult, bool)
	block   func(ctx context.Context, request capability.SynthesisRequest)
}

func newCountingSynth() *countingSynth {
	return &countingSynth{local: ai.NewLocalSynthesizer(), calls: map[string]int{}, failFor: map[string]error{}}
}

func (s *countingSynth) setFailure(title string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failFor, title)
		return
	}
	s.failFor[title] = err
}

func (s *countingSynth) chapterCalls(title string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[title]
}

func (s *countingSynth) fn(ctx context.Context, params capability.Params) (any, error) {
	request, err := capability.RequestFrom[capability.SynthesisRequest](params)
	if err != nil {
		return nil, err
	}
	if request.Task == capability.TaskOutline && s.outline != nil {
		if result, ok := s.outline(request); ok {
			return result, nil
		}
	}
	if request.Task == capability.TaskChapter {
		s.mu.Lock()
		s.calls[request.Title]++
		failErr := s.failFor[request.Title]
		s.mu.Unlock()
		if s.block != nil {
			s.block(ctx, request)
		}
		if failErr != nil {
			return nil, failErr
		}
	}
	return s.local.Synthesize(ctx, request)
}

type fixture struct {
	engine      *Engine
	checkpoints *recordingCheckpoints
	synth       *countingSynth
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithAttemptTimeout(t, cfg, 5*time.Second)
}

func newFixtureWithAttemptTimeout(t *testing.T, cfg Config, timeout time.Duration) *fixture {
	t.Helper()
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Second}, nil)
	manager, err := checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.Config{
		Retry: resilience.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond},
	}, checkpoint.WithBreakers(breakers))
	require.NoError(t, err)
	checkpoints := &recordingCheckpoints{Manager: manager}

	synth := newCountingSynth()
	registry := capability.NewRegistry(breakers, nil)
	registry.MustRegister(capability.ContentSynthesis, synth.fn)
	registry.MustRegister(capability.DocumentRendering, adapters.NewMarkdownRenderer().Capability())

	runner := task.NewRunner(checkpoints, task.Config{
		Retry: resilience.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond, Timeout: timeout},
	}, task.WithRetryOptions(resilience.WithSleep(func(context.Context, time.Duration) error { return nil })))

	engine, err := NewEngine(Dependencies{
		Capabilities: registry,
		Checkpoints:  checkpoints,
		Runner:       runner,
	}, cfg)
	require.NoError(t, err)
	return &fixture{engine: engine, checkpoints: checkpoints, synth: synth}
}

func sampleInput() Input {
	return Input{Title: "Tides", Brief: "How the moon moves the sea.", Chapters: 4, TargetWords: 1200}
}

func unitRecords(t *testing.T, state domain.JobState) map[int]domain.UnitRecord {
	t.Helper()
	var units []domain.TaskConfig
	require.NoError(t, state.Payload.Get(domain.KeyUnits, &units))
	out := make(map[int]domain.UnitRecord, len(units))
	for _, unit := range units {
		record, ok := state.Payload.UnitRecord(unit.UnitID)
		if ok {
			out[unit.UnitID] = record
		}
	}
	return out
}

func TestRunCompletesJobEndToEnd(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})
	ctx := context.Background()

	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, domain.StageIntake, started.CurrentStage)

	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress.OverallProgress)
	assert.Nil(t, final.LastError)

	records := unitRecords(t, final)
	require.Len(t, records, 4)
	for id, record := range records {
		assert.Equal(t, domain.UnitStatusCompleted, record.Status, "unit %d", id)
		assert.GreaterOrEqual(t, record.Words, 300, "unit %d", id)
	}

	var document domain.DocumentInfo
	require.NoError(t, final.Payload.Get(domain.KeyDocument, &document))
	assert.Equal(t, adapters.FormatMarkdown, document.Format)
	assert.NotEmpty(t, document.Checksum)

	history := f.checkpoints.progressHistory()
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i], history[i-1], "progress went backwards at checkpoint %d: %v", i, history)
	}

	view, err := f.engine.Status(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	require.NotNil(t, view.Document)
	assert.Equal(t, document.Checksum, view.Document.Checksum)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.Start(context.Background(), Input{Chapters: 3})
	require.Error(t, err)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	_, err = f.engine.Start(context.Background(), Input{Title: "Tides"})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	assert.Empty(t, f.checkpoints.progressHistory())
}

func TestStatusOfUnknownJob(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunParksForReviewAndRegeneratesRevisedUnits(t *testing.T) {
	f := newFixture(t, Config{ReviewGate: true})
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	parked, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageUserReview, parked.CurrentStage)
	assert.Equal(t, domain.JobStatusActive, parked.Status)

	view, err := f.engine.Status(ctx, started.SessionID)
	require.NoError(t, err)
	assert.True(t, view.AwaitingReview)

	_, err = f.engine.Review(ctx, started.SessionID, domain.ReviewDecision{Action: domain.ReviewRevise, UnitIDs: []int{9}})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	_, err = f.engine.Review(ctx, started.SessionID, domain.ReviewDecision{Action: domain.ReviewRevise, UnitIDs: []int{2}, Notes: "more detail"})
	require.NoError(t, err)
	_, err = f.engine.Review(ctx, started.SessionID, domain.ReviewDecision{Action: domain.ReviewApprove})
	assert.ErrorIs(t, err, ErrNotAwaitingReview)

	revised, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageUserReview, revised.CurrentStage)
	assert.Equal(t, 2, f.synth.chapterCalls("Part 1"))
	assert.Equal(t, 1, f.synth.chapterCalls("Introduction"))

	record := unitRecords(t, revised)[2]
	assert.Equal(t, domain.UnitStatusCompleted, record.Status)
	assert.Equal(t, 2, record.Attempts)
	assert.Empty(t, record.Notes)

	_, err = f.engine.Review(ctx, started.SessionID, domain.ReviewDecision{Action: domain.ReviewApprove, Reviewer: "editor"})
	require.NoError(t, err)
	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)
}

func TestApprovedJobDocumentCanBeFetched(t *testing.T) {
	f := newFixture(t, Config{ReviewGate: true})
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	_, err = f.engine.Document(ctx, started.SessionID)
	assert.ErrorIs(t, err, ErrDocumentNotReady)

	parked, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.StageUserReview, parked.CurrentStage)

	draft, err := f.engine.Document(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ArtifactChecksum(draft.Content), draft.Info.Checksum)

	_, err = f.engine.Review(ctx, started.SessionID, domain.ReviewDecision{Action: domain.ReviewApprove, Reviewer: "editor"})
	require.NoError(t, err)
	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.StageCompleted, final.CurrentStage)

	var info domain.DocumentInfo
	require.NoError(t, final.Payload.Get(domain.KeyDocument, &info))
	document, err := f.engine.Document(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, info, document.Info)
	assert.Len(t, document.Content, info.Bytes)
	assert.Contains(t, string(document.Content), "Tides")
	assert.Equal(t, info.Checksum, checkpoint.ArtifactChecksum(document.Content))

	_, err = f.engine.Document(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunFailsWithStructuralErrorOnDependencyCycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.synth.outline = func(capability.SynthesisRequest) (capability.SynthesisResult, bool) {
		data := json.RawMessage(`{"chapters":[
			{"number":1,"title":"One","summary":"a","depends_on":[2]},
			{"number":2,"title":"Two","summary":"b","depends_on":[1]}
		]}`)
		return capability.SynthesisResult{Text: string(data), Data: data}, true
	}
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, final.CurrentStage)
	assert.Equal(t, domain.StageUnitGeneration, final.FailedStage)
	require.NotNil(t, final.LastError)
	assert.Equal(t, string(failure.KindStructural), final.LastError.Kind)
	assert.False(t, final.LastError.Retryable)
	assert.Zero(t, f.synth.chapterCalls("One"))

	_, err = f.engine.Resume(ctx, started.SessionID)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}

func TestMalformedOutlineFallsBackToLinearOutline(t *testing.T) {
	f := newFixture(t, Config{})
	f.synth.outline = func(capability.SynthesisRequest) (capability.SynthesisResult, bool) {
		return capability.SynthesisResult{Text: "Chapter one is about the moon, chapter two about the sea."}, true
	}
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)

	var outline domain.Outline
	require.NoError(t, final.Payload.Get(domain.KeyOutline, &outline))
	assert.True(t, outline.Linear)
	assert.Len(t, outline.Chapters, 4)
}

func TestFailedChapterExhaustsRetriesThenResumes(t *testing.T) {
	f := newFixture(t, Config{UnitRetryLimit: 1})
	f.synth.setFailure("Part 2", failure.Transient("synthesis", errors.New("503 from provider")))
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	failed, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, failed.CurrentStage)
	assert.Equal(t, domain.StageUnitGeneration, failed.FailedStage)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, string(failure.KindExhausted), failed.LastError.Kind)
	assert.True(t, failed.LastError.Retryable)
	// two rounds of two attempts each
	assert.Equal(t, 4, f.synth.chapterCalls("Part 2"))

	records := unitRecords(t, failed)
	assert.Equal(t, domain.UnitStatusCompleted, records[1].Status)
	assert.Equal(t, domain.UnitStatusCompleted, records[2].Status)
	assert.Equal(t, domain.UnitStatusFailed, records[3].Status)

	view, err := f.engine.Status(ctx, started.SessionID)
	require.NoError(t, err)
	require.NotNil(t, view.Error)
	assert.Equal(t, failure.PublicMessage(failure.KindExhausted), view.Error.Message)
	assert.NotContains(t, view.Error.Message, "503")

	f.synth.setFailure("Part 2", nil)
	resumed, err := f.engine.Resume(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageUnitGeneration, resumed.CurrentStage)
	assert.Equal(t, domain.JobStatusActive, resumed.Status)

	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)
	assert.Equal(t, 1, f.synth.chapterCalls("Introduction"))
	assert.Equal(t, 1, f.synth.chapterCalls("Part 1"))
	assert.Equal(t, 5, f.synth.chapterCalls("Part 2"))
}

func TestStageRetryReusesCommittedChapters(t *testing.T) {
	f := newFixture(t, Config{MaxStageRetries: 1})
	f.synth.setFailure("Part 2", failure.Transient("synthesis", errors.New("timeout")))
	var once sync.Once
	f.synth.block = func(_ context.Context, request capability.SynthesisRequest) {
		if request.Title == "Part 2" && f.synth.chapterCalls("Part 2") >= 2 {
			once.Do(func() { f.synth.setFailure("Part 2", nil) })
		}
	}
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)
	assert.Equal(t, 1, f.synth.chapterCalls("Introduction"))
	assert.Equal(t, 1, f.synth.chapterCalls("Part 1"))
}

func TestGenerationOutlastsSingleAttemptTimeout(t *testing.T) {
	f := newFixtureWithAttemptTimeout(t, Config{Concurrency: 1}, 300*time.Millisecond)
	f.synth.block = func(ctx context.Context, _ capability.SynthesisRequest) {
		select {
		case <-ctx.Done():
		case <-time.After(60 * time.Millisecond):
		}
	}
	ctx := context.Background()
	input := sampleInput()
	input.Chapters = 8
	input.TargetWords = 2400
	started, err := f.engine.Start(ctx, input)
	require.NoError(t, err)

	began := time.Now()
	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	require.Nil(t, final.LastError)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)
	assert.Greater(t, time.Since(began), 300*time.Millisecond)
	assert.Len(t, unitRecords(t, final), 8)
}

func TestChapterAttemptTimeoutIsRetried(t *testing.T) {
	f := newFixtureWithAttemptTimeout(t, Config{Concurrency: 2}, 200*time.Millisecond)
	f.synth.block = func(ctx context.Context, request capability.SynthesisRequest) {
		if request.Title == "Part 1" && f.synth.chapterCalls("Part 1") == 1 {
			<-ctx.Done()
		}
	}
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)
	assert.Equal(t, 2, f.synth.chapterCalls("Part 1"))
}

func TestCancelIdleJobIsResumable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(ctx, started.SessionID))
	view, err := f.engine.Status(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, string(failure.KindCanceled), view.Error.Kind)
	assert.True(t, view.Error.Retryable)

	err = f.engine.Cancel(ctx, started.SessionID)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	resumed, err := f.engine.Resume(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageIntake, resumed.CurrentStage)

	final, err := f.engine.Run(ctx, started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, final.CurrentStage)
}

func TestCancelRunningJobKeepsFinishedChapters(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.synth.block = func(_ context.Context, request capability.SynthesisRequest) {
		if request.Title == "Introduction" {
			once.Do(func() { close(entered) })
			<-release
		}
	}
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	done := make(chan domain.JobState, 1)
	go func() {
		state, runErr := f.engine.Run(ctx, started.SessionID)
		assert.NoError(t, runErr)
		done <- state
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("chapter generation never started")
	}
	assert.True(t, f.engine.Running(started.SessionID))
	require.NoError(t, f.engine.Cancel(ctx, started.SessionID))
	close(release)

	var final domain.JobState
	select {
	case final = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.Equal(t, domain.StageFailed, final.CurrentStage)
	require.NotNil(t, final.LastError)
	assert.Equal(t, string(failure.KindCanceled), final.LastError.Kind)
	assert.True(t, final.LastError.Retryable)
	assert.Equal(t, 0, f.synth.chapterCalls("Part 1"))

	record, ok := final.Payload.UnitRecord(1)
	require.True(t, ok)
	assert.Equal(t, domain.UnitStatusCompleted, record.Status)
}

func TestRunRejectsSecondRunOfSameSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	started, err := f.engine.Start(ctx, sampleInput())
	require.NoError(t, err)

	release, err := f.engine.claim(started.SessionID, func() {})
	require.NoError(t, err)
	defer release()

	_, err = f.engine.Run(ctx, started.SessionID)
	assert.ErrorIs(t, err, ErrJobRunning)
	_, err = f.engine.Resume(ctx, started.SessionID)
	assert.ErrorIs(t, err, ErrJobRunning)
}
