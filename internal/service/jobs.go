package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/pipeline"
	"github.com/iago/longform/internal/queue"
)

// Run request reasons carried on queue messages.
const (
	ReasonStart  = "start"
	ReasonResume = "resume"
	ReasonReview = "review"
)

// Orchestrator is the job control surface of the pipeline engine.
type Orchestrator interface {
	Start(ctx context.Context, input pipeline.Input) (domain.JobState, error)
	Resume(ctx context.Context, sessionID string) (domain.JobState, error)
	Status(ctx context.Context, sessionID string) (pipeline.StatusView, error)
	Cancel(ctx context.Context, sessionID string) error
	Review(ctx context.Context, sessionID string, decision domain.ReviewDecision) (domain.JobState, error)
	Document(ctx context.Context, sessionID string) (pipeline.Document, error)
}

// JobsService pairs job control with the queue so every operation that
// leaves a job runnable also schedules a run.
type JobsService struct {
	engine   Orchestrator
	producer queue.Producer
	logger   *log.Logger
	now      func() time.Time
}

func NewJobsService(engine Orchestrator, producer queue.Producer, logger *log.Logger) *JobsService {
	return &JobsService{engine: engine, producer: producer, logger: logger, now: time.Now}
}

func (s *JobsService) Start(ctx context.Context, input pipeline.Input) (pipeline.StatusView, error) {
	state, err := s.engine.Start(ctx, input)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	if err := s.schedule(ctx, state.SessionID, ReasonStart); err != nil {
		// The job is checkpointed; resume schedules it again.
		if cancelErr := s.engine.Cancel(context.WithoutCancel(ctx), state.SessionID); cancelErr != nil {
			s.logf("mark unscheduled job failed session_id=%s err=%v", state.SessionID, cancelErr)
		}
		return pipeline.StatusView{}, err
	}
	return s.engine.Status(ctx, state.SessionID)
}

func (s *JobsService) Resume(ctx context.Context, sessionID string) (pipeline.StatusView, error) {
	state, err := s.engine.Resume(ctx, sessionID)
	if err != nil {
		return pipeline.StatusView{}, err
	}
	if state.Status == domain.JobStatusActive {
		if err := s.schedule(ctx, sessionID, ReasonResume); err != nil {
			return pipeline.StatusView{}, err
		}
	}
	return s.engine.Status(ctx, sessionID)
}

func (s *JobsService) Status(ctx context.Context, sessionID string) (pipeline.StatusView, error) {
	return s.engine.Status(ctx, sessionID)
}

func (s *JobsService) Cancel(ctx context.Context, sessionID string) (pipeline.StatusView, error) {
	if err := s.engine.Cancel(ctx, sessionID); err != nil {
		return pipeline.StatusView{}, err
	}
	return s.engine.Status(ctx, sessionID)
}

func (s *JobsService) Review(ctx context.Context, sessionID string, decision domain.ReviewDecision) (pipeline.StatusView, error) {
	if _, err := s.engine.Review(ctx, sessionID, decision); err != nil {
		return pipeline.StatusView{}, err
	}
	if err := s.schedule(ctx, sessionID, ReasonReview); err != nil {
		return pipeline.StatusView{}, err
	}
	return s.engine.Status(ctx, sessionID)
}

func (s *JobsService) Document(ctx context.Context, sessionID string) (pipeline.Document, error) {
	return s.engine.Document(ctx, sessionID)
}

func (s *JobsService) schedule(ctx context.Context, sessionID, reason string) error {
	message := domain.RunMessage{
		SessionID:   sessionID,
		Reason:      reason,
		RequestedAt: s.now().UTC(),
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	s.logf("run scheduled session_id=%s reason=%s", sessionID, reason)
	return nil
}

func (s *JobsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
