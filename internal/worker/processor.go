package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/pipeline"
	"github.com/iago/longform/internal/queue"
)

// JobRunner drives one job from its latest checkpoint.
type JobRunner interface {
	Run(ctx context.Context, sessionID string) (domain.JobState, error)
}

// Processor consumes run requests and hands them to the engine.
type Processor struct {
	consumer queue.Consumer
	runner   JobRunner
	logger   *log.Logger
	backoff  time.Duration
}

func NewProcessor(consumer queue.Consumer, runner JobRunner, logger *log.Logger) *Processor {
	return &Processor{
		consumer: consumer,
		runner:   runner,
		logger:   logger,
		backoff:  2 * time.Second,
	}
}

// Start blocks until ctx is canceled, restarting the consume loop after
// backend errors.
func (p *Processor) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logf("worker consume loop error: %v", err)

		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// processMessage returns an error only when running the job again could
// help. Stage failures are already recorded on the job itself.
func (p *Processor) processMessage(ctx context.Context, message domain.RunMessage) error {
	started := time.Now()
	state, err := p.runner.Run(ctx, message.SessionID)
	switch {
	case errors.Is(err, pipeline.ErrJobRunning):
		p.logf("job already running, dropping message session_id=%s reason=%s", message.SessionID, message.Reason)
		return nil
	case errors.Is(err, pipeline.ErrJobNotFound):
		p.logf("job not found, dropping message session_id=%s", message.SessionID)
		return nil
	case err != nil:
		return fmt.Errorf("run job %s: %w", message.SessionID, err)
	}

	p.logf("job processed session_id=%s reason=%s attempt=%d stage=%s status=%s elapsed=%s",
		state.SessionID, message.Reason, message.Attempt, state.CurrentStage, state.Status, time.Since(started).Round(time.Millisecond))
	return nil
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
