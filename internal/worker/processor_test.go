package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/pipeline"
	"github.com/iago/longform/internal/queue"
)

type stubRunner struct {
	err   error
	calls chan string
}

func (r *stubRunner) Run(_ context.Context, sessionID string) (domain.JobState, error) {
	r.calls <- sessionID
	if r.err != nil {
		return domain.JobState{}, r.err
	}
	return domain.JobState{SessionID: sessionID, CurrentStage: domain.StageCompleted, Status: domain.JobStatusCompleted}, nil
}

func TestProcessMessageSwallowsBusyAndMissingJobs(t *testing.T) {
	for _, err := range []error{pipeline.ErrJobRunning, pipeline.ErrJobNotFound, nil} {
		runner := &stubRunner{err: err, calls: make(chan string, 1)}
		processor := NewProcessor(nil, runner, nil)
		if got := processor.processMessage(context.Background(), domain.RunMessage{SessionID: "s-1"}); got != nil {
			t.Fatalf("expected nil for %v, got %v", err, got)
		}
	}
}

func TestProcessMessageReturnsInfrastructureErrors(t *testing.T) {
	runner := &stubRunner{err: errors.New("redis down"), calls: make(chan string, 1)}
	processor := NewProcessor(nil, runner, nil)
	if err := processor.processMessage(context.Background(), domain.RunMessage{SessionID: "s-1"}); err == nil {
		t.Fatalf("expected error to be returned for redelivery")
	}
}

func TestStartConsumesUntilCanceled(t *testing.T) {
	local := queue.NewLocalQueue(4, 3, nil)
	runner := &stubRunner{calls: make(chan string, 2)}
	processor := NewProcessor(local, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	if err := local.Enqueue(ctx, domain.RunMessage{SessionID: "s-9", Reason: "start"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case id := <-runner.calls:
		if id != "s-9" {
			t.Fatalf("expected s-9, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message was not processed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("processor did not stop")
	}
}
