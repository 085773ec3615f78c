package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/iago/longform/internal/domain"
)

// LocalQueue is an in-process queue used when Redis is not configured.
// Messages do not survive a restart; jobs are still recoverable from their
// checkpoints.
type LocalQueue struct {
	ch          chan domain.RunMessage
	maxAttempts int
	retryDelay  time.Duration
	logger      *log.Logger

	dlqMu sync.Mutex
	dlq   []domain.RunMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan domain.RunMessage, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		logger:      logger,
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.RunMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				if q.logger != nil {
					q.logger.Printf("local queue moved message to DLQ session_id=%s reason=%s err=%v", message.SessionID, message.Reason, err)
				}
				continue
			}

			delay := time.Duration(message.Attempt) * q.retryDelay
			go func(retry domain.RunMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
					select {
					case q.ch <- retry:
					case <-ctx.Done():
					}
				}
			}(message)
		}
	}
}

// DeadLetters returns a copy of the messages that ran out of attempts.
func (q *LocalQueue) DeadLetters() []domain.RunMessage {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]domain.RunMessage(nil), q.dlq...)
}
