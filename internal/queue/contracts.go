// Package queue carries run requests from the API to the workers that
// drive jobs forward.
package queue

import (
	"context"

	"github.com/iago/longform/internal/domain"
)

// Producer sends run requests to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.RunMessage) error
}

// Consumer receives run requests and executes handlers. A handler error
// redelivers the message until the backend's attempt limit is reached.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

type Handler func(ctx context.Context, message domain.RunMessage) error
