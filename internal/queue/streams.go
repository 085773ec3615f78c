package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/longform/internal/domain"
)

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
	// ClaimIdle is how long a delivered message may stay unacknowledged
	// before another consumer takes it over.
	ClaimIdle   time.Duration
}

// StreamsQueue implements Producer and Consumer on top of Redis Streams.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	claimIdle   time.Duration
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "longform_runs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "longform_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		claimIdle:   cfg.ClaimIdle,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.RunMessage) error {
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: streamValues(message),
	}).Result(); err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	if err := q.reclaim(ctx, handler); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handle(ctx, item, handler)
			}
		}
	}
}

// reclaim takes over messages left pending by a consumer that stopped
// mid-run, so an interrupted job is resumed instead of forgotten.
func (q *StreamsQueue) reclaim(ctx context.Context, handler Handler) error {
	start := "0-0"
	for {
		messages, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xautoclaim: %w", err)
		}
		for _, item := range messages {
			q.handle(ctx, item, handler)
		}
		if next == "0-0" || next == "" || ctx.Err() != nil {
			return ctx.Err()
		}
		start = next
	}
}

func (q *StreamsQueue) handle(ctx context.Context, item redis.XMessage, handler Handler) {
	message, err := parseStreamMessage(item)
	if err != nil {
		_ = q.sendToDLQ(ctx, domain.RunMessage{}, item, err.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}
	// A run interrupted by shutdown stays pending for the next consumer.
	if ctx.Err() != nil {
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		_ = q.sendToDLQ(ctx, message, item, handleErr.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}
	if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		_ = q.sendToDLQ(ctx, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	_ = q.ackAndDelete(ctx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, message domain.RunMessage, item redis.XMessage, reason string) error {
	values := streamValues(message)
	values["stream_id"] = item.ID
	values["error"] = reason
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func streamValues(message domain.RunMessage) map[string]any {
	return map[string]any{
		"session_id":   message.SessionID,
		"reason":       message.Reason,
		"attempt":      message.Attempt,
		"requested_at": message.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.RunMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	sessionID, err := getString("session_id")
	if err != nil {
		return domain.RunMessage{}, err
	}
	if sessionID == "" {
		return domain.RunMessage{}, errors.New("empty session_id")
	}
	reason, _ := getString("reason")

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.RunMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.RunMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.RunMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.RunMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}

	return domain.RunMessage{
		SessionID:   sessionID,
		Reason:      reason,
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
