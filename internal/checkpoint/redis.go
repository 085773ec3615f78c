package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// MaxLen caps each session stream; 0 keeps every checkpoint.
	MaxLen int64
}

// RedisStore appends checkpoints to one stream per session. Stream IDs are
// time ordered, so the newest entry is the current checkpoint.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "longform:checkpoints:"
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
	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix, maxLen: cfg.MaxLen}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *RedisStore) Append(ctx context.Context, record Record) error {
	args := &redis.XAddArgs{
		Stream: s.key(record.SessionID),
		Values: map[string]any{
			"session_id": record.SessionID,
			"stage":      string(record.Stage),
			"snapshot":   record.Snapshot,
			"timestamp":  record.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return failure.Transient("xadd checkpoint", err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, sessionID string) (Record, error) {
	messages, err := s.client.XRevRangeN(ctx, s.key(sessionID), "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNoCheckpoint
		}
		return Record{}, failure.Transient("xrevrange checkpoint", err)
	}
	if len(messages) == 0 {
		return Record{}, ErrNoCheckpoint
	}
	return parseRedisRecord(messages[0])
}

// Artifacts are plain keys beside the session stream and are not trimmed
// by MaxLen.
func (s *RedisStore) artifactKey(sessionID, checksum string) string {
	return s.key(sessionID) + ":artifact:" + checksum
}

func (s *RedisStore) PutArtifact(ctx context.Context, sessionID, checksum string, content []byte) error {
	if err := s.client.SetNX(ctx, s.artifactKey(sessionID, checksum), content, 0).Err(); err != nil {
		return failure.Transient("set artifact", err)
	}
	return nil
}

func (s *RedisStore) GetArtifact(ctx context.Context, sessionID, checksum string) ([]byte, error) {
	content, err := s.client.Get(ctx, s.artifactKey(sessionID, checksum)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrArtifactNotFound
		}
		return nil, failure.Transient("get artifact", err)
	}
	return content, nil
}

func parseRedisRecord(message redis.XMessage) (Record, error) {
	field := func(key string) (string, error) {
		value, ok := message.Values[key]
		if !ok {
			return "", fmt.Errorf("checkpoint %s missing field %s", message.ID, key)
		}
		switch typed := value.(type) {
		case string:
			return typed, nil
		case []byte:
			return string(typed), nil
		default:
			return fmt.Sprintf("%v", typed), nil
		}
	}

	sessionID, err := field("session_id")
	if err != nil {
		return Record{}, err
	}
	stage, err := field("stage")
	if err != nil {
		return Record{}, err
	}
	snapshot, err := field("snapshot")
	if err != nil {
		return Record{}, err
	}
	timestamp, err := field("timestamp")
	if err != nil {
		return Record{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("checkpoint %s invalid timestamp: %w", message.ID, err)
	}
	return Record{
		ID:        message.ID,
		SessionID: sessionID,
		Stage:     domain.Stage(stage),
		Snapshot:  []byte(snapshot),
		Timestamp: parsed,
	}, nil
}
