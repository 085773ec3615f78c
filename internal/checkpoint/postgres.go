package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_checkpoints (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT        NOT NULL,
	stage      TEXT        NOT NULL,
	snapshot   BYTEA       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS job_checkpoints_session_latest
	ON job_checkpoints (session_id, created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS job_artifacts (
	session_id TEXT        NOT NULL,
	checksum   TEXT        NOT NULL,
	content    BYTEA       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, checksum)
);
`

// PostgresStore keeps the checkpoint log in an insert-only table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, record Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_checkpoints (session_id, stage, snapshot, created_at)
		VALUES ($1, $2, $3, $4)
	`,
		record.SessionID,
		string(record.Stage),
		record.Snapshot,
		record.Timestamp,
	)
	if err != nil {
		return failure.Transient("insert checkpoint", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (Record, error) {
	var (
		id        int64
		record    Record
		stage     string
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, stage, snapshot, created_at
		FROM job_checkpoints
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sessionID).Scan(&id, &record.SessionID, &stage, &record.Snapshot, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNoCheckpoint
		}
		return Record{}, failure.Transient("query checkpoint", err)
	}
	record.ID = strconv.FormatInt(id, 10)
	record.Stage = domain.Stage(stage)
	record.Timestamp = createdAt.UTC()
	return record, nil
}

func (s *PostgresStore) PutArtifact(ctx context.Context, sessionID, checksum string, content []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_artifacts (session_id, checksum, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, checksum) DO NOTHING
	`, sessionID, checksum, content)
	if err != nil {
		return failure.Transient("insert artifact", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, sessionID, checksum string) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx, `
		SELECT content FROM job_artifacts
		WHERE session_id = $1 AND checksum = $2
	`, sessionID, checksum).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, failure.Transient("query artifact", err)
	}
	return content, nil
}
