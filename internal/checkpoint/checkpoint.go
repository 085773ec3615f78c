// Package checkpoint persists size-bounded snapshots of job state to an
// append-only log and rebuilds the current state from the latest entry.
package checkpoint

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/iago/longform/internal/capability"
	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
	"github.com/iago/longform/internal/resilience"
	"github.com/iago/longform/internal/stage"
)

var ErrNoCheckpoint = errors.New("no checkpoint for session")

// Record is one immutable entry of the checkpoint log.
type Record struct {
	ID        string       `json:"id,omitempty"`
	SessionID string       `json:"session_id"`
	Stage     domain.Stage `json:"stage"`
	Snapshot  []byte       `json:"snapshot"`
	Timestamp time.Time    `json:"timestamp"`
}

// Store is an append-only checkpoint log keyed by session. Latest returns
// the record with the greatest timestamp; on ties the later append wins.
type Store interface {
	Append(ctx context.Context, record Record) error
	Latest(ctx context.Context, sessionID string) (Record, error)
}

type Config struct {
	Projection ProjectionConfig
	Retry      resilience.Policy
}

type Manager struct {
	store     Store
	projector *Projector
	retry     resilience.Policy
	breakers  *resilience.BreakerSet
	logger    *log.Logger
	now       func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithBreakers shares the capability breakers so state store outages trip
// the same breaker that health reporting reads.
func WithBreakers(breakers *resilience.BreakerSet) Option {
	return func(m *Manager) {
		if breakers != nil {
			m.breakers = breakers
		}
	}
}

func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	projector, err := NewProjector(cfg.Projection)
	if err != nil {
		return nil, err
	}
	if cfg.Retry == (resilience.Policy{}) {
		cfg.Retry = resilience.Policy{
			MaxRetries:        3,
			InitialDelay:      100 * time.Millisecond,
			BackoffMultiplier: 2,
			MaxDelay:          2 * time.Second,
			Timeout:           10 * time.Second,
		}
	}
	m := &Manager{
		store:     store,
		projector: projector,
		retry:     cfg.Retry,
		breakers:  resilience.NewBreakerSet(resilience.DefaultBreakerConfig(), nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Save appends a checkpoint of state. It is safe to call from one writer per
// session; the store serializes concurrent sessions.
func (m *Manager) Save(ctx context.Context, state domain.JobState) error {
	snapshot, dropped, err := m.projector.Encode(state)
	if err != nil {
		return failure.Permanent("checkpoint encode", err)
	}
	if len(dropped) > 0 {
		m.logf("checkpoint projection dropped fields session_id=%s keys=%v", state.SessionID, dropped)
	}
	record := Record{
		SessionID: state.SessionID,
		Stage:     state.CurrentStage,
		Snapshot:  snapshot,
		Timestamp: m.now().UTC(),
	}
	return m.guard(ctx, "checkpoint save", func(ctx context.Context) error {
		return m.store.Append(ctx, record)
	})
}

// Recover rebuilds the current state of a session. A session with no
// checkpoint starts fresh at intake. Recover never writes, so repeated calls
// return equal states.
func (m *Manager) Recover(ctx context.Context, sessionID string) (domain.JobState, bool, error) {
	var record Record
	err := m.guard(ctx, "checkpoint recover", func(ctx context.Context) error {
		var latestErr error
		record, latestErr = m.store.Latest(ctx, sessionID)
		if errors.Is(latestErr, ErrNoCheckpoint) {
			return nil
		}
		return latestErr
	})
	if err != nil {
		return domain.JobState{}, false, err
	}
	if record.SessionID == "" {
		return domain.NewJobState(sessionID, m.now()), false, nil
	}

	state, err := m.projector.Decode(record.Snapshot)
	if err != nil {
		return domain.JobState{}, false, failure.Permanent("checkpoint decode", err)
	}
	return backfill(state, sessionID, record), true, nil
}

func (m *Manager) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	return resilience.Retry(ctx, op, m.retry, func(ctx context.Context) error {
		return m.breakers.Call(ctx, capability.StateStore, fn)
	}, resilience.OnRetry(func(attempt int, delay time.Duration, err error) {
		m.logf("%s retry attempt=%d delay=%s err=%v", op, attempt, delay, err)
	}))
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// backfill fills fields that snapshots written by older schema versions lack.
func backfill(state domain.JobState, sessionID string, record Record) domain.JobState {
	if state.SessionID == "" {
		state.SessionID = sessionID
	}
	if state.CurrentStage == "" {
		state.CurrentStage = record.Stage
	}
	if state.CurrentStage == "" {
		state.CurrentStage = domain.StageIntake
	}
	if state.Status == "" {
		switch state.CurrentStage {
		case domain.StageCompleted:
			state.Status = domain.JobStatusCompleted
		case domain.StageFailed:
			state.Status = domain.JobStatusFailed
		default:
			state.Status = domain.JobStatusActive
		}
	}
	if state.Payload == nil {
		state.Payload = domain.Payload{}
	}
	if state.Progress.OverallProgress == 0 {
		state.Progress.OverallProgress = stage.Weight(state.CurrentStage)
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = record.Timestamp.UTC()
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = state.CreatedAt
	}
	if state.SchemaVersion < domain.SchemaVersion {
		state.SchemaVersion = domain.SchemaVersion
	}
	return state
}
