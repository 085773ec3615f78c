package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/longform/internal/failure"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

type BreakerSnapshot struct {
	Name            string
	State           State
	FailureCount    int
	LastFailureTime time.Time
}

// CircuitBreaker guards one capability. It lives in process memory only.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailure   time.Time
	trialInFlight bool
}

type BreakerOption func(*CircuitBreaker)

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		if now != nil {
			b.now = now
		}
	}
}

func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	breaker := &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(breaker)
	}
	return breaker
}

// Call runs fn unless the breaker rejects it. A rejection is a transient
// failure wrapping ErrCircuitOpen; fn is not invoked.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return b.rejection()
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return b.rejection()
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *CircuitBreaker) record(err error) {
	counted := countsAsFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		switch {
		case err == nil:
			b.state = StateClosed
			b.failureCount = 0
		case counted:
			b.state = StateOpen
			b.failureCount++
			b.lastFailure = b.now()
		}
		// An uncounted error proves nothing either way; the next call is
		// another trial.
		return
	}

	if !counted {
		if err == nil {
			b.failureCount = 0
		}
		return
	}
	b.failureCount++
	b.lastFailure = b.now()
	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = StateOpen
	}
}

func (b *CircuitBreaker) rejection() error {
	return failure.Transient("circuit "+b.name, ErrCircuitOpen)
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
	}
}

// Caller mistakes and caller cancellation say nothing about the health of
// the capability behind the breaker.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch failure.KindOf(err) {
	case failure.KindValidation, failure.KindCanceled:
		return false
	default:
		return true
	}
}

// BreakerSet lazily creates one breaker per capability name.
type BreakerSet struct {
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	opts      []BreakerOption

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewBreakerSet(defaults BreakerConfig, overrides map[string]BreakerConfig, opts ...BreakerOption) *BreakerSet {
	copied := make(map[string]BreakerConfig, len(overrides))
	for name, cfg := range overrides {
		copied[name] = cfg
	}
	return &BreakerSet{
		defaults:  defaults,
		overrides: copied,
		opts:      opts,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	breaker, ok := s.breakers[name]
	if ok {
		return breaker
	}
	cfg, ok := s.overrides[name]
	if !ok {
		cfg = s.defaults
	}
	breaker = NewCircuitBreaker(name, cfg, s.opts...)
	s.breakers[name] = breaker
	return breaker
}

func (s *BreakerSet) Call(ctx context.Context, name string, fn func(context.Context) error) error {
	return s.Get(name).Call(ctx, fn)
}

func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, breaker := range s.breakers {
		breakers = append(breakers, breaker)
	}
	s.mu.Unlock()

	snapshots := make([]BreakerSnapshot, 0, len(breakers))
	for _, breaker := range breakers {
		snapshots = append(snapshots, breaker.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })
	return snapshots
}
