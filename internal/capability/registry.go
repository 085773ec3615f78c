// Package capability is the single boundary between the orchestration core
// and its external collaborators. Every invocation passes through the same
// middleware: cancellation gate, optional rate limit, circuit breaker and a
// per-call timeout.
package capability

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iago/longform/internal/failure"
	"github.com/iago/longform/internal/resilience"
)

const (
	ContentSynthesis  = "content_synthesis"
	DocumentRendering = "document_rendering"
	AuxiliaryLookup   = "auxiliary_lookup"
	StateStore        = "state_store"
)

// Params is the opaque parameter bag handed to a capability.
type Params map[string]any

// Func performs one capability call.
type Func func(ctx context.Context, params Params) (any, error)

type entry struct {
	fn                Func
	timeout           time.Duration
	limiter           *rate.Limiter
	alwaysRecoverable bool
}

type Option func(*entry)

// WithTimeout bounds every call of the capability.
func WithTimeout(d time.Duration) Option {
	return func(e *entry) {
		e.timeout = d
	}
}

// WithRateLimit throttles calls to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *entry) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// BestEffort marks every failure of the capability as transient so callers
// can retry or skip it.
func BestEffort() Option {
	return func(e *entry) {
		e.alwaysRecoverable = true
	}
}

// Registry maps capability names to implementations.
type Registry struct {
	breakers *resilience.BreakerSet
	logger   *log.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry(breakers *resilience.BreakerSet, logger *log.Logger) *Registry {
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.DefaultBreakerConfig(), nil)
	}
	return &Registry{
		breakers: breakers,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

func (r *Registry) Register(name string, fn Func, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("capability: name is required")
	}
	if fn == nil {
		return fmt.Errorf("capability: func is required for %s", name)
	}
	e := &entry{fn: fn}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("capability: %s already registered", name)
	}
	r.entries[name] = e
	return nil
}

func (r *Registry) MustRegister(name string, fn Func, opts ...Option) {
	if err := r.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Breakers() *resilience.BreakerSet {
	return r.breakers
}

// Invoke calls the named capability. A canceled ctx refuses new calls, but a
// call that has started runs on a context detached from cancellation. It is
// still bounded by the earlier of ctx's deadline and the capability timeout.
func (r *Registry) Invoke(ctx context.Context, name string, params Params) (any, error) {
	op := "capability " + name

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, failure.New(failure.KindStructural, op, "capability not registered")
	}

	if err := ctx.Err(); err != nil {
		return nil, failure.FromContext(op, err)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, failure.FromContext(op, ctxErr)
			}
			// The limiter refuses up front when the wait would outlast the deadline.
			return nil, failure.Transient(op, err)
		}
	}

	callCtx, cancel := detach(ctx, e.timeout)
	defer cancel()

	var result any
	err := r.breakers.Call(callCtx, name, func(callCtx context.Context) error {
		var callErr error
		result, callErr = e.fn(callCtx, params)
		return callErr
	})
	if err != nil {
		kind := failure.KindOf(err)
		if e.alwaysRecoverable && kind != failure.KindCanceled {
			kind = failure.KindTransient
		}
		if r.logger != nil {
			r.logger.Printf("capability call failed name=%s kind=%s err=%v", name, kind, err)
		}
		return nil, failure.Wrap(kind, op, err)
	}
	return result, nil
}

func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	deadline, bounded := ctx.Deadline()
	if timeout > 0 {
		if own := time.Now().Add(timeout); !bounded || own.Before(deadline) {
			deadline, bounded = own, true
		}
	}
	detached := context.WithoutCancel(ctx)
	if !bounded {
		return detached, func() {}
	}
	return context.WithDeadline(detached, deadline)
}

// InvokeAs calls the capability and asserts the result type.
func InvokeAs[T any](ctx context.Context, r *Registry, name string, params Params) (T, error) {
	var zero T
	result, err := r.Invoke(ctx, name, params)
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, failure.New(failure.KindPermanent, "capability "+name, fmt.Sprintf("unexpected result type %T", result))
	}
	return typed, nil
}
