package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/iago/longform/internal/failure"
)

// Policy bounds how often and how patiently an operation is retried.
// MaxRetries counts retries, so an operation runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Timeout           time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
		Timeout:           2 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

func (p Policy) schedule() *backoff.ExponentialBackOff {
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.BackoffMultiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	schedule.Reset()
	return schedule
}

// Delays lists the wait before each retry: min(initial*multiplier^n, max).
func (p Policy) Delays() []time.Duration {
	p = p.normalized()
	schedule := p.schedule()
	delays := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		delays = append(delays, clampDelay(schedule.NextBackOff(), p.MaxDelay))
	}
	return delays
}

type retryOptions struct {
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, delay time.Duration, err error)
}

type RetryOption func(*retryOptions)

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(o *retryOptions) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// OnRetry is invoked before every wait with the failed attempt number.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(o *retryOptions) {
		o.onRetry = fn
	}
}

// Retry runs fn until it succeeds, fails with a non-recoverable error, or the
// policy runs out of retries. Every attempt is bounded by policy.Timeout.
// The final error of an exhausted loop is tagged failure.KindExhausted and
// keeps the last attempt's error as its cause.
func Retry(ctx context.Context, op string, policy Policy, fn func(context.Context) error, opts ...RetryOption) error {
	options := retryOptions{sleep: sleepContext}
	for _, opt := range opts {
		opt(&options)
	}

	policy = policy.normalized()
	schedule := policy.schedule()

	for attempt := 1; ; attempt++ {
		err := runAttempt(ctx, policy.Timeout, fn)
		if err == nil {
			return nil
		}
		if !failure.Recoverable(err) {
			return err
		}
		if attempt > policy.MaxRetries {
			return failure.Exhausted(op, attempt, err)
		}
		if ctx.Err() != nil {
			return failure.FromContext(op, ctx.Err())
		}

		delay := clampDelay(schedule.NextBackOff(), policy.MaxDelay)
		if options.onRetry != nil {
			options.onRetry(attempt, delay, err)
		}
		if sleepErr := options.sleep(ctx, delay); sleepErr != nil {
			return failure.FromContext(op, sleepErr)
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func clampDelay(delay, max time.Duration) time.Duration {
	if delay < 0 || delay > max {
		return max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
