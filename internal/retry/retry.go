// Package retry computes exponential backoff delays and re-runs failing
// operations while their errors are classified as transient.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// ShouldRetryFunc decides whether a failed attempt (1-based) is worth repeating.
type ShouldRetryFunc func(err error, attempt int) bool

// OnRetryFunc is invoked before sleeping between attempts.
type OnRetryFunc func(err error, attempt int, delay time.Duration)

type executeOptions struct {
	maxAttempts int
	shouldRetry ShouldRetryFunc
	onRetry     OnRetryFunc
}

type Option func(*executeOptions)

func WithMaxAttempts(n int) Option {
	return func(o *executeOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithShouldRetry(fn ShouldRetryFunc) Option {
	return func(o *executeOptions) {
		if fn != nil {
			o.shouldRetry = fn
		}
	}
}

func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *executeOptions) {
		o.onRetry = fn
	}
}

// Network suits idempotent calls to remote HTTP services.
func Network() Policy {
	return Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2, Jitter: true}
}

// Messaging suits calls into a messaging session driver.
func Messaging() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Factor: 2, Jitter: true}
}

func Critical() Policy {
	return Policy{MaxAttempts: 10, InitialDelay: 500 * time.Millisecond, MaxDelay: time.Minute, Factor: 2, Jitter: true}
}

// None runs the operation exactly once.
func None() Policy {
	return Policy{MaxAttempts: 1, Factor: 1}
}

// Delay returns the wait before the attempt following attempt N (1-based):
// min(InitialDelay * Factor^(N-1), MaxDelay), scaled into [0.5, 1.0] when
// Jitter is set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1.0 {
		factor = 1.0
	}
	delay := float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay = delay * (0.5 + rand.Float64()*0.5)
	}
	return time.Duration(delay)
}

// Execute calls fn until it succeeds, the attempt budget is spent, or the
// error is not retryable. The last error is returned unchanged.
func (p Policy) Execute(ctx context.Context, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	o := executeOptions{
		maxAttempts: p.MaxAttempts,
		shouldRetry: IsRetryable,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == o.maxAttempts || !o.shouldRetry(err, attempt) {
			return err
		}

		delay := p.Delay(attempt)
		slog.Warn("retry attempt failed",
			"attempt", attempt,
			"max_attempts", o.maxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if o.onRetry != nil {
			o.onRetry(err, attempt, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
