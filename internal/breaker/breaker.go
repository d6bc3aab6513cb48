// Package breaker implements a three-state circuit breaker that races each
// protected call against a fixed timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	ErrOpen    = errors.New("circuit breaker is open")
	ErrTimeout = errors.New("circuit breaker timeout")
)

type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		ResetTimeout:     30 * time.Second,
	}
}

type Snapshot struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	NextAttempt time.Time `json:"nextAttempt"`
	IsOpen      bool      `json:"isOpen"`
}

type Breaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
}

type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.nextAttempt = b.now()
	return b
}

// Execute runs fn under the breaker. See Do.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn under b. While OPEN and before the cool-down elapses, fn is not
// called and ErrOpen is returned. A call that outlives the configured
// timeout is abandoned and reported as ErrTimeout; its context is canceled
// but the goroutine is not waited for.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			b.onFailure()
			return zero, r.err
		}
		b.onSuccess()
		return r.val, nil
	case <-callCtx.Done():
		b.onFailure()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrTimeout
	}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Before(b.nextAttempt) {
		return fmt.Errorf("%w: next attempt at %s", ErrOpen, b.nextAttempt.UTC().Format(time.RFC3339))
	}
	b.state = StateHalfOpen
	slog.Warn("circuit breaker half-open", "breaker", b.cfg.Name)
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		b.successes = 0
		slog.Info("circuit breaker closed", "breaker", b.cfg.Name)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
		slog.Error("circuit breaker opened",
			"breaker", b.cfg.Name,
			"failures", b.failures,
			"next_attempt", b.nextAttempt.UTC().Format(time.RFC3339),
		)
	}
}

func (b *Breaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		NextAttempt: b.nextAttempt,
		IsOpen:      b.state == StateOpen,
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.nextAttempt = b.now()
	slog.Info("circuit breaker reset", "breaker", b.cfg.Name)
}

func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateOpen
	b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
	slog.Warn("circuit breaker forced open", "breaker", b.cfg.Name)
}
