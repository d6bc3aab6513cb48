// Package ratelimit provides sliding-window admission control keyed by
// caller identity.
package ratelimit

import (
	"sync"
	"time"
)

type Status struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	requests map[string][]time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		max:      maxRequests,
		window:   window,
		now:      time.Now,
		requests: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request for key and reports whether it is admitted.
// Rejected requests are not recorded.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.evict(key, now)
	if len(valid) >= l.max {
		return false
	}
	l.requests[key] = append(valid, now)
	return true
}

func (l *Limiter) Status(key string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.evict(key, now)

	resetAt := now.Add(l.window)
	if len(valid) > 0 {
		resetAt = valid[0].Add(l.window)
	}
	return Status{
		Limit:     l.max,
		Remaining: max(0, l.max-len(valid)),
		ResetAt:   resetAt,
	}
}

func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, key)
}

// Cleanup drops keys whose requests have all left the window.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key := range l.requests {
		if len(l.evict(key, now)) == 0 {
			delete(l.requests, key)
		}
	}
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// evict must be called with mu held.
func (l *Limiter) evict(key string, now time.Time) []time.Time {
	ts := l.requests[key]
	start := now.Add(-l.window)

	i := 0
	for i < len(ts) && !ts[i].After(start) {
		i++
	}
	if i > 0 {
		ts = append([]time.Time(nil), ts[i:]...)
		if len(ts) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = ts
		}
	}
	return ts
}
