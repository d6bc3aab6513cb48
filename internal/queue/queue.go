// Package queue holds outbound sends that could not be delivered because
// their session was not ready or the driver failed.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultMaxAttempts = 5

type Entry struct {
	SessionID   string    `json:"sessionId"`
	Destination string    `json:"destination"`
	Text        string    `json:"text"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// DeadLetterSink receives entries that exhausted their delivery attempts.
type DeadLetterSink interface {
	StoreDeadLetter(ctx context.Context, e Entry) error
}

// SendFunc attempts delivery of one entry.
type SendFunc func(ctx context.Context, e Entry) error

type Result struct {
	Sent         int
	Retained     int
	DeadLettered int
	Skipped      bool
}

type Queue struct {
	maxAttempts int
	deadLetters DeadLetterSink
	now         func() time.Time

	processing atomic.Bool

	mu    sync.Mutex
	items []Entry
}

type Option func(*Queue)

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(q *Queue) {
		q.deadLetters = s
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends e with a fresh attempt counter.
func (q *Queue) Enqueue(e Entry) {
	e.Attempts = 0
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now().UTC()
	}

	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.items))
	copy(out, q.items)
	return out
}

// Process attempts every queued entry.
func (q *Queue) Process(ctx context.Context, send SendFunc) Result {
	return q.process(ctx, func(Entry) bool { return true }, send)
}

// Drain attempts only the entries addressed to sessionID; other entries are
// left untouched.
func (q *Queue) Drain(ctx context.Context, sessionID string, send SendFunc) Result {
	return q.process(ctx, func(e Entry) bool { return e.SessionID == sessionID }, send)
}

// process runs at most one drain at a time; a concurrent call returns
// immediately with Skipped set. Entries enqueued while a drain runs are kept
// behind the retained ones.
func (q *Queue) process(ctx context.Context, match func(Entry) bool, send SendFunc) Result {
	if !q.processing.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer q.processing.Store(false)

	q.mu.Lock()
	var batch, rest []Entry
	for _, e := range q.items {
		if match(e) {
			batch = append(batch, e)
		} else {
			rest = append(rest, e)
		}
	}
	q.items = rest
	q.mu.Unlock()

	var res Result
	var retained []Entry
	for i, e := range batch {
		if ctx.Err() != nil {
			retained = append(retained, batch[i:]...)
			break
		}

		err := send(ctx, e)
		if err == nil {
			res.Sent++
			continue
		}

		e.Attempts++
		e.LastError = err.Error()
		if e.Attempts < q.maxAttempts {
			retained = append(retained, e)
			continue
		}
		res.DeadLettered++
		q.deadLetter(ctx, e)
	}
	res.Retained = len(retained)

	if len(retained) > 0 {
		q.mu.Lock()
		q.items = append(retained, q.items...)
		q.mu.Unlock()
	}
	return res
}

func (q *Queue) deadLetter(ctx context.Context, e Entry) {
	slog.Warn("queue entry exhausted delivery attempts",
		"session_id", e.SessionID,
		"destination", e.Destination,
		"attempts", e.Attempts,
		"enqueued_at", e.EnqueuedAt,
		"last_error", e.LastError,
	)
	if q.deadLetters == nil {
		return
	}
	if err := q.deadLetters.StoreDeadLetter(context.WithoutCancel(ctx), e); err != nil {
		slog.Error("dead letter store failed", "session_id", e.SessionID, "error", err)
	}
}
