// Package repo stores queue entries that exhausted their delivery attempts.
package repo

import (
	"context"
	"sync"
	"time"

	"github.com/LeventeLantos/session-pool/internal/queue"
)

type DeadLetter struct {
	ID int64 `json:"id"`
	queue.Entry
	DeadAt time.Time `json:"deadAt"`
}

type DeadLetterRepository interface {
	StoreDeadLetter(ctx context.Context, e queue.Entry) error
	ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error)
}

// MemoryDeadLetterRepo keeps the most recent dead letters in process. Used
// when no database is configured.
type MemoryDeadLetterRepo struct {
	capacity int
	now      func() time.Time

	mu     sync.Mutex
	nextID int64
	items  []DeadLetter
}

func NewMemoryDeadLetterRepo(capacity int) *MemoryDeadLetterRepo {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetterRepo{capacity: capacity, now: time.Now}
}

func (r *MemoryDeadLetterRepo) StoreDeadLetter(ctx context.Context, e queue.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.items = append(r.items, DeadLetter{ID: r.nextID, Entry: e, DeadAt: r.now().UTC()})
	if over := len(r.items) - r.capacity; over > 0 {
		r.items = append([]DeadLetter(nil), r.items[over:]...)
	}
	return nil
}

// ListDeadLetters returns newest first.
func (r *MemoryDeadLetterRepo) ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := []DeadLetter{}
	for i := len(r.items) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.items[i])
	}
	return out, nil
}
