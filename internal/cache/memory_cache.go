package cache

import (
	"context"
	"sync"
	"time"

	"github.com/LeventeLantos/session-pool/internal/model"
)

type memoryEntry struct {
	chats     []model.ChatSummary
	expiresAt time.Time
}

// MemoryCache is the in-process ChatCache used when Redis is not configured.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) GetChats(ctx context.Context, sessionID string) ([]model.ChatSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := chatsKey(sessionID)
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]model.ChatSummary(nil), e.chats...), true, nil
}

func (c *MemoryCache) StoreChats(ctx context.Context, sessionID string, chats []model.ChatSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chatsKey(sessionID)] = memoryEntry{
		chats:     append([]model.ChatSummary(nil), chats...),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, chatsKey(sessionID))
	return nil
}
