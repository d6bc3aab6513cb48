package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type chatsValue struct {
	Chats    []model.ChatSummary `json:"chats"`
	CachedAt time.Time           `json:"cachedAt"`
}

func (c *RedisCache) GetChats(ctx context.Context, sessionID string) ([]model.ChatSummary, bool, error) {
	raw, err := c.rdb.Get(ctx, chatsKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var v chatsValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, err
	}
	return v.Chats, true, nil
}

func (c *RedisCache) StoreChats(ctx context.Context, sessionID string, chats []model.ChatSummary) error {
	b, err := json.Marshal(chatsValue{
		Chats:    chats,
		CachedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, chatsKey(sessionID), b, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, chatsKey(sessionID)).Err()
}
