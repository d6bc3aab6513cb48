package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisCache(rdb, ttl), mr
}

func TestRedisCache_StoreChats_Success(t *testing.T) {
	t.Parallel()

	cache, mr := newRedisCache(t, 30*time.Second)
	ctx := context.Background()

	chats := []model.ChatSummary{
		{ID: "5511999999999@c.us", Name: "Maria", UnreadCount: 2, Timestamp: 1767225600},
	}
	if err := cache.StoreChats(ctx, "a", chats); err != nil {
		t.Fatalf("StoreChats() error: %v", err)
	}

	key := "chats:a"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 {
		t.Fatalf("expected TTL to be set, got %v", ttl)
	}

	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("failed to get key %q: %v", key, err)
	}
	var got chatsValue
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("failed to unmarshal value: %v", err)
	}
	if len(got.Chats) != 1 || got.Chats[0].Name != "Maria" {
		t.Fatalf("unexpected stored chats: %+v", got.Chats)
	}
}

func TestRedisCache_GetChats_HitMissAndExpiry(t *testing.T) {
	t.Parallel()

	cache, mr := newRedisCache(t, 30*time.Second)
	ctx := context.Background()

	if _, ok, err := cache.GetChats(ctx, "a"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := cache.StoreChats(ctx, "a", []model.ChatSummary{{ID: "1", Name: "one"}}); err != nil {
		t.Fatalf("StoreChats() error: %v", err)
	}

	chats, ok, err := cache.GetChats(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(chats) != 1 || chats[0].ID != "1" {
		t.Fatalf("unexpected chats: %+v", chats)
	}

	mr.FastForward(31 * time.Second)

	if _, ok, err := cache.GetChats(ctx, "a"); err != nil || ok {
		t.Fatalf("expected miss after TTL, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCache_Invalidate(t *testing.T) {
	t.Parallel()

	cache, mr := newRedisCache(t, time.Minute)
	ctx := context.Background()

	if err := cache.StoreChats(ctx, "a", nil); err != nil {
		t.Fatalf("StoreChats() error: %v", err)
	}
	if err := cache.Invalidate(ctx, "a"); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if mr.Exists("chats:a") {
		t.Fatalf("expected key to be deleted")
	}
}

func TestRedisCache_ContextCanceled(t *testing.T) {
	t.Parallel()

	cache, _ := newRedisCache(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.StoreChats(ctx, "a", nil); err == nil {
		t.Fatalf("expected error due to canceled context, got nil")
	}
}
