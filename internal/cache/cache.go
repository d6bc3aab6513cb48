package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/session-pool/internal/model"
)

const DefaultChatsTTL = 30 * time.Second

// ChatCache stores a session's chat list for a short TTL.
type ChatCache interface {
	GetChats(ctx context.Context, sessionID string) ([]model.ChatSummary, bool, error)
	StoreChats(ctx context.Context, sessionID string, chats []model.ChatSummary) error
	Invalidate(ctx context.Context, sessionID string) error
}

func chatsKey(sessionID string) string {
	return "chats:" + sessionID
}
