// Package events forwards session lifecycle and inbound message events to
// downstream consumers.
package events

import (
	"context"
	"log/slog"

	"github.com/LeventeLantos/session-pool/internal/session"
)

type Publisher interface {
	Publish(ctx context.Context, ev session.Event) error
	Close() error
}

// LogPublisher writes events to slog. Used when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, ev session.Event) error {
	slog.InfoContext(ctx, "session event",
		"type", ev.Type,
		"session_id", ev.SessionID,
		"status", ev.Status,
		"reason", ev.Reason,
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
