package session

import (
	"context"
	"time"

	"github.com/LeventeLantos/session-pool/internal/model"
)

type EventType string

const (
	EventPairing       EventType = "pairing"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventMessage       EventType = "message"
	EventMessageSent   EventType = "message_sent"
	EventDisconnected  EventType = "disconnected"
	EventAuthFailure   EventType = "auth_failure"
)

type Event struct {
	Type         EventType             `json:"type"`
	SessionID    string                `json:"sessionId"`
	Status       model.Status          `json:"status"`
	PairingToken string                `json:"pairingToken,omitempty"`
	Identity     string                `json:"identity,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	MessageID    string                `json:"messageId,omitempty"`
	Message      *model.InboundMessage `json:"message,omitempty"`
	At           time.Time             `json:"at"`
}

// Observer receives lifecycle events for one session, in the order the
// driver emitted them.
type Observer interface {
	OnSessionEvent(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnSessionEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type nopObserver struct{}

func (nopObserver) OnSessionEvent(context.Context, Event) {}
