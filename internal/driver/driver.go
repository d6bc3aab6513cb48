// Package driver defines the contract between a session handle and the
// protocol client that pairs, authenticates and exchanges messages with the
// remote network.
package driver

import (
	"context"
	"errors"

	"github.com/LeventeLantos/session-pool/internal/model"
)

// State is the driver's own view of its connection.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateOpening      State = "OPENING"
	StatePairing      State = "PAIRING"
	StateTimeout      State = "TIMEOUT"
	StateConflict     State = "CONFLICT"
	StateUnpaired     State = "UNPAIRED"
	StateDisconnected State = "DISCONNECTED"
	StateUnknown      State = "UNKNOWN"
)

type EventKind string

const (
	EventPairingChallenge EventKind = "pairing"
	EventAuthenticated    EventKind = "authenticated"
	EventReady            EventKind = "ready"
	EventMessage          EventKind = "message"
	EventDisconnected     EventKind = "disconnected"
	EventAuthFailure      EventKind = "auth_failure"
)

// Event is emitted by a driver. Payload carries the pairing challenge,
// the resolved identity on ready, or the reason on disconnect/auth failure.
type Event struct {
	Kind    EventKind             `json:"type"`
	Payload string                `json:"payload,omitempty"`
	Message *model.InboundMessage `json:"message,omitempty"`
}

// EventHandler must not block for long; drivers call it from their own
// goroutines.
type EventHandler func(Event)

type Driver interface {
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, to, text string) (messageID string, err error)
	Chats(ctx context.Context) ([]model.ChatSummary, error)
	State(ctx context.Context) (State, error)
	Destroy(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Factory builds a fresh driver for sessionID that reports through emit.
type Factory func(sessionID string, emit EventHandler) (Driver, error)

var ErrUnknownEvent = errors.New("unknown driver event")

func (k EventKind) Valid() bool {
	switch k {
	case EventPairingChallenge, EventAuthenticated, EventReady, EventMessage, EventDisconnected, EventAuthFailure:
		return true
	}
	return false
}
