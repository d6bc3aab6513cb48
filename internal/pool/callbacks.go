package pool

import (
	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/session"
)

// Callbacks are the caller-facing lifecycle hooks. Nil fields are skipped.
type Callbacks struct {
	OnPairing      func(sessionID, token string)
	OnReady        func(sessionID, identity string)
	OnMessage      func(sessionID string, msg *model.InboundMessage)
	OnMessageSent  func(sessionID, messageID string)
	OnDisconnected func(sessionID, reason string)
	OnAuthFailure  func(sessionID, reason string)
}

// Merge returns c with every non-nil hook of override taking its place.
func (c Callbacks) Merge(override Callbacks) Callbacks {
	if override.OnPairing != nil {
		c.OnPairing = override.OnPairing
	}
	if override.OnReady != nil {
		c.OnReady = override.OnReady
	}
	if override.OnMessage != nil {
		c.OnMessage = override.OnMessage
	}
	if override.OnMessageSent != nil {
		c.OnMessageSent = override.OnMessageSent
	}
	if override.OnDisconnected != nil {
		c.OnDisconnected = override.OnDisconnected
	}
	if override.OnAuthFailure != nil {
		c.OnAuthFailure = override.OnAuthFailure
	}
	return c
}

func (c Callbacks) dispatch(ev session.Event) {
	switch ev.Type {
	case session.EventPairing:
		if c.OnPairing != nil {
			c.OnPairing(ev.SessionID, ev.PairingToken)
		}
	case session.EventReady:
		if c.OnReady != nil {
			c.OnReady(ev.SessionID, ev.Identity)
		}
	case session.EventMessage:
		if c.OnMessage != nil {
			c.OnMessage(ev.SessionID, ev.Message)
		}
	case session.EventMessageSent:
		if c.OnMessageSent != nil {
			c.OnMessageSent(ev.SessionID, ev.MessageID)
		}
	case session.EventDisconnected:
		if c.OnDisconnected != nil {
			c.OnDisconnected(ev.SessionID, ev.Reason)
		}
	case session.EventAuthFailure:
		if c.OnAuthFailure != nil {
			c.OnAuthFailure(ev.SessionID, ev.Reason)
		}
	}
}
