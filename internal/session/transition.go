package session

import (
	"errors"
	"fmt"

	"github.com/LeventeLantos/session-pool/internal/model"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// Trigger is an input to the session state machine.
type Trigger string

const (
	TriggerInitialize    Trigger = "initialize"
	TriggerPairing       Trigger = "pairing"
	TriggerAuthenticated Trigger = "authenticated"
	TriggerReady         Trigger = "ready"
	TriggerDisconnected  Trigger = "disconnected"
	TriggerAuthFailure   Trigger = "auth_failure"
	TriggerInitFailed    Trigger = "init_failed"
	TriggerLogout        Trigger = "logout"
)

var transitions = map[model.Status]map[Trigger]model.Status{
	model.StatusIdle: {
		TriggerInitialize: model.StatusInitializing,
		TriggerLogout:     model.StatusIdle,
	},
	model.StatusInitializing: {
		TriggerPairing:       model.StatusPairingReady,
		TriggerAuthenticated: model.StatusAuthenticated,
		TriggerReady:         model.StatusReady,
		TriggerDisconnected:  model.StatusDisconnected,
		TriggerAuthFailure:   model.StatusError,
		TriggerInitFailed:    model.StatusError,
		TriggerLogout:        model.StatusIdle,
	},
	model.StatusPairingReady: {
		TriggerPairing:       model.StatusPairingReady,
		TriggerAuthenticated: model.StatusAuthenticated,
		TriggerDisconnected:  model.StatusDisconnected,
		TriggerAuthFailure:   model.StatusError,
		TriggerLogout:        model.StatusIdle,
	},
	model.StatusAuthenticated: {
		TriggerReady:        model.StatusReady,
		TriggerDisconnected: model.StatusDisconnected,
		TriggerAuthFailure:  model.StatusError,
		TriggerLogout:       model.StatusIdle,
	},
	model.StatusReady: {
		TriggerDisconnected: model.StatusDisconnected,
		TriggerAuthFailure:  model.StatusError,
		TriggerLogout:       model.StatusIdle,
	},
	model.StatusDisconnected: {
		TriggerInitialize:   model.StatusInitializing,
		TriggerDisconnected: model.StatusDisconnected,
		TriggerLogout:       model.StatusIdle,
	},
	model.StatusError: {
		TriggerInitialize:   model.StatusInitializing,
		TriggerDisconnected: model.StatusDisconnected,
		TriggerAuthFailure:  model.StatusError,
		TriggerLogout:       model.StatusIdle,
	},
}

// Transition returns the status reached from `from` on trigger t, or
// ErrInvalidTransition when the table has no such edge.
func Transition(from model.Status, t Trigger) (model.Status, error) {
	if to, ok := transitions[from][t]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, t)
}
