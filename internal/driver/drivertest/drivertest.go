// Package drivertest provides a scriptable in-memory driver.Driver.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/model"
)

var ErrSendFailed = errors.New("drivertest: send failed")

type Sent struct {
	To   string
	Text string
}

// Driver records calls and lets tests emit lifecycle events.
type Driver struct {
	ID   string
	emit driver.EventHandler

	mu        sync.Mutex
	state     driver.State
	sent      []Sent
	chats     []model.ChatSummary
	sendErr   error
	initErr   error
	onInit    func(d *Driver)
	destroyed bool
	loggedOut bool

	ChatCalls atomic.Int64
	seq       atomic.Int64
}

func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	err := d.initErr
	hook := d.onInit
	if err == nil {
		d.state = driver.StateOpening
	}
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(d)
	}
	return nil
}

func (d *Driver) SendMessage(ctx context.Context, to, text string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return "", d.sendErr
	}
	d.sent = append(d.sent, Sent{To: to, Text: text})
	return fmt.Sprintf("%s-msg-%d", d.ID, d.seq.Add(1)), nil
}

func (d *Driver) Chats(ctx context.Context) ([]model.ChatSummary, error) {
	d.ChatCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.ChatSummary(nil), d.chats...), nil
}

func (d *Driver) State(ctx context.Context) (driver.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

func (d *Driver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.state = driver.StateDisconnected
	return nil
}

func (d *Driver) Logout(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loggedOut = true
	d.state = driver.StateUnpaired
	return nil
}

// Emit delivers an event as the remote network would.
func (d *Driver) Emit(ev driver.Event) {
	d.mu.Lock()
	switch ev.Kind {
	case driver.EventPairingChallenge:
		d.state = driver.StatePairing
	case driver.EventReady:
		d.state = driver.StateConnected
	case driver.EventDisconnected:
		d.state = driver.StateDisconnected
	case driver.EventAuthFailure:
		d.state = driver.StateUnpaired
	}
	d.mu.Unlock()
	d.emit(ev)
}

func (d *Driver) Pair(token string) {
	d.Emit(driver.Event{Kind: driver.EventPairingChallenge, Payload: token})
}

// Connect walks the driver through authenticated and ready.
func (d *Driver) Connect(identity string) {
	d.Emit(driver.Event{Kind: driver.EventAuthenticated})
	d.Emit(driver.Event{Kind: driver.EventReady, Payload: identity})
}

func (d *Driver) SetState(s driver.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

func (d *Driver) SetSendErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

func (d *Driver) SetChats(chats []model.ChatSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats = chats
}

func (d *Driver) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

func (d *Driver) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Driver) LoggedOut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loggedOut
}

// Factory builds Drivers and remembers every instance it created.
type Factory struct {
	// OnInit, when set, runs after every successful Initialize.
	OnInit func(d *Driver)
	// InitErr makes every Initialize fail.
	InitErr error

	mu      sync.Mutex
	drivers map[string][]*Driver
	created atomic.Int64
}

func NewFactory() *Factory {
	return &Factory{drivers: make(map[string][]*Driver)}
}

func (f *Factory) New(sessionID string, emit driver.EventHandler) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d := &Driver{
		ID:      sessionID,
		emit:    emit,
		state:   driver.StateUnknown,
		initErr: f.InitErr,
		onInit:  f.OnInit,
	}
	f.drivers[sessionID] = append(f.drivers[sessionID], d)
	f.created.Add(1)
	return d, nil
}

// Latest returns the most recent driver built for sessionID.
func (f *Factory) Latest(sessionID string) *Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := f.drivers[sessionID]
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1]
}

// Count returns how many drivers were built for sessionID.
func (f *Factory) Count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers[sessionID])
}

func (f *Factory) Created() int64 {
	return f.created.Load()
}
