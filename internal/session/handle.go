// Package session owns a single messaging session: its driver instance,
// its lifecycle state machine and its outbound message operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/session-pool/internal/breaker"
	"github.com/LeventeLantos/session-pool/internal/cache"
	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/queue"
	"github.com/LeventeLantos/session-pool/internal/retry"
)

var (
	ErrAlreadyInProgress   = errors.New("session is already initializing or ready")
	ErrReconnectInProgress = errors.New("session reconnect already in progress")
	ErrNotReady            = errors.New("session is not ready")
	ErrDriverInit          = errors.New("driver initialization failed")
	ErrClosed              = errors.New("session handle closed")
)

const mailboxSize = 64

type Config struct {
	Factory  driver.Factory
	Queue    *queue.Queue
	Chats    cache.ChatCache
	Observer Observer
	Breaker  breaker.Config
	// Backoff computes the wait before the Nth consecutive reconnect.
	Backoff retry.Policy
}

type envelope struct {
	gen uint64
	ev  driver.Event
}

type Handle struct {
	id       string
	factory  driver.Factory
	queue    *queue.Queue
	chats    cache.ChatCache
	observer Observer
	breaker  *breaker.Breaker
	backoff  retry.Policy
	now      func() time.Time

	// calls serializes driver operations; a channel so acquisition honors ctx.
	calls chan struct{}

	reconnecting atomic.Bool
	// notifying counts observer calls in flight.
	notifying atomic.Int32

	mu           sync.Mutex
	status       model.Status
	identity     string
	pairingToken string
	metadata     model.Metadata
	drv          driver.Driver
	gen          uint64
	reconnects   int

	events    chan envelope
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(id string, cfg Config) *Handle {
	if cfg.Queue == nil {
		cfg.Queue = queue.New()
	}
	if cfg.Chats == nil {
		cfg.Chats = cache.NewMemoryCache(cache.DefaultChatsTTL)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "session:" + id
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:       id,
		factory:  cfg.Factory,
		queue:    cfg.Queue,
		chats:    cfg.Chats,
		observer: cfg.Observer,
		breaker:  breaker.New(cfg.Breaker),
		backoff:  cfg.Backoff,
		now:      time.Now,
		calls:    make(chan struct{}, 1),
		status:   model.StatusIdle,
		events:   make(chan envelope, mailboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.metadata.CreatedAt = h.now().UTC()

	h.wg.Add(1)
	go h.loop()
	return h
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Status() model.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Info() model.SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return model.SessionInfo{
		ID:               h.id,
		Status:           h.status,
		EndpointIdentity: h.identity,
		PairingToken:     h.pairingToken,
		Metadata:         h.metadata,
		IsReady:          h.status == model.StatusReady,
	}
}

func (h *Handle) Breaker() breaker.Snapshot {
	return h.breaker.State()
}

// Initialize builds a fresh driver and starts it. Calling it while the
// session is live fails with ErrAlreadyInProgress and has no side effects.
func (h *Handle) Initialize(ctx context.Context) error {
	if h.ctx.Err() != nil {
		return ErrClosed
	}
	h.mu.Lock()
	if h.status.Live() {
		status := h.status
		h.mu.Unlock()
		slog.Warn("session initialize ignored", "session_id", h.id, "status", status)
		return fmt.Errorf("%w (%s)", ErrAlreadyInProgress, status)
	}
	if err := h.applyLocked(TriggerInitialize); err != nil {
		h.mu.Unlock()
		return err
	}
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	slog.Info("session initializing", "session_id", h.id)

	drv, err := h.factory(h.id, h.emitter(gen))
	if err != nil {
		return h.initFailed(gen, err)
	}

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		_ = drv.Destroy(context.WithoutCancel(ctx))
		return fmt.Errorf("%w: superseded by disconnect", ErrDriverInit)
	}
	h.drv = drv
	h.mu.Unlock()

	if err := h.acquire(ctx); err != nil {
		return h.initFailed(gen, err)
	}
	err = drv.Initialize(ctx)
	h.release()
	if err != nil {
		return h.initFailed(gen, err)
	}
	return nil
}

func (h *Handle) initFailed(gen uint64, cause error) error {
	h.mu.Lock()
	if h.gen == gen {
		if err := h.applyLocked(TriggerInitFailed); err != nil {
			slog.Warn("session init failure not applied", "session_id", h.id, "error", err)
		}
	}
	h.mu.Unlock()

	slog.Error("session initialize failed", "session_id", h.id, "error", cause)
	return fmt.Errorf("%w: %v", ErrDriverInit, cause)
}

// SendMessage delivers text to `to` when the session is ready. Otherwise,
// or when the driver send fails, the message is queued and the result
// reports Queued.
func (h *Handle) SendMessage(ctx context.Context, to, text string) model.SendResult {
	h.mu.Lock()
	status, drv := h.status, h.drv
	h.mu.Unlock()

	if status != model.StatusReady || drv == nil {
		h.enqueue(to, text)
		slog.Warn("session not ready, message queued", "session_id", h.id, "status", status, "to", to)
		return model.SendResult{
			Queued:  true,
			Message: fmt.Sprintf("session not ready (%s); message queued", status),
		}
	}

	id, err := h.deliver(ctx, drv, to, text)
	if err != nil {
		h.enqueue(to, text)
		slog.Error("session send failed, message queued", "session_id", h.id, "to", to, "error", err)
		return model.SendResult{Queued: true, Message: err.Error()}
	}

	slog.Info("session message sent", "session_id", h.id, "to", to, "message_id", id)
	return model.SendResult{Success: true, MessageID: id}
}

func (h *Handle) enqueue(to, text string) {
	h.queue.Enqueue(queue.Entry{
		SessionID:   h.id,
		Destination: to,
		Text:        text,
		EnqueuedAt:  h.now().UTC(),
	})
}

func (h *Handle) deliver(ctx context.Context, drv driver.Driver, to, text string) (string, error) {
	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	id, err := breaker.Do(ctx, h.breaker, func(ctx context.Context) (string, error) {
		return drv.SendMessage(ctx, to, text)
	})
	h.release()
	if err != nil {
		return "", err
	}

	h.notify(ctx, Event{
		Type:      EventMessageSent,
		SessionID: h.id,
		Status:    model.StatusReady,
		MessageID: id,
		At:        h.now().UTC(),
	})
	return id, nil
}

// DrainQueue attempts the queued entries addressed to this session.
func (h *Handle) DrainQueue(ctx context.Context) queue.Result {
	return h.queue.Drain(ctx, h.id, func(ctx context.Context, e queue.Entry) error {
		h.mu.Lock()
		status, drv := h.status, h.drv
		h.mu.Unlock()
		if status != model.StatusReady || drv == nil {
			return ErrNotReady
		}
		_, err := h.deliver(ctx, drv, e.Destination, e.Text)
		return err
	})
}

type ChatsResult struct {
	Chats     []model.ChatSummary `json:"chats"`
	FromCache bool                `json:"fromCache"`
}

// Chats returns the session's chat list, served from cache unless
// forceRefresh is set or the cached copy expired.
func (h *Handle) Chats(ctx context.Context, forceRefresh bool) (ChatsResult, error) {
	h.mu.Lock()
	status, drv := h.status, h.drv
	h.mu.Unlock()
	if status != model.StatusReady || drv == nil {
		return ChatsResult{}, fmt.Errorf("%w (%s)", ErrNotReady, status)
	}

	if !forceRefresh {
		cached, ok, err := h.chats.GetChats(ctx, h.id)
		if err != nil {
			slog.Warn("chats cache read failed", "session_id", h.id, "error", err)
		}
		if ok {
			return ChatsResult{Chats: cached, FromCache: true}, nil
		}
	}

	if err := h.acquire(ctx); err != nil {
		return ChatsResult{}, err
	}
	chats, err := drv.Chats(ctx)
	h.release()
	if err != nil {
		slog.Error("session chats failed", "session_id", h.id, "error", err)
		return ChatsResult{}, err
	}

	if err := h.chats.StoreChats(ctx, h.id, chats); err != nil {
		slog.Warn("chats cache write failed", "session_id", h.id, "error", err)
	}
	return ChatsResult{Chats: chats}, nil
}

// DriverState asks the driver for its own view of the connection.
// A session without a driver reports StateUnknown.
func (h *Handle) DriverState(ctx context.Context) (driver.State, error) {
	h.mu.Lock()
	drv := h.drv
	h.mu.Unlock()
	if drv == nil {
		return driver.StateUnknown, nil
	}

	if err := h.acquire(ctx); err != nil {
		return driver.StateUnknown, err
	}
	defer h.release()

	state, err := drv.State(ctx)
	if err != nil {
		return driver.StateUnknown, err
	}
	return state, nil
}

// Disconnect destroys the driver and marks the session disconnected. It is
// a no-op when there is no driver. Destroy is not serialized with other
// driver calls so it can interrupt a blocked Initialize.
func (h *Handle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	drv := h.drv
	if drv == nil {
		h.mu.Unlock()
		return nil
	}
	h.drv = nil
	h.gen++
	if err := h.applyLocked(TriggerDisconnected); err != nil {
		slog.Warn("session disconnect transition rejected", "session_id", h.id, "error", err)
	}
	h.mu.Unlock()

	slog.Info("session disconnecting", "session_id", h.id)
	if err := h.chats.Invalidate(ctx, h.id); err != nil {
		slog.Warn("chats cache invalidate failed", "session_id", h.id, "error", err)
	}
	if err := drv.Destroy(ctx); err != nil {
		slog.Error("session destroy failed", "session_id", h.id, "error", err)
		return fmt.Errorf("destroy driver: %w", err)
	}
	return nil
}

// Logout ends the remote session and wipes the endpoint identity, pairing
// token and counters. The session returns to idle.
func (h *Handle) Logout(ctx context.Context) error {
	h.mu.Lock()
	drv := h.drv
	h.drv = nil
	h.gen++
	if err := h.applyLocked(TriggerLogout); err != nil {
		slog.Warn("session logout transition rejected", "session_id", h.id, "error", err)
	}
	h.identity = ""
	h.pairingToken = ""
	h.reconnects = 0
	h.metadata = model.Metadata{CreatedAt: h.metadata.CreatedAt}
	h.mu.Unlock()

	slog.Info("session logging out", "session_id", h.id)
	if err := h.chats.Invalidate(ctx, h.id); err != nil {
		slog.Warn("chats cache invalidate failed", "session_id", h.id, "error", err)
	}
	if drv == nil {
		return nil
	}

	var errs []error
	if err := drv.Logout(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logout driver: %w", err))
	}
	if err := drv.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy driver: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("session logout failed", "session_id", h.id, "error", err)
		return err
	}
	return nil
}

// Reconnect disconnects, waits out the backoff for this streak of
// reconnects and initializes again. Only one reconnect runs at a time.
func (h *Handle) Reconnect(ctx context.Context) error {
	if !h.reconnecting.CompareAndSwap(false, true) {
		return ErrReconnectInProgress
	}
	defer h.reconnecting.Store(false)

	h.mu.Lock()
	h.reconnects++
	n := h.reconnects
	h.mu.Unlock()

	if err := h.Disconnect(ctx); err != nil {
		slog.Warn("reconnect continuing after disconnect error", "session_id", h.id, "error", err)
	}

	delay := h.backoff.Delay(n)
	slog.Info("session reconnecting", "session_id", h.id, "attempt", n, "delay_ms", delay.Milliseconds())

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrClosed
	case <-t.C:
	}

	return h.Initialize(ctx)
}

// Close stops the event mailbox. It does not touch the driver; call
// Disconnect first. Called from inside an observer callback it returns
// without waiting, since the callback may be running on the mailbox
// goroutine itself.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		if h.notifying.Load() > 0 {
			return
		}
		h.wg.Wait()
	})
}

func (h *Handle) notify(ctx context.Context, ev Event) {
	h.notifying.Add(1)
	defer h.notifying.Add(-1)
	h.observer.OnSessionEvent(ctx, ev)
}

func (h *Handle) acquire(ctx context.Context) error {
	select {
	case h.calls <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrClosed
	}
}

func (h *Handle) release() { <-h.calls }

// applyLocked must be called with mu held.
func (h *Handle) applyLocked(t Trigger) error {
	next, err := Transition(h.status, t)
	if err != nil {
		return err
	}
	if next != h.status {
		slog.Debug("session status changed", "session_id", h.id, "from", h.status, "to", next, "trigger", t)
	}
	h.status = next
	if next != model.StatusPairingReady {
		h.pairingToken = ""
	}
	return nil
}

func (h *Handle) emitter(gen uint64) driver.EventHandler {
	return func(ev driver.Event) {
		select {
		case h.events <- envelope{gen: gen, ev: ev}:
		case <-h.ctx.Done():
		}
	}
}

func (h *Handle) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case env := <-h.events:
			h.handle(env)
		}
	}
}

func (h *Handle) handle(env envelope) {
	ev := env.ev

	var token string
	if ev.Kind == driver.EventPairingChallenge {
		token = renderPairing(h.id, ev.Payload)
	}

	h.mu.Lock()
	if env.gen != h.gen {
		h.mu.Unlock()
		slog.Debug("stale driver event dropped", "session_id", h.id, "kind", ev.Kind)
		return
	}

	now := h.now().UTC()
	out := Event{SessionID: h.id, At: now}
	var err error

	switch ev.Kind {
	case driver.EventPairingChallenge:
		if err = h.applyLocked(TriggerPairing); err == nil {
			h.pairingToken = token
			h.metadata.LastPairingAt = &now
			out.Type = EventPairing
			out.PairingToken = token
		}
	case driver.EventAuthenticated:
		if err = h.applyLocked(TriggerAuthenticated); err == nil {
			out.Type = EventAuthenticated
		}
	case driver.EventReady:
		if err = h.applyLocked(TriggerReady); err == nil {
			h.identity = ev.Payload
			h.metadata.ConnectedAt = &now
			h.reconnects = 0
			out.Type = EventReady
			out.Identity = ev.Payload
		}
	case driver.EventMessage:
		h.metadata.MessageCount++
		out.Type = EventMessage
		out.Message = ev.Message
	case driver.EventDisconnected:
		if err = h.applyLocked(TriggerDisconnected); err == nil {
			out.Type = EventDisconnected
			out.Reason = ev.Payload
		}
	case driver.EventAuthFailure:
		if err = h.applyLocked(TriggerAuthFailure); err == nil {
			out.Type = EventAuthFailure
			out.Reason = ev.Payload
		}
	default:
		err = fmt.Errorf("%w: %q", driver.ErrUnknownEvent, ev.Kind)
	}
	out.Status = h.status
	h.mu.Unlock()

	if err != nil {
		slog.Warn("driver event rejected", "session_id", h.id, "kind", ev.Kind, "error", err)
		return
	}

	switch ev.Kind {
	case driver.EventPairingChallenge:
		slog.Info("session pairing challenge received", "session_id", h.id)
	case driver.EventAuthenticated:
		slog.Info("session authenticated", "session_id", h.id)
	case driver.EventReady:
		slog.Info("session ready", "session_id", h.id, "identity", ev.Payload)
	case driver.EventMessage:
		slog.Info("session message received", "session_id", h.id)
	case driver.EventDisconnected:
		slog.Warn("session disconnected", "session_id", h.id, "reason", ev.Payload)
	case driver.EventAuthFailure:
		slog.Error("session authentication failed", "session_id", h.id, "reason", ev.Payload)
	}

	if out.Type != "" {
		h.notify(h.ctx, out)
	}

	if ev.Kind == driver.EventReady {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			res := h.DrainQueue(h.ctx)
			if res.Sent > 0 || res.Retained > 0 || res.DeadLettered > 0 {
				slog.Info("session queue drained",
					"session_id", h.id,
					"sent", res.Sent,
					"retained", res.Retained,
					"dead_lettered", res.DeadLettered,
				)
			}
		}()
	}
}
