// Package pool manages a bounded registry of messaging sessions: creation,
// reconnection, health reconciliation and snapshot persistence.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/session-pool/internal/breaker"
	"github.com/LeventeLantos/session-pool/internal/cache"
	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/events"
	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/queue"
	"github.com/LeventeLantos/session-pool/internal/retry"
	"github.com/LeventeLantos/session-pool/internal/scheduler"
	"github.com/LeventeLantos/session-pool/internal/session"
	"github.com/LeventeLantos/session-pool/internal/snapshot"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrCapacityReached    = errors.New("session capacity reached")
	ErrNoSessionAvailable = errors.New("no ready session available")
	ErrShutdown           = errors.New("pool is shut down")
)

const publishTimeout = 5 * time.Second

type Config struct {
	MaxSessions       int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	HealthInterval    time.Duration
	AutoReconnect     bool
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:       10,
		ReconnectDelay:    5 * time.Second,
		ReconnectMaxDelay: time.Minute,
		HealthInterval:    time.Minute,
		AutoReconnect:     true,
	}
}

type Option func(*Manager)

func WithQueue(q *queue.Queue) Option {
	return func(m *Manager) {
		if q != nil {
			m.queue = q
		}
	}
}

func WithSnapshotStore(s snapshot.Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithChatCache(c cache.ChatCache) Option {
	return func(m *Manager) {
		if c != nil {
			m.chats = c
		}
	}
}

// WithCallbacks sets the pool-wide default hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.callbacks = cb }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithBreakerConfig sets the per-session send breaker settings.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(m *Manager) { m.breakerCfg = cfg }
}

type Stats struct {
	TotalCreated      int64                `json:"totalCreated"`
	TotalConnected    int64                `json:"totalConnected"`
	TotalDisconnected int64                `json:"totalDisconnected"`
	TotalMessages     int64                `json:"totalMessages"`
	MessagesSent      int64                `json:"messagesSent"`
	MessagesQueued    int64                `json:"messagesQueued"`
	CurrentClients    int                  `json:"currentClients"`
	MaxClients        int                  `json:"maxClients"`
	ReadyClients      int                  `json:"readyClients"`
	QueueLength       int                  `json:"queueLength"`
	ClientsByStatus   map[model.Status]int `json:"clientsByStatus"`
}

type counters struct {
	created      atomic.Int64
	connected    atomic.Int64
	disconnected atomic.Int64
	inbound      atomic.Int64
	sent         atomic.Int64
	queued       atomic.Int64
}

type Manager struct {
	cfg        Config
	factory    driver.Factory
	queue      *queue.Queue
	store      snapshot.Store
	chats      cache.ChatCache
	callbacks  Callbacks
	publisher  events.Publisher
	breakerCfg breaker.Config
	backoff    retry.Policy

	mu       sync.RWMutex
	sessions map[string]*session.Handle
	closed   bool
	cursor   int

	stats counters

	health *scheduler.Scheduler

	persistCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	bg        sync.WaitGroup
	writer    sync.WaitGroup
	stopOnce  sync.Once
}

// New builds a Manager and reads, without reconnecting, any persisted
// snapshot. Use RestorePersistedSessions to bring persisted sessions back.
func New(cfg Config, factory driver.Factory, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("driver factory must not be nil")
	}
	def := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = max(def.ReconnectMaxDelay, cfg.ReconnectDelay)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		factory:    factory,
		queue:      queue.New(),
		chats:      cache.NewMemoryCache(cache.DefaultChatsTTL),
		publisher:  events.LogPublisher{},
		breakerCfg: breaker.DefaultConfig(),
		backoff: retry.Policy{
			InitialDelay: cfg.ReconnectDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
			Factor:       2,
		},
		sessions:  make(map[string]*session.Handle),
		persistCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	health, err := scheduler.New("health-check", cfg.HealthInterval, func(ctx context.Context) {
		m.HealthCheck(ctx)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.health = health

	m.loadPersisted()

	m.writer.Add(1)
	go m.persistLoop()

	return m, nil
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Queue() *queue.Queue { return m.queue }

// CreateSession registers a new idle session. An empty id is replaced by a
// generated one. Per-call callbacks override the pool-wide defaults.
func (m *Manager) CreateSession(id string, cb Callbacks) (string, error) {
	if id == "" {
		id = "session_" + uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShutdown
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		slog.Warn("session already exists", "session_id", id)
		return id, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		slog.Error("session capacity reached", "session_id", id, "max_sessions", m.cfg.MaxSessions)
		return "", fmt.Errorf("%w (%d/%d)", ErrCapacityReached, m.cfg.MaxSessions, m.cfg.MaxSessions)
	}

	bcfg := m.breakerCfg
	bcfg.Name = "session:" + id
	h := session.New(id, session.Config{
		Factory:  m.factory,
		Queue:    m.queue,
		Chats:    m.chats,
		Observer: m.observer(m.callbacks.Merge(cb)),
		Breaker:  bcfg,
		Backoff:  m.backoff,
	})
	m.sessions[id] = h
	n := len(m.sessions)
	m.mu.Unlock()

	m.stats.created.Add(1)
	slog.Info("session created", "session_id", id, "sessions", n, "max_sessions", m.cfg.MaxSessions)
	return id, nil
}

// CreateAndInitialize creates the session and starts its driver. The
// resolved id is returned even when initialization fails.
func (m *Manager) CreateAndInitialize(ctx context.Context, id string, cb Callbacks) (string, error) {
	id, err := m.CreateSession(id, cb)
	if err != nil {
		return id, err
	}
	return id, m.InitializeSession(ctx, id)
}

func (m *Manager) InitializeSession(ctx context.Context, id string) error {
	h, err := m.get(id)
	if err != nil {
		return err
	}
	return h.Initialize(ctx)
}

// RemoveClient disconnects the session and drops it from the registry.
func (m *Manager) RemoveClient(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	slog.Info("session removing", "session_id", id)
	if err := h.Disconnect(ctx); err != nil {
		slog.Warn("session removed with disconnect error", "session_id", id, "error", err)
	}
	h.Close()
	m.requestPersist()

	slog.Info("session removed", "session_id", id, "sessions", n, "max_sessions", m.cfg.MaxSessions)
	return nil
}

func (m *Manager) ReconnectClient(ctx context.Context, id string) error {
	h, err := m.get(id)
	if err != nil {
		return err
	}
	slog.Info("session reconnect requested", "session_id", id)
	return h.Reconnect(ctx)
}

// Logout wipes the session's identity. The session stays registered, idle.
func (m *Manager) Logout(ctx context.Context, id string) error {
	h, err := m.get(id)
	if err != nil {
		return err
	}
	err = h.Logout(ctx)
	m.requestPersist()
	return err
}

func (m *Manager) SendMessage(ctx context.Context, id, to, text string) (model.SendResult, error) {
	h, err := m.get(id)
	if err != nil {
		return model.SendResult{Message: err.Error()}, err
	}
	res := h.SendMessage(ctx, to, text)
	if res.Queued {
		m.stats.queued.Add(1)
	}
	return res, nil
}

// SendMessageAuto rotates through the ready sessions in id order.
func (m *Manager) SendMessageAuto(ctx context.Context, to, text string) (string, model.SendResult, error) {
	ready := m.GetReadyClients()
	if len(ready) == 0 {
		return "", model.SendResult{Message: ErrNoSessionAvailable.Error()}, ErrNoSessionAvailable
	}

	m.mu.Lock()
	id := ready[m.cursor%len(ready)]
	m.cursor++
	m.mu.Unlock()

	res, err := m.SendMessage(ctx, id, to, text)
	return id, res, err
}

func (m *Manager) GetChats(ctx context.Context, id string, forceRefresh bool) (session.ChatsResult, error) {
	h, err := m.get(id)
	if err != nil {
		return session.ChatsResult{}, err
	}
	return h.Chats(ctx, forceRefresh)
}

// GetReadyClients returns the ids of ready sessions, sorted.
func (m *Manager) GetReadyClients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id, h := range m.sessions {
		if h.Status() == model.StatusReady {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) GetAllClientsInfo() []model.SessionInfo {
	handles := m.handles()
	out := make([]model.SessionInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	return out
}

func (m *Manager) GetClientInfo(id string) (model.SessionInfo, error) {
	h, err := m.get(id)
	if err != nil {
		return model.SessionInfo{}, err
	}
	return h.Info(), nil
}

func (m *Manager) Stats() Stats {
	handles := m.handles()
	st := Stats{
		TotalCreated:      m.stats.created.Load(),
		TotalConnected:    m.stats.connected.Load(),
		TotalDisconnected: m.stats.disconnected.Load(),
		TotalMessages:     m.stats.inbound.Load(),
		MessagesSent:      m.stats.sent.Load(),
		MessagesQueued:    m.stats.queued.Load(),
		CurrentClients:    len(handles),
		MaxClients:        m.cfg.MaxSessions,
		QueueLength:       m.queue.Len(),
		ClientsByStatus:   make(map[model.Status]int),
	}
	for _, h := range handles {
		s := h.Status()
		st.ClientsByStatus[s]++
		if s == model.StatusReady {
			st.ReadyClients++
		}
	}
	return st
}

// Shutdown stops the health loop, disconnects every session concurrently,
// clears the registry and writes a final snapshot of the sessions as they
// were when shutdown began.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	slog.Info("pool shutting down")
	m.StopHealthCheck()

	final := m.buildSnapshot()
	m.cancel()

	m.mu.Lock()
	handles := make([]*session.Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			if err := h.Disconnect(ctx); err != nil {
				return fmt.Errorf("disconnect %s: %w", h.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	m.bg.Wait()
	for _, h := range handles {
		h.Close()
	}

	m.mu.Lock()
	m.sessions = make(map[string]*session.Handle)
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.persistCh) })
	m.writer.Wait()
	m.persist(context.WithoutCancel(ctx), final)

	if perr := m.publisher.Close(); perr != nil {
		slog.Warn("event publisher close failed", "error", perr)
	}

	if err != nil {
		slog.Error("pool shutdown finished with errors", "error", err)
		return err
	}
	slog.Info("pool shut down", "sessions", len(handles))
	return nil
}

func (m *Manager) get(id string) (*session.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return h, nil
}

// handles returns the registered sessions sorted by id.
func (m *Manager) handles() []*session.Handle {
	m.mu.RLock()
	out := make([]*session.Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) observer(cb Callbacks) session.Observer {
	return session.ObserverFunc(func(ctx context.Context, ev session.Event) {
		switch ev.Type {
		case session.EventReady:
			m.stats.connected.Add(1)
			m.requestPersist()
		case session.EventMessage:
			m.stats.inbound.Add(1)
		case session.EventMessageSent:
			m.stats.sent.Add(1)
		case session.EventDisconnected:
			m.stats.disconnected.Add(1)
			m.requestPersist()
			if m.cfg.AutoReconnect {
				m.scheduleReconnect(ev.SessionID)
			}
		case session.EventAuthFailure:
			slog.Error("session authentication failed", "session_id", ev.SessionID, "reason", ev.Reason)
			m.requestPersist()
		}

		m.publish(ctx, ev)
		cb.dispatch(ev)
	})
}

func (m *Manager) publish(ctx context.Context, ev session.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(pctx, ev); err != nil {
		slog.Warn("session event publish failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
	}
}

// scheduleReconnect runs ReconnectClient in the background. The backoff wait
// happens inside the session's Reconnect.
func (m *Manager) scheduleReconnect(id string) bool {
	return m.background(func() {
		slog.Info("session reconnect scheduled", "session_id", id)
		err := m.ReconnectClient(m.ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrReconnectInProgress),
			errors.Is(err, ErrSessionNotFound),
			errors.Is(err, context.Canceled),
			errors.Is(err, session.ErrClosed):
			slog.Debug("session reconnect abandoned", "session_id", id, "error", err)
		default:
			slog.Error("session reconnect failed", "session_id", id, "error", err)
		}
	})
}

// background runs fn on a goroutine that Shutdown waits for. It returns
// false once the pool is shut down.
func (m *Manager) background(fn func()) bool {
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.bg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return false
	}

	go func() {
		defer m.bg.Done()
		fn()
	}()
	return true
}
