package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/snapshot"
)

const persistTimeout = 10 * time.Second

type RestoreResult struct {
	Restored int `json:"restored"`
	Total    int `json:"total"`
}

// requestPersist asks the writer goroutine for a snapshot. Requests made
// while a write is pending collapse into one.
func (m *Manager) requestPersist() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.writer.Done()
	for range m.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		m.persist(ctx, m.buildSnapshot())
		cancel()
	}
}

func (m *Manager) persist(ctx context.Context, s snapshot.Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, s); err != nil {
		slog.Error("snapshot persist failed", "error", err, "sessions", len(s.Sessions))
		return
	}
	slog.Debug("snapshot persisted", "sessions", len(s.Sessions))
}

func (m *Manager) buildSnapshot() snapshot.Snapshot {
	handles := m.handles()
	s := snapshot.Snapshot{
		UpdatedAt: time.Now().UTC(),
		Sessions:  make([]snapshot.Session, 0, len(handles)),
	}
	for _, h := range handles {
		info := h.Info()
		entry := snapshot.Session{
			ID:       info.ID,
			Status:   info.Status,
			Metadata: info.Metadata,
		}
		if info.EndpointIdentity != "" {
			identity := info.EndpointIdentity
			entry.EndpointIdentity = &identity
		}
		s.Sessions = append(s.Sessions, entry)
	}
	return s
}

func (m *Manager) loadPersisted() {
	if m.store == nil {
		return
	}
	s, err := m.store.Load(m.ctx)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		slog.Info("no persisted sessions found")
	case err != nil:
		slog.Error("persisted sessions load failed", "error", err)
	default:
		slog.Info("persisted sessions found", "sessions", len(s.Sessions), "updated_at", s.UpdatedAt)
	}
}

// RestorePersistedSessions re-reads the snapshot and creates and initializes
// every session last seen authenticated or ready.
func (m *Manager) RestorePersistedSessions(ctx context.Context) (RestoreResult, error) {
	if m.store == nil {
		return RestoreResult{}, nil
	}
	s, err := m.store.Load(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		slog.Info("no persisted sessions to restore")
		return RestoreResult{}, nil
	}
	if err != nil {
		slog.Error("persisted sessions restore failed", "error", err)
		return RestoreResult{}, err
	}

	res := RestoreResult{Total: len(s.Sessions)}
	for _, ps := range s.Sessions {
		if ps.Status != model.StatusReady && ps.Status != model.StatusAuthenticated {
			continue
		}
		if _, err := m.CreateAndInitialize(ctx, ps.ID, Callbacks{}); err != nil {
			slog.Warn("persisted session not restored", "session_id", ps.ID, "error", err)
			continue
		}
		res.Restored++
	}

	slog.Info("persisted sessions restored", "restored", res.Restored, "total", res.Total)
	return res, nil
}
