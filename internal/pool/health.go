package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/LeventeLantos/session-pool/internal/breaker"
	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/model"
)

type HealthReport struct {
	ID           string           `json:"id"`
	Status       model.Status     `json:"status"`
	DriverState  driver.State     `json:"state"`
	Healthy      bool             `json:"isHealthy"`
	Reconnecting bool             `json:"reconnecting"`
	Breaker      breaker.Snapshot `json:"breaker"`
	Error        string           `json:"error,omitempty"`
}

// HealthCheck compares every session's status with its driver's reported
// state. A session is healthy only when it is ready and the driver is
// connected. With AutoReconnect, sessions that are ready but diverged,
// disconnected or errored are reconnected in the background; sessions still
// pairing or idle are left alone. Ready sessions also get their queued
// entries drained.
func (m *Manager) HealthCheck(ctx context.Context) []HealthReport {
	handles := m.handles()
	reports := make([]HealthReport, 0, len(handles))
	healthy := 0

	for _, h := range handles {
		status := h.Status()
		state, err := h.DriverState(ctx)

		r := HealthReport{
			ID:          h.ID(),
			Status:      status,
			DriverState: state,
			Breaker:     h.Breaker(),
			Healthy:     err == nil && status == model.StatusReady && state == driver.StateConnected,
		}
		if err != nil {
			r.Error = err.Error()
		}

		if r.Healthy {
			healthy++
			if m.queue.Len() > 0 {
				res := h.DrainQueue(ctx)
				if res.Sent > 0 || res.DeadLettered > 0 {
					slog.Info("health check drained queue", "session_id", r.ID, "sent", res.Sent, "retained", res.Retained, "dead_lettered", res.DeadLettered)
				}
			}
		} else if m.cfg.AutoReconnect && needsReconnect(status) {
			slog.Warn("session unhealthy, reconnecting", "session_id", r.ID, "status", status, "state", state)
			r.Reconnecting = m.scheduleReconnect(r.ID)
		}

		reports = append(reports, r)
	}

	slog.Info("health check completed", "healthy", healthy, "sessions", len(reports))
	return reports
}

func needsReconnect(s model.Status) bool {
	switch s {
	case model.StatusReady, model.StatusDisconnected, model.StatusError:
		return true
	default:
		return false
	}
}

// StartHealthCheck starts the periodic health loop. It returns false if the
// loop is already running.
func (m *Manager) StartHealthCheck() bool {
	return m.health.Start()
}

func (m *Manager) StopHealthCheck() bool {
	return m.health.Stop()
}

func (m *Manager) HealthCheckRunning() bool {
	return m.health.IsRunning()
}

func (m *Manager) HealthCheckInterval() time.Duration {
	return m.health.Interval()
}
