package pool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/session-pool/internal/breaker"
	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/snapshot"
)

func TestHealthCheck_HealthyReadySession(t *testing.T) {
	t.Parallel()

	m, f := newTestManager(t, testConfig())
	connect(t, m, f, "ok")

	reports := m.HealthCheck(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, HealthReport{
		ID:          "ok",
		Status:      model.StatusReady,
		DriverState: driver.StateConnected,
		Breaker:     breaker.Snapshot{State: breaker.StateClosed},
		Healthy:     true,
	}, reports[0])
	assert.Equal(t, 1, f.Count("ok"))
}

func TestHealthCheck_ReconnectsDivergentSessionOnce(t *testing.T) {
	t.Parallel()

	m, f := newTestManager(t, testConfig())
	d := connect(t, m, f, "h")

	d.SetState(driver.StateDisconnected)

	reports := m.HealthCheck(context.Background())
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Healthy)
	assert.True(t, reports[0].Reconnecting)
	assert.Equal(t, model.StatusReady, reports[0].Status)
	assert.Equal(t, driver.StateDisconnected, reports[0].DriverState)

	require.Eventually(t, func() bool { return f.Count("h") == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.Count("h"))
	assert.True(t, d.Destroyed())
}

func TestHealthCheck_LeavesPairingSessionAlone(t *testing.T) {
	t.Parallel()

	m, f := newTestManager(t, testConfig())
	_, err := m.CreateAndInitialize(context.Background(), "p", Callbacks{})
	require.NoError(t, err)
	f.Latest("p").Pair("token")
	waitStatus(t, m, "p", model.StatusPairingReady)

	reports := m.HealthCheck(context.Background())
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Healthy)
	assert.False(t, reports[0].Reconnecting)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.Count("p"))
}

func TestHealthCheck_DrainsQueueForReadySessions(t *testing.T) {
	t.Parallel()

	m, f := newTestManager(t, testConfig())
	d := connect(t, m, f, "q")

	d.SetSendErr(assert.AnError)
	res, err := m.SendMessage(context.Background(), "q", "1", "later")
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.Equal(t, 1, m.Queue().Len())

	d.SetSendErr(nil)
	m.HealthCheck(context.Background())

	assert.Zero(t, m.Queue().Len())
	require.Len(t, d.Sent(), 1)
}

func TestHealthCheck_ReportsOpenSendBreaker(t *testing.T) {
	t.Parallel()

	m, f := newTestManager(t, testConfig(), WithBreakerConfig(breaker.Config{
		FailureThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
	}))
	d := connect(t, m, f, "b")

	d.SetSendErr(assert.AnError)
	res, err := m.SendMessage(context.Background(), "b", "1", "hi")
	require.NoError(t, err)
	require.True(t, res.Queued)

	reports := m.HealthCheck(context.Background())
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Breaker.IsOpen)
	assert.Equal(t, breaker.StateOpen, reports[0].Breaker.State)
	assert.Equal(t, 1, reports[0].Breaker.Failures)
}

func TestHealthCheckInterval_FollowsConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HealthInterval = 42 * time.Second
	m, _ := newTestManager(t, cfg)
	assert.Equal(t, 42*time.Second, m.HealthCheckInterval())
}

func TestStartStopHealthCheck_Idempotent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, testConfig())

	assert.True(t, m.StartHealthCheck())
	assert.False(t, m.StartHealthCheck())
	assert.True(t, m.HealthCheckRunning())

	assert.True(t, m.StopHealthCheck())
	assert.False(t, m.StopHealthCheck())
	assert.False(t, m.HealthCheckRunning())
}

func TestRestorePersistedSessions_OnlyReadyOrAuthenticated(t *testing.T) {
	t.Parallel()

	store := snapshot.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	identity := "r@endpoint"
	require.NoError(t, store.Save(context.Background(), snapshot.Snapshot{
		UpdatedAt: time.Now().UTC(),
		Sessions: []snapshot.Session{
			{ID: "r", Status: model.StatusReady, EndpointIdentity: &identity},
			{ID: "i", Status: model.StatusIdle},
			{ID: "e", Status: model.StatusError},
		},
	}))

	m, f := newTestManager(t, testConfig(), WithSnapshotStore(store))
	assert.Zero(t, m.Stats().CurrentClients)

	res, err := m.RestorePersistedSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RestoreResult{Restored: 1, Total: 3}, res)

	assert.Equal(t, 1, f.Count("r"))
	assert.Zero(t, f.Count("i"))
	assert.Zero(t, f.Count("e"))

	info, err := m.GetClientInfo("r")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInitializing, info.Status)
}

func TestRestorePersistedSessions_NoSnapshot(t *testing.T) {
	t.Parallel()

	store := snapshot.NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	m, _ := newTestManager(t, testConfig(), WithSnapshotStore(store))

	res, err := m.RestorePersistedSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RestoreResult{}, res)
}

func TestPersist_WritesSnapshotOnReady(t *testing.T) {
	t.Parallel()

	store := snapshot.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	m, f := newTestManager(t, testConfig(), WithSnapshotStore(store))
	connect(t, m, f, "p")

	require.Eventually(t, func() bool {
		s, err := store.Load(context.Background())
		if err != nil || len(s.Sessions) != 1 {
			return false
		}
		ps := s.Sessions[0]
		return ps.Status == model.StatusReady && ps.EndpointIdentity != nil && *ps.EndpointIdentity == "p@endpoint"
	}, waitFor, tick)
}
