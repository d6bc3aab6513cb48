package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/driver/drivertest"
	"github.com/LeventeLantos/session-pool/internal/driver/webhook"
	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/pool"
	"github.com/LeventeLantos/session-pool/internal/queue"
	"github.com/LeventeLantos/session-pool/internal/ratelimit"
	"github.com/LeventeLantos/session-pool/internal/repo"
)

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]driver.Event
	err    error
}

func (s *recordingSink) Dispatch(sessionID string, ev driver.Event) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = map[string][]driver.Event{}
	}
	s.events[sessionID] = append(s.events[sessionID], ev)
	return nil
}

type testEnv struct {
	pool    *pool.Manager
	factory *drivertest.Factory
	dead    *repo.MemoryDeadLetterRepo
	sink    *recordingSink
	mux     http.Handler
}

func newTestEnv(t *testing.T, limits Limits) *testEnv {
	t.Helper()

	f := drivertest.NewFactory()
	dead := repo.NewMemoryDeadLetterRepo(10)
	m, err := pool.New(pool.Config{
		MaxSessions:    2,
		ReconnectDelay: time.Millisecond,
		HealthInterval: time.Hour,
		AutoReconnect:  true,
	}, f.New, pool.WithQueue(queue.New(queue.WithDeadLetterSink(dead))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	sink := &recordingSink{}
	return &testEnv{
		pool:    m,
		factory: f,
		dead:    dead,
		sink:    sink,
		mux:     Router(NewHandler(m, dead, sink), limits),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr, decodeJSON(t, rr)
}

func (e *testEnv) ready(t *testing.T, id string) {
	t.Helper()
	rr, _ := e.do(t, http.MethodPost, "/v1/sessions", `{"id":"`+id+`"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	e.factory.Latest(id).Connect(id + "@endpoint")
	require.Eventually(t, func() bool {
		info, err := e.pool.GetClientInfo(id)
		return err == nil && info.IsReady
	}, 2*time.Second, 5*time.Millisecond)
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if rr.Body.Len() == 0 || !strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		return m
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Limits{})

	rr, body := e.do(t, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
}

func TestRoot(t *testing.T) {
	e := newTestEnv(t, Limits{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "session-pool", rr.Body.String())
}

func TestCreateSession_LifecycleAndErrors(t *testing.T) {
	e := newTestEnv(t, Limits{})

	rr, body := e.do(t, http.MethodPost, "/v1/sessions", `{"id":"a"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "a", body["id"])

	rr, body = e.do(t, http.MethodPost, "/v1/sessions", `{"id":"a"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, false, body["success"])

	rr, body = e.do(t, http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.NotEmpty(t, body["id"])

	rr, body = e.do(t, http.MethodPost, "/v1/sessions", `{"id":"c"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, body["message"], "capacity")

	rr, _ = e.do(t, http.MethodPost, "/v1/sessions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body = e.do(t, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["sessions"], 2)

	rr, body = e.do(t, http.MethodGet, "/v1/sessions/a", "")
	require.Equal(t, http.StatusOK, rr.Code)
	sess := body["session"].(map[string]any)
	assert.Equal(t, string(model.StatusInitializing), sess["status"])

	rr, _ = e.do(t, http.MethodDelete, "/v1/sessions/a", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, e.factory.Latest("a").Destroyed())

	rr, body = e.do(t, http.MethodGet, "/v1/sessions/a", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, false, body["success"])
}

func TestCreateSession_InitFailureReturnsBadGateway(t *testing.T) {
	e := newTestEnv(t, Limits{})
	e.factory.InitErr = errors.New("gateway down")

	rr, body := e.do(t, http.MethodPost, "/v1/sessions", `{"id":"bad"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "bad", body["id"])
	assert.Contains(t, body["message"], "gateway down")
}

func TestSendMessage_QueuedThenSent(t *testing.T) {
	e := newTestEnv(t, Limits{})

	rr, _ := e.do(t, http.MethodPost, "/v1/sessions", `{"id":"x"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr, body := e.do(t, http.MethodPost, "/v1/sessions/x/messages", `{"to":"123","text":"hi"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["queued"])

	rr, body = e.do(t, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["length"])

	e.factory.Latest("x").Connect("x@endpoint")
	require.Eventually(t, func() bool { return e.pool.Queue().Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	rr, body = e.do(t, http.MethodPost, "/v1/sessions/x/messages", `{"to":"123","text":"again"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "x-msg-2", body["messageId"])

	rr, body = e.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, body["messagesSent"])
	assert.EqualValues(t, 1, body["readyClients"])
}

func TestSendMessage_Validation(t *testing.T) {
	e := newTestEnv(t, Limits{})

	rr, _ := e.do(t, http.MethodPost, "/v1/sessions/x/messages", `{"to":"","text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = e.do(t, http.MethodPost, "/v1/sessions/missing/messages", `{"to":"1","text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, body := e.do(t, http.MethodPost, "/v1/messages", `{"to":"1","text":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, false, body["success"])
}

func TestSendMessageAuto_UsesReadySession(t *testing.T) {
	e := newTestEnv(t, Limits{})
	e.ready(t, "r1")

	rr, body := e.do(t, http.MethodPost, "/v1/messages", `{"to":"1","text":"hi"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "r1", body["sessionId"])
	assert.Equal(t, true, body["success"])
}

func TestChats_CachedUnlessRefresh(t *testing.T) {
	e := newTestEnv(t, Limits{})
	e.ready(t, "c")
	d := e.factory.Latest("c")
	d.SetChats([]model.ChatSummary{{ID: "chat1", Name: "Ana"}})

	rr, body := e.do(t, http.MethodGet, "/v1/sessions/c/chats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["fromCache"])
	assert.Len(t, body["chats"], 1)

	rr, body = e.do(t, http.MethodGet, "/v1/sessions/c/chats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["fromCache"])

	rr, body = e.do(t, http.MethodGet, "/v1/sessions/c/chats?refresh=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["fromCache"])
	assert.EqualValues(t, 2, d.ChatCalls.Load())
}

func TestChats_NotReadyIsConflict(t *testing.T) {
	e := newTestEnv(t, Limits{})
	rr, _ := e.do(t, http.MethodPost, "/v1/sessions", `{"id":"n"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr, _ = e.do(t, http.MethodGet, "/v1/sessions/n/chats", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestLogoutAndReconnect(t *testing.T) {
	e := newTestEnv(t, Limits{})
	e.ready(t, "l")

	rr, _ := e.do(t, http.MethodPost, "/v1/sessions/l/logout", "")
	require.Equal(t, http.StatusOK, rr.Code)

	info, err := e.pool.GetClientInfo("l")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, info.Status)

	rr, _ = e.do(t, http.MethodPost, "/v1/sessions/l/reconnect", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, e.factory.Count("l"))

	rr, _ = e.do(t, http.MethodPost, "/v1/sessions/nope/reconnect", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, Limits{})
	e.ready(t, "h")

	rr, body := e.do(t, http.MethodGet, "/v1/health/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["healthy"])
	assert.EqualValues(t, 1, body["total"])

	rr, body = e.do(t, http.MethodPost, "/v1/health/start", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["running"])
	assert.EqualValues(t, time.Hour.Milliseconds(), body["intervalMs"])

	rr, body = e.do(t, http.MethodPost, "/v1/health/stop", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["running"])
}

func TestRestoreWithoutStore(t *testing.T) {
	e := newTestEnv(t, Limits{})

	rr, body := e.do(t, http.MethodPost, "/v1/sessions/restore", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, body["restored"])
	assert.EqualValues(t, 0, body["total"])
}

func TestDeadLetters(t *testing.T) {
	e := newTestEnv(t, Limits{})
	require.NoError(t, e.dead.StoreDeadLetter(context.Background(), queue.Entry{
		SessionID:   "s",
		Destination: "1",
		Text:        "lost",
		Attempts:    5,
	}))

	rr, body := e.do(t, http.MethodGet, "/v1/queue/dead-letters?limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "lost", items[0].(map[string]any)["text"])
}

func TestDriverEvent(t *testing.T) {
	e := newTestEnv(t, Limits{API: ratelimit.New(1, time.Minute)})

	for range 3 {
		rr, _ := e.do(t, http.MethodPost, "/v1/driver/sessions/s1/events", `{"type":"ready","payload":"me"}`)
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	require.Len(t, e.sink.events["s1"], 3)
	assert.Equal(t, driver.EventReady, e.sink.events["s1"][0].Kind)
	assert.Equal(t, "me", e.sink.events["s1"][0].Payload)

	e.sink.err = webhook.ErrUnknownSession
	rr, _ := e.do(t, http.MethodPost, "/v1/driver/sessions/s2/events", `{"type":"ready"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	e.sink.err = driver.ErrUnknownEvent
	rr, _ = e.do(t, http.MethodPost, "/v1/driver/sessions/s1/events", `{"type":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRateLimit_HeadersAndRejection(t *testing.T) {
	e := newTestEnv(t, Limits{API: ratelimit.New(2, time.Minute)})

	rr, _ := e.do(t, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Reset"))

	rr, _ = e.do(t, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr, body := e.do(t, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestRateLimit_SendLimiterOnlyOnSendRoutes(t *testing.T) {
	e := newTestEnv(t, Limits{Send: ratelimit.New(1, time.Minute)})
	e.ready(t, "s")

	rr, _ := e.do(t, http.MethodPost, "/v1/sessions/s/messages", `{"to":"1","text":"a"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, _ = e.do(t, http.MethodPost, "/v1/messages", `{"to":"1","text":"b"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr, _ = e.do(t, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestClientKey_IgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "198.51.100.7", clientKey(req, nil))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "198.51.100.7", clientKey(req, nil))

	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	assert.Equal(t, "198.51.100.7", clientKey(req, trusted))
}

func TestClientKey_TrustedProxyChain(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientKey(req, trusted))

	// spoofed left-most entry is skipped; the hop the proxies saw wins
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.9, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", clientKey(req, trusted))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "10.0.0.1", clientKey(req, trusted))
}

func TestRateLimit_RotatingForwardedForDoesNotBypass(t *testing.T) {
	e := newTestEnv(t, Limits{API: ratelimit.New(2, time.Minute)})

	codes := make([]int, 0, 3)
	for i := range 3 {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rr := httptest.NewRecorder()
		e.mux.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
