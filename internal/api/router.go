package api

import (
	"net/http"
	"net/netip"

	"github.com/LeventeLantos/session-pool/internal/ratelimit"
)

// Limits are the admission limiters applied per client address. A nil
// limiter disables that layer. X-Forwarded-For is only consulted when the
// connecting peer falls inside TrustedProxies.
type Limits struct {
	API            *ratelimit.Limiter
	Send           *ratelimit.Limiter
	TrustedProxies []netip.Prefix
}

func Router(h *Handler, limits Limits) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/sessions", h.ListSessions)
	mux.HandleFunc("POST /v1/sessions", h.CreateSession)
	mux.HandleFunc("POST /v1/sessions/restore", h.RestoreSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.RemoveSession)
	mux.HandleFunc("POST /v1/sessions/{id}/reconnect", h.ReconnectSession)
	mux.HandleFunc("POST /v1/sessions/{id}/logout", h.LogoutSession)
	mux.HandleFunc("GET /v1/sessions/{id}/chats", h.ListChats)

	mux.Handle("POST /v1/sessions/{id}/messages", rateLimit(limits.Send, limits.TrustedProxies, http.HandlerFunc(h.SendMessage)))
	mux.Handle("POST /v1/messages", rateLimit(limits.Send, limits.TrustedProxies, http.HandlerFunc(h.SendMessageAuto)))

	mux.HandleFunc("GET /v1/stats", h.Stats)
	mux.HandleFunc("GET /v1/health/sessions", h.SessionsHealth)
	mux.HandleFunc("POST /v1/health/start", h.HealthCheckStart)
	mux.HandleFunc("POST /v1/health/stop", h.HealthCheckStop)

	mux.HandleFunc("GET /v1/queue", h.QueueStatus)
	mux.HandleFunc("GET /v1/queue/dead-letters", h.ListDeadLetters)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("session-pool"))
	})

	// Gateway callbacks bypass the API limiter; dropping them would lose
	// session state changes.
	root := http.NewServeMux()
	root.HandleFunc("POST /v1/driver/sessions/{id}/events", h.DriverEvent)
	root.Handle("/", rateLimit(limits.API, limits.TrustedProxies, mux))

	return root
}
