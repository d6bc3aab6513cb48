package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/driver/webhook"
	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/pool"
	"github.com/LeventeLantos/session-pool/internal/queue"
	"github.com/LeventeLantos/session-pool/internal/repo"
	"github.com/LeventeLantos/session-pool/internal/session"
)

const maxBodyBytes = 1 << 20

// SessionPool is the part of pool.Manager the HTTP layer drives.
type SessionPool interface {
	CreateAndInitialize(ctx context.Context, id string, cb pool.Callbacks) (string, error)
	RemoveClient(ctx context.Context, id string) error
	ReconnectClient(ctx context.Context, id string) error
	Logout(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, to, text string) (model.SendResult, error)
	SendMessageAuto(ctx context.Context, to, text string) (string, model.SendResult, error)
	GetChats(ctx context.Context, id string, forceRefresh bool) (session.ChatsResult, error)
	GetAllClientsInfo() []model.SessionInfo
	GetClientInfo(id string) (model.SessionInfo, error)
	Stats() pool.Stats
	HealthCheck(ctx context.Context) []pool.HealthReport
	StartHealthCheck() bool
	StopHealthCheck() bool
	HealthCheckRunning() bool
	HealthCheckInterval() time.Duration
	RestorePersistedSessions(ctx context.Context) (pool.RestoreResult, error)
	Queue() *queue.Queue
}

// EventSink accepts driver events reported by the gateway.
type EventSink interface {
	Dispatch(sessionID string, ev driver.Event) error
}

type Handler struct {
	pool        SessionPool
	deadLetters repo.DeadLetterRepository
	events      EventSink
}

func NewHandler(p SessionPool, dl repo.DeadLetterRepository, events EventSink) *Handler {
	return &Handler{pool: p, deadLetters: dl, events: events}
}

type createSessionRequest struct {
	ID string `json:"id"`
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": h.pool.GetAllClientsInfo()})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Initialization outlives the request so a dropped client does not
	// leave a half-started session.
	id, err := h.pool.CreateAndInitialize(context.WithoutCancel(r.Context()), strings.TrimSpace(req.ID), pool.Callbacks{})
	if err != nil {
		writeJSON(w, errorStatus(err), map[string]any{"success": false, "id": id, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": id})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.pool.GetClientInfo(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": info})
}

func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.RemoveClient(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) ReconnectSession(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.ReconnectClient(context.WithoutCancel(r.Context()), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) LogoutSession(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Logout(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	refresh := parseBool(r.URL.Query().Get("refresh"))
	res, err := h.pool.GetChats(r.Context(), r.PathValue("id"), refresh)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chats": res.Chats, "fromCache": res.FromCache})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readSendRequest(w, r)
	if !ok {
		return
	}
	res, err := h.pool.SendMessage(r.Context(), r.PathValue("id"), req.To, req.Text)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSendResult(w, r.PathValue("id"), res)
}

func (h *Handler) SendMessageAuto(w http.ResponseWriter, r *http.Request) {
	req, ok := readSendRequest(w, r)
	if !ok {
		return
	}
	id, res, err := h.pool.SendMessageAuto(r.Context(), req.To, req.Text)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSendResult(w, id, res)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Stats())
}

func (h *Handler) SessionsHealth(w http.ResponseWriter, r *http.Request) {
	reports := h.pool.HealthCheck(r.Context())
	healthy := 0
	for _, rep := range reports {
		if rep.Healthy {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"healthy":  healthy,
		"total":    len(reports),
		"sessions": reports,
	})
}

func (h *Handler) HealthCheckStart(w http.ResponseWriter, r *http.Request) {
	h.pool.StartHealthCheck()
	h.writeHealthLoop(w)
}

func (h *Handler) HealthCheckStop(w http.ResponseWriter, r *http.Request) {
	h.pool.StopHealthCheck()
	h.writeHealthLoop(w)
}

func (h *Handler) writeHealthLoop(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":    h.pool.HealthCheckRunning(),
		"intervalMs": h.pool.HealthCheckInterval().Milliseconds(),
	})
}

func (h *Handler) RestoreSessions(w http.ResponseWriter, r *http.Request) {
	res, err := h.pool.RestorePersistedSessions(context.WithoutCancel(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "restored": res.Restored, "total": res.Total})
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	entries := h.pool.Queue().Entries()
	writeJSON(w, http.StatusOK, map[string]any{"length": len(entries), "entries": entries})
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.deadLetters.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		slog.Error("dead letters list failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// DriverEvent receives lifecycle events from the driver gateway.
func (h *Handler) DriverEvent(w http.ResponseWriter, r *http.Request) {
	var ev driver.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.events.Dispatch(r.PathValue("id"), ev); err != nil {
		slog.Warn("driver event not dispatched", "session_id", r.PathValue("id"), "kind", ev.Kind, "error", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func readSendRequest(w http.ResponseWriter, r *http.Request) (sendRequest, bool) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return req, false
	}
	return req, true
}

func writeSendResult(w http.ResponseWriter, sessionID string, res model.SendResult) {
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"success":   res.Success,
		"queued":    res.Queued,
		"messageId": res.MessageID,
		"message":   res.Message,
		"sessionId": sessionID,
	})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrSessionNotFound), errors.Is(err, webhook.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrSessionExists),
		errors.Is(err, session.ErrAlreadyInProgress),
		errors.Is(err, session.ErrReconnectInProgress),
		errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, pool.ErrCapacityReached),
		errors.Is(err, pool.ErrNoSessionAvailable),
		errors.Is(err, pool.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, driver.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrDriverInit):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid json body")
	}
	return nil
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
