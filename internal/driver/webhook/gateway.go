// Package webhook implements driver.Driver against an HTTP gateway that hosts
// the protocol clients. Commands go out as HTTP calls; the gateway reports
// lifecycle events back through Dispatch.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/retry"
)

var ErrUnknownSession = errors.New("no driver registered for session")

type Gateway struct {
	baseURL string
	client  *http.Client
	reads   retry.Policy

	mu      sync.RWMutex
	drivers map[string]*Driver
}

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

// WithReadPolicy sets the retry policy for idempotent reads (state, chats).
func WithReadPolicy(p retry.Policy) Option {
	return func(g *Gateway) { g.reads = p }
}

func NewGateway(baseURL string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		reads:   retry.Network(),
		drivers: make(map[string]*Driver),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New is a driver.Factory. The returned driver replaces any earlier one
// registered for sessionID as the target of Dispatch.
func (g *Gateway) New(sessionID string, emit driver.EventHandler) (driver.Driver, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", retry.ErrValidation)
	}
	d := &Driver{gw: g, id: sessionID, emit: emit}

	g.mu.Lock()
	g.drivers[sessionID] = d
	g.mu.Unlock()
	return d, nil
}

// Dispatch routes an event reported by the gateway to the session's driver.
func (g *Gateway) Dispatch(sessionID string, ev driver.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", driver.ErrUnknownEvent, ev.Kind)
	}

	g.mu.RLock()
	d, ok := g.drivers[sessionID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	slog.Debug("gateway event dispatched", "session_id", sessionID, "kind", ev.Kind)
	d.emit(ev)
	return nil
}

func (g *Gateway) unregister(d *Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.drivers[d.id] == d {
		delete(g.drivers, d.id)
	}
}

func (g *Gateway) sessionURL(sessionID, action string) string {
	return g.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/" + action
}

// do performs one request and returns the body. A status outside 2xx, or
// other than want when want is set, becomes a *retry.StatusError.
func (g *Gateway) do(ctx context.Context, method, target string, payload any, want int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if want != 0 {
		ok = resp.StatusCode == want
	}
	if !ok {
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
