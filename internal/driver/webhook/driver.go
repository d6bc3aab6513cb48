package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/LeventeLantos/session-pool/internal/driver"
	"github.com/LeventeLantos/session-pool/internal/model"
	"github.com/LeventeLantos/session-pool/internal/retry"
)

// Driver is one session's view of the gateway.
type Driver struct {
	gw   *Gateway
	id   string
	emit driver.EventHandler
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type chatsResponse struct {
	Chats []model.ChatSummary `json:"chats"`
}

type stateResponse struct {
	State driver.State `json:"state"`
}

func (d *Driver) Initialize(ctx context.Context) error {
	_, err := d.gw.do(ctx, http.MethodPost, d.gw.sessionURL(d.id, "start"), nil, 0)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// SendMessage expects 202 Accepted with a messageId.
func (d *Driver) SendMessage(ctx context.Context, to, text string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("%w: destination is required", retry.ErrValidation)
	}

	body, err := d.gw.do(ctx, http.MethodPost, d.gw.sessionURL(d.id, "messages"), sendRequest{To: to, Text: text}, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}
	return sr.MessageID, nil
}

func (d *Driver) Chats(ctx context.Context) ([]model.ChatSummary, error) {
	var out chatsResponse
	err := d.gw.reads.Execute(ctx, func(ctx context.Context, _ int) error {
		body, err := d.gw.do(ctx, http.MethodGet, d.gw.sessionURL(d.id, "chats"), nil, http.StatusOK)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Chats == nil {
		out.Chats = []model.ChatSummary{}
	}
	return out.Chats, nil
}

func (d *Driver) State(ctx context.Context) (driver.State, error) {
	var out stateResponse
	err := d.gw.reads.Execute(ctx, func(ctx context.Context, _ int) error {
		body, err := d.gw.do(ctx, http.MethodGet, d.gw.sessionURL(d.id, "state"), nil, http.StatusOK)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
		}
		return nil
	})
	if err != nil {
		return driver.StateUnknown, err
	}
	if out.State == "" {
		return driver.StateUnknown, nil
	}
	return out.State, nil
}

// Destroy stops the remote client. The driver stops receiving events even
// when the call fails.
func (d *Driver) Destroy(ctx context.Context) error {
	d.gw.unregister(d)
	if _, err := d.gw.do(ctx, http.MethodPost, d.gw.sessionURL(d.id, "stop"), nil, 0); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

func (d *Driver) Logout(ctx context.Context) error {
	if _, err := d.gw.do(ctx, http.MethodPost, d.gw.sessionURL(d.id, "logout"), nil, 0); err != nil {
		return fmt.Errorf("logout session: %w", err)
	}
	return nil
}
