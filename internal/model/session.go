package model

import "time"

type Status string

const (
	StatusIdle          Status = "idle"
	StatusInitializing  Status = "initializing"
	StatusPairingReady  Status = "pairing_ready"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusDisconnected  Status = "disconnected"
	StatusError         Status = "error"
)

// Live reports whether a session in this status holds a driver that is
// expected to be connected or on its way there.
func (s Status) Live() bool {
	switch s {
	case StatusInitializing, StatusPairingReady, StatusAuthenticated, StatusReady:
		return true
	}
	return false
}

type Metadata struct {
	CreatedAt     time.Time  `json:"createdAt"`
	LastPairingAt *time.Time `json:"lastPairingAt"`
	ConnectedAt   *time.Time `json:"connectedAt"`
	MessageCount  int64      `json:"messageCount"`
}

type SessionInfo struct {
	ID               string   `json:"id"`
	Status           Status   `json:"status"`
	EndpointIdentity string   `json:"endpointIdentity,omitempty"`
	PairingToken     string   `json:"pairingToken,omitempty"`
	Metadata         Metadata `json:"metadata"`
	IsReady          bool     `json:"isReady"`
}

type SendResult struct {
	Success   bool   `json:"success"`
	Queued    bool   `json:"queued,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Message   string `json:"message,omitempty"`
}

type ChatSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount"`
	Timestamp   int64  `json:"timestamp"`
}

type InboundMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}
