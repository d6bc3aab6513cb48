package session

import (
	"encoding/base64"
	"log/slog"

	qrcode "github.com/skip2/go-qrcode"
)

const pairingImageSize = 256

// renderPairing turns a pairing challenge into a scannable PNG data URL.
// The raw payload is kept if rendering fails.
func renderPairing(sessionID, payload string) string {
	png, err := qrcode.Encode(payload, qrcode.Medium, pairingImageSize)
	if err != nil {
		slog.Warn("pairing challenge render failed", "session_id", sessionID, "error", err)
		return payload
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
