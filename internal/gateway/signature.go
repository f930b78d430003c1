package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Twitch-Eventsub-* header names as delivered by the upstream.
const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"
)

const signaturePrefix = "sha256="

// verifySignature checks the HMAC-SHA256 of messageID||timestamp||body against
// the presented signature. Pure function of its inputs; the timestamp window
// is a separate check.
func verifySignature(secret string, messageID, timestamp string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	presented, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(messageID))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write(body)
	return hmac.Equal(presented, mac.Sum(nil))
}

// timestampWithinWindow rejects replayed deliveries whose timestamp is older
// than maxSkew relative to now. Future timestamps within the skew are allowed.
func timestampWithinWindow(timestamp string, now time.Time, maxSkew time.Duration) bool {
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return false
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	return delta <= maxSkew
}
