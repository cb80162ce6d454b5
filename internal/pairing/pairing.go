// Package pairing carries the out-of-band payload a trusted device shows (as
// a QR code or copyable blob) so a new device can join the account.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the current payload format version. Decoders reject anything
// else.
const Version = 1

// DefaultTTL is how long a freshly issued payload stays redeemable.
const DefaultTTL = 5 * time.Minute

const tokenBytes = 32

// Payload is the pairing offer serialized into the QR code.
type Payload struct {
	Version        int       `json:"version"`
	TokenID        string    `json:"tokenId"`
	Token          string    `json:"token"`
	RelaySessionID string    `json:"relaySessionId"`
	DeviceName     string    `json:"deviceName"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// NewPayload issues a pairing offer with a fresh single-use token. The relay
// session ID names the rendezvous session both sides join to complete the
// handshake.
func NewPayload(relaySessionID, deviceName string, ttl time.Duration) (*Payload, error) {
	if relaySessionID == "" {
		return nil, fmt.Errorf("relay session id is required")
	}
	if deviceName == "" {
		return nil, fmt.Errorf("device name is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate pairing token: %w", err)
	}

	return &Payload{
		Version:        Version,
		TokenID:        uuid.NewString(),
		Token:          base64.RawURLEncoding.EncodeToString(raw),
		RelaySessionID: relaySessionID,
		DeviceName:     deviceName,
		ExpiresAt:      time.Now().UTC().Add(ttl),
	}, nil
}

// Expired reports whether the payload can no longer be redeemed.
func (p *Payload) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Encode serializes the payload for embedding in a QR code.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses and validates a scanned payload. Expiry is checked against
// the supplied clock so callers control the time source.
func Decode(raw []byte, now time.Time) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse pairing payload: %w", err)
	}
	if p.Version != Version {
		return nil, fmt.Errorf("unsupported pairing payload version %d", p.Version)
	}
	if p.TokenID == "" || p.Token == "" {
		return nil, fmt.Errorf("pairing payload is missing token material")
	}
	if p.RelaySessionID == "" {
		return nil, fmt.Errorf("pairing payload is missing relay session id")
	}
	if p.Expired(now) {
		return nil, fmt.Errorf("pairing payload expired at %s", p.ExpiresAt.Format(time.RFC3339))
	}
	return &p, nil
}
