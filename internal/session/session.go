// Package session implements pairwise end-to-end encryption between two
// devices. Each relay session gets its own symmetric key derived from the
// devices' long-term X25519 keys, so compromising one session's key exposes
// nothing about any other session.
package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherd/tetherd/internal/crypto/e2ee"
)

const sessionInfoPrefix = "tetherd/session:"

// Message is the plaintext unit exchanged inside a session.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Envelope is the wire form of an encrypted session message. Nonce and
// payload are base64; the plaintext never appears here.
type Envelope struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Nonce     string    `json:"nonce"`
	Payload   string    `json:"payload"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Encryptor seals and opens messages for one session between one pair of
// devices. Safe for concurrent use; the session key is fixed at construction.
type Encryptor struct {
	sessionID string
	key       []byte

	mu  sync.Mutex
	seq uint64
}

// NewEncryptor derives the session key from our private key and the peer's
// public key. Both sides derive the same key for the same session ID. The
// intermediate shared secret is wiped before returning.
func NewEncryptor(myPrivate, peerPublic []byte, sessionID string) (*Encryptor, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	secret, err := e2ee.SharedSecret(myPrivate, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	defer e2ee.ZeroBytes(secret)

	key, err := e2ee.DeriveKey(secret, sessionInfoPrefix+sessionID, nil, e2ee.KeySize)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	return &Encryptor{sessionID: sessionID, key: key}, nil
}

// SessionID returns the session this encryptor serves.
func (e *Encryptor) SessionID() string { return e.sessionID }

// Seal encrypts a message and assigns it the next sequence number.
func (e *Encryptor) Seal(msg Message) (*Envelope, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	nonce, ciphertext, err := e2ee.Encrypt(e.key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal session %s message: %w", e.sessionID, err)
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	return &Envelope{
		ID:        uuid.NewString(),
		SessionID: e.sessionID,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Payload:   base64.StdEncoding.EncodeToString(ciphertext),
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Open decrypts an envelope. Envelopes for other sessions are rejected before
// any cryptography runs.
func (e *Encryptor) Open(env *Envelope) (Message, error) {
	if env.SessionID != e.sessionID {
		return Message{}, fmt.Errorf("envelope for session %s, encryptor serves %s", env.SessionID, e.sessionID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return Message{}, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}

	plaintext, err := e2ee.Decrypt(e.key, nonce, ciphertext)
	if err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	return msg, nil
}

// ChannelKey derives a purpose-bound subkey from the session key, for
// sub-channels (file transfer, control) that must not share keys with the
// message stream. Distinct purpose or counter values yield unrelated keys.
func (e *Encryptor) ChannelKey(purpose string, counter uint32) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("channel purpose is required")
	}
	return e2ee.DeriveKey(e.key, fmt.Sprintf("chan:%s:%d", purpose, counter), nil, e2ee.KeySize)
}

// Close wipes the session key. The encryptor must not be used afterwards.
func (e *Encryptor) Close() {
	e2ee.ZeroBytes(e.key)
}
