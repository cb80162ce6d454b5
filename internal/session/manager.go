package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager caches one Encryptor per session against a fixed peer key pair.
// Constructing the manager does not touch the network; encryptors are built
// lazily on first use.
type Manager struct {
	myPrivate  []byte
	peerPublic []byte
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Encryptor
}

// NewManager builds a manager for one device pair. The private key slice is
// copied; callers remain responsible for their own copy.
func NewManager(myPrivate, peerPublic []byte, logger *zap.Logger) (*Manager, error) {
	if len(myPrivate) == 0 || len(peerPublic) == 0 {
		return nil, fmt.Errorf("both key halves are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		myPrivate:  append([]byte(nil), myPrivate...),
		peerPublic: append([]byte(nil), peerPublic...),
		logger:     logger,
		sessions:   make(map[string]*Encryptor),
	}, nil
}

// Encryptor returns the cached encryptor for the session, deriving it on
// first request.
func (m *Manager) Encryptor(sessionID string) (*Encryptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enc, ok := m.sessions[sessionID]; ok {
		return enc, nil
	}

	enc, err := NewEncryptor(m.myPrivate, m.peerPublic, sessionID)
	if err != nil {
		return nil, err
	}
	m.sessions[sessionID] = enc
	m.logger.Debug("derived session key", zap.String("session_id", sessionID))
	return enc, nil
}

// RemoveSession wipes and forgets the session's key material.
func (m *Manager) RemoveSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enc, ok := m.sessions[sessionID]; ok {
		enc.Close()
		delete(m.sessions, sessionID)
		m.logger.Debug("removed session key", zap.String("session_id", sessionID))
	}
}

// Close wipes every cached session key and the stored key pair halves.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, enc := range m.sessions {
		enc.Close()
		delete(m.sessions, id)
	}
	for i := range m.myPrivate {
		m.myPrivate[i] = 0
	}
}
