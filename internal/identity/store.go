package identity

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// TrustStore keeps trust relationships for lookup by the routing layer.
type TrustStore interface {
	Put(rel *TrustRelationship) error
	Get(id string) (*TrustRelationship, bool)
	// ForGrantee returns all relationships naming the device as grantee.
	ForGrantee(deviceID string) []*TrustRelationship
	// ValidFor reports whether any relationship currently authorizes the
	// grantee device.
	ValidFor(deviceID string, now time.Time) bool
	Delete(id string) bool
	List() []*TrustRelationship
}

// InMemoryTrustStore is a map-backed TrustStore safe for concurrent use.
type InMemoryTrustStore struct {
	mu        sync.RWMutex
	rels      map[string]*TrustRelationship
	byGrantee map[string]map[string]struct{}
}

// NewInMemoryTrustStore builds an empty trust store.
func NewInMemoryTrustStore() *InMemoryTrustStore {
	return &InMemoryTrustStore{
		rels:      make(map[string]*TrustRelationship),
		byGrantee: make(map[string]map[string]struct{}),
	}
}

// Put inserts or replaces a relationship keyed by its ID.
func (s *InMemoryTrustStore) Put(rel *TrustRelationship) error {
	if rel == nil || rel.ID == "" {
		return errors.New("trust relationship id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rels[rel.ID]; ok && existing.GranteeDeviceID != rel.GranteeDeviceID {
		delete(s.byGrantee[existing.GranteeDeviceID], rel.ID)
	}
	cp := *rel
	cp.GranteePublicKey = append([]byte(nil), rel.GranteePublicKey...)
	s.rels[rel.ID] = &cp
	if s.byGrantee[cp.GranteeDeviceID] == nil {
		s.byGrantee[cp.GranteeDeviceID] = make(map[string]struct{})
	}
	s.byGrantee[cp.GranteeDeviceID][cp.ID] = struct{}{}
	return nil
}

// Get fetches a relationship by ID.
func (s *InMemoryTrustStore) Get(id string) (*TrustRelationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, ok := s.rels[id]
	if !ok {
		return nil, false
	}
	cp := *rel
	cp.GranteePublicKey = append([]byte(nil), rel.GranteePublicKey...)
	return &cp, true
}

// ForGrantee returns relationships naming the device as grantee, sorted by ID.
func (s *InMemoryTrustStore) ForGrantee(deviceID string) []*TrustRelationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byGrantee[deviceID]
	out := make([]*TrustRelationship, 0, len(ids))
	for id := range ids {
		rel := s.rels[id]
		cp := *rel
		cp.GranteePublicKey = append([]byte(nil), rel.GranteePublicKey...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidFor reports whether any stored relationship authorizes the device.
func (s *InMemoryTrustStore) ValidFor(deviceID string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id := range s.byGrantee[deviceID] {
		if s.rels[id].Valid(now) {
			return true
		}
	}
	return false
}

// Delete removes a relationship by ID.
func (s *InMemoryTrustStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := s.rels[id]
	if !ok {
		return false
	}
	delete(s.byGrantee[rel.GranteeDeviceID], id)
	if len(s.byGrantee[rel.GranteeDeviceID]) == 0 {
		delete(s.byGrantee, rel.GranteeDeviceID)
	}
	delete(s.rels, id)
	return true
}

// List enumerates all relationships sorted by ID.
func (s *InMemoryTrustStore) List() []*TrustRelationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TrustRelationship, 0, len(s.rels))
	for _, rel := range s.rels {
		cp := *rel
		cp.GranteePublicKey = append([]byte(nil), rel.GranteePublicKey...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
