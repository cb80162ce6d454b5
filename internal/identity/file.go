package identity

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadTrustFile reads trust relationships from a JSON file: an array of
// relationship records as produced by SaveTrustFile. Used to seed a relay's
// trust store at boot.
func LoadTrustFile(path string) ([]*TrustRelationship, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust file %s: %w", path, err)
	}

	var rels []*TrustRelationship
	if err := json.Unmarshal(raw, &rels); err != nil {
		return nil, fmt.Errorf("parse trust file %s: %w", path, err)
	}

	for i, rel := range rels {
		if rel == nil || rel.ID == "" || rel.GrantorDeviceID == "" || rel.GranteeDeviceID == "" {
			return nil, fmt.Errorf("trust file %s: record %d is incomplete", path, i)
		}
	}
	return rels, nil
}

// SaveTrustFile writes the relationships as JSON with owner-only permissions.
func SaveTrustFile(path string, rels []*TrustRelationship) error {
	raw, err := json.MarshalIndent(rels, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trust file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write trust file %s: %w", path, err)
	}
	return nil
}

// LoadTrustStore builds an in-memory store seeded from a trust file.
func LoadTrustStore(path string) (*InMemoryTrustStore, error) {
	rels, err := LoadTrustFile(path)
	if err != nil {
		return nil, err
	}
	store := NewInMemoryTrustStore()
	for _, rel := range rels {
		if err := store.Put(rel); err != nil {
			return nil, fmt.Errorf("seed trust store: %w", err)
		}
	}
	return store, nil
}
