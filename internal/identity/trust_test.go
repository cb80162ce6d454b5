package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/tetherd/tetherd/internal/crypto/e2ee"
)

func testKeyPair(t *testing.T) e2ee.KeyPair {
	t.Helper()
	kp, err := e2ee.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestNewTrustRelationshipStartsPending(t *testing.T) {
	kp := testKeyPair(t)
	rel, err := NewTrustRelationship("root-dev", "new-dev", kp.Public, TrustLevelStandard)
	if err != nil {
		t.Fatalf("new relationship: %v", err)
	}
	if rel.Status != TrustPending {
		t.Fatalf("expected pending, got %s", rel.Status)
	}
	if rel.Valid(time.Now()) {
		t.Fatal("pending relationship must not be valid")
	}
}

func TestNewTrustRelationshipValidation(t *testing.T) {
	kp := testKeyPair(t)
	if _, err := NewTrustRelationship("", "b", kp.Public, TrustLevelBasic); err == nil {
		t.Fatal("expected error for missing grantor")
	}
	if _, err := NewTrustRelationship("a", "a", kp.Public, TrustLevelBasic); err == nil {
		t.Fatal("expected error for self-trust")
	}
	if _, err := NewTrustRelationship("a", "b", kp.Public, TrustLevel(0)); err == nil {
		t.Fatal("expected error for out-of-range level")
	}
	if _, err := NewTrustRelationship("a", "b", []byte{1, 2, 3}, TrustLevelBasic); err == nil {
		t.Fatal("expected error for bad public key")
	}
}

func TestTrustLifecycle(t *testing.T) {
	kp := testKeyPair(t)
	rel, err := NewTrustRelationship("a", "b", kp.Public, TrustLevelFull)
	if err != nil {
		t.Fatalf("new relationship: %v", err)
	}

	if err := rel.Activate(nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !rel.Valid(time.Now()) {
		t.Fatal("active relationship without expiry must be valid")
	}

	// Activation is one-way.
	if err := rel.Activate(nil); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second activate: expected ErrNotPending, got %v", err)
	}

	rel.Revoke()
	if rel.Status != TrustRevoked {
		t.Fatalf("expected revoked, got %s", rel.Status)
	}
	if rel.Valid(time.Now()) {
		t.Fatal("revoked relationship must not be valid")
	}

	// Revoking again is a no-op.
	rel.Revoke()
	if rel.Status != TrustRevoked {
		t.Fatalf("expected revoked after second revoke, got %s", rel.Status)
	}
	if err := rel.Activate(nil); !errors.Is(err, ErrNotPending) {
		t.Fatalf("activate after revoke: expected ErrNotPending, got %v", err)
	}
}

func TestTrustExpiry(t *testing.T) {
	kp := testKeyPair(t)
	rel, err := NewTrustRelationship("a", "b", kp.Public, TrustLevelStandard)
	if err != nil {
		t.Fatalf("new relationship: %v", err)
	}
	expires := time.Now().Add(time.Hour)
	if err := rel.Activate(&expires); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if !rel.Valid(expires.Add(-time.Minute)) {
		t.Fatal("relationship should be valid before expiry")
	}
	if rel.Valid(expires) {
		t.Fatal("relationship must be invalid at the expiry instant")
	}
	if rel.Valid(expires.Add(time.Minute)) {
		t.Fatal("relationship must be invalid after expiry")
	}

	if got := rel.EffectiveStatus(expires.Add(-time.Minute)); got != TrustActive {
		t.Fatalf("expected active before expiry, got %s", got)
	}
	if got := rel.EffectiveStatus(expires.Add(time.Minute)); got != TrustExpired {
		t.Fatalf("expected expired after expiry, got %s", got)
	}

	// Revocation wins over expiry in reporting.
	rel.Revoke()
	if got := rel.EffectiveStatus(expires.Add(time.Minute)); got != TrustRevoked {
		t.Fatalf("expected revoked, got %s", got)
	}
}

func TestInMemoryTrustStore(t *testing.T) {
	kp := testKeyPair(t)
	store := NewInMemoryTrustStore()

	rel, err := NewTrustRelationship("a", "b", kp.Public, TrustLevelStandard)
	if err != nil {
		t.Fatalf("new relationship: %v", err)
	}
	if err := store.Put(rel); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := store.Get(rel.ID)
	if !ok {
		t.Fatal("expected stored relationship")
	}
	if got.GranteeDeviceID != "b" {
		t.Fatalf("unexpected grantee %s", got.GranteeDeviceID)
	}

	// Pending grants do not authorize.
	if store.ValidFor("b", time.Now()) {
		t.Fatal("pending grant must not authorize")
	}

	if err := rel.Activate(nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := store.Put(rel); err != nil {
		t.Fatalf("put updated: %v", err)
	}
	if !store.ValidFor("b", time.Now()) {
		t.Fatal("active grant must authorize")
	}
	if store.ValidFor("c", time.Now()) {
		t.Fatal("unknown device must not authorize")
	}

	rels := store.ForGrantee("b")
	if len(rels) != 1 || rels[0].ID != rel.ID {
		t.Fatalf("unexpected ForGrantee result: %+v", rels)
	}

	// Mutating the returned copy must not affect the store.
	rels[0].Revoke()
	if !store.ValidFor("b", time.Now()) {
		t.Fatal("store must hand out copies")
	}

	if !store.Delete(rel.ID) {
		t.Fatal("expected delete to succeed")
	}
	if store.Delete(rel.ID) {
		t.Fatal("expected second delete to report missing")
	}
	if store.ValidFor("b", time.Now()) {
		t.Fatal("deleted grant must not authorize")
	}
	if len(store.List()) != 0 {
		t.Fatal("expected empty store after delete")
	}
}

func TestInMemoryTrustStoreRevocationPropagates(t *testing.T) {
	kp := testKeyPair(t)
	store := NewInMemoryTrustStore()

	rel, err := NewTrustRelationship("a", "b", kp.Public, TrustLevelFull)
	if err != nil {
		t.Fatalf("new relationship: %v", err)
	}
	if err := rel.Activate(nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := store.Put(rel); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !store.ValidFor("b", time.Now()) {
		t.Fatal("expected grant to authorize")
	}

	rel.Revoke()
	if err := store.Put(rel); err != nil {
		t.Fatalf("put revoked: %v", err)
	}
	if store.ValidFor("b", time.Now()) {
		t.Fatal("revoked grant must stop authorizing immediately")
	}
}
