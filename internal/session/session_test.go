package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/tetherd/tetherd/internal/crypto/e2ee"
	"github.com/tetherd/tetherd/internal/identity"
)

func testPair(t *testing.T) (e2ee.KeyPair, e2ee.KeyPair) {
	t.Helper()
	alice, err := e2ee.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("alice keypair: %v", err)
	}
	bob, err := e2ee.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("bob keypair: %v", err)
	}
	return alice, bob
}

func TestSealOpenAcrossDevices(t *testing.T) {
	alice, bob := testPair(t)

	sender, err := NewEncryptor(alice.Private, bob.Public, "sess-1")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	receiver, err := NewEncryptor(bob.Private, alice.Public, "sess-1")
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	env, err := sender.Seal(Message{Type: "text", Content: "hello bob"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if env.SessionID != "sess-1" || env.Sequence != 1 || env.ID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	msg, err := receiver.Open(env)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if msg.Type != "text" || msg.Content != "hello bob" {
		t.Fatalf("round trip mismatch: %+v", msg)
	}
}

func TestSequenceIncrements(t *testing.T) {
	alice, bob := testPair(t)
	enc, err := NewEncryptor(alice.Private, bob.Public, "sess-1")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}

	for want := uint64(1); want <= 5; want++ {
		env, err := enc.Seal(Message{Type: "text", Content: "x"})
		if err != nil {
			t.Fatalf("seal %d: %v", want, err)
		}
		if env.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, env.Sequence)
		}
	}
}

func TestSessionKeysAreIsolated(t *testing.T) {
	alice, bob := testPair(t)

	s1, err := NewEncryptor(alice.Private, bob.Public, "sess-1")
	if err != nil {
		t.Fatalf("sess-1: %v", err)
	}
	s2, err := NewEncryptor(bob.Private, alice.Public, "sess-2")
	if err != nil {
		t.Fatalf("sess-2: %v", err)
	}
	if bytes.Equal(s1.key, s2.key) {
		t.Fatal("different sessions must derive different keys")
	}

	env, err := s1.Seal(Message{Type: "text", Content: "secret"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// A sess-2 encryptor must reject sess-1 envelopes outright.
	if _, err := s2.Open(env); err == nil {
		t.Fatal("expected rejection of cross-session envelope")
	}

	// Even with a forged session id, the wrong key must fail closed.
	forged := *env
	forged.SessionID = "sess-2"
	if _, err := s2.Open(&forged); !errors.Is(err, e2ee.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for forged envelope, got %v", err)
	}
}

func TestOpenRejectsTamperedPayload(t *testing.T) {
	alice, bob := testPair(t)
	sender, err := NewEncryptor(alice.Private, bob.Public, "sess-1")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	receiver, err := NewEncryptor(bob.Private, alice.Public, "sess-1")
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	env, err := sender.Seal(Message{Type: "text", Content: "hello"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.Payload = "AAAA" + env.Payload[4:]
	if _, err := receiver.Open(env); err == nil {
		t.Fatal("expected error for tampered payload")
	}
}

func TestChannelKeySeparation(t *testing.T) {
	alice, bob := testPair(t)
	enc, err := NewEncryptor(alice.Private, bob.Public, "sess-1")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}

	file0, err := enc.ChannelKey("file", 0)
	if err != nil {
		t.Fatalf("file:0: %v", err)
	}
	file1, err := enc.ChannelKey("file", 1)
	if err != nil {
		t.Fatalf("file:1: %v", err)
	}
	ctrl0, err := enc.ChannelKey("control", 0)
	if err != nil {
		t.Fatalf("control:0: %v", err)
	}

	if bytes.Equal(file0, file1) {
		t.Fatal("counters must separate channel keys")
	}
	if bytes.Equal(file0, ctrl0) {
		t.Fatal("purposes must separate channel keys")
	}
	if bytes.Equal(file0, enc.key) {
		t.Fatal("channel key must differ from the session key")
	}
}

func TestManagerCachesAndWipes(t *testing.T) {
	alice, bob := testPair(t)

	mgr, err := NewManager(alice.Private, bob.Public, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	e1, err := mgr.Encryptor("sess-1")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	e2, err := mgr.Encryptor("sess-1")
	if err != nil {
		t.Fatalf("encryptor again: %v", err)
	}
	if e1 != e2 {
		t.Fatal("expected cached encryptor for repeated session id")
	}

	key := append([]byte(nil), e1.key...)
	mgr.RemoveSession("sess-1")
	if bytes.Equal(e1.key, key) {
		t.Fatal("expected session key wiped on removal")
	}

	// A fresh encryptor for the same session derives the same key again.
	e3, err := mgr.Encryptor("sess-1")
	if err != nil {
		t.Fatalf("re-derive: %v", err)
	}
	if !bytes.Equal(e3.key, key) {
		t.Fatal("re-derived session key must match the original")
	}

	mgr.Close()
	for _, b := range e3.key {
		if b != 0 {
			t.Fatal("expected all session keys wiped on Close")
		}
	}
}

// Full flow: a trust-root phone approves a new desktop, then the pair
// exchanges the first encrypted message of a session.
func TestPairedDevicesExchangeFirstMessage(t *testing.T) {
	phone, err := identity.NewDeviceIdentity("Alice's iPhone", identity.DeviceIOS, "")
	if err != nil {
		t.Fatalf("phone identity: %v", err)
	}
	desktop, err := identity.NewDeviceIdentity("Alice's MacBook", identity.DeviceMac, "")
	if err != nil {
		t.Fatalf("desktop identity: %v", err)
	}

	grant, err := identity.NewTrustRelationship(phone.ID, desktop.ID, desktop.PublicKey, identity.TrustLevelFull)
	if err != nil {
		t.Fatalf("trust relationship: %v", err)
	}
	if err := grant.Activate(nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !grant.Valid(time.Now()) {
		t.Fatal("expected active trust grant to be valid")
	}

	phoneEnc, err := NewEncryptor(phone.PrivateKey, desktop.PublicKey, "s1")
	if err != nil {
		t.Fatalf("phone encryptor: %v", err)
	}
	desktopEnc, err := NewEncryptor(desktop.PrivateKey, phone.PublicKey, "s1")
	if err != nil {
		t.Fatalf("desktop encryptor: %v", err)
	}

	env, err := phoneEnc.Seal(Message{Type: "text", Content: "hello"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := desktopEnc.Open(env)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.Type != "text" || got.Content != "hello" {
		t.Fatalf("message mismatch: %+v", got)
	}
}
