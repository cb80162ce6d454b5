package e2ee

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestGenerateKeyPairDeterministic(t *testing.T) {
	reader := bytes.NewReader(bytes.Repeat([]byte{0x11}, 64))
	kp, err := GenerateKeyPair(reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if len(kp.Public) != KeySize || len(kp.Private) != KeySize {
		t.Fatalf("unexpected key sizes: pub=%d priv=%d", len(kp.Public), len(kp.Private))
	}
	expectedID, _ := KeyIdentifier(kp.Public)
	if kp.ID != expectedID {
		t.Fatalf("expected key id %s, got %s", expectedID, kp.ID)
	}

	kp.Zero()
	if !isZero(kp.Private) {
		t.Fatal("expected zeroized private key after Zero()")
	}
}

func TestValidatePublicKeyRejectsInvalid(t *testing.T) {
	if err := ValidatePublicKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
	zero := make([]byte, KeySize)
	if err := ValidatePublicKey(zero); err == nil {
		t.Fatal("expected error for low-entropy key")
	}
}

func TestSharedSecretSymmetric(t *testing.T) {
	alice, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("alice keypair: %v", err)
	}
	bob, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("bob keypair: %v", err)
	}

	secret1, err := SharedSecret(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("shared secret 1: %v", err)
	}
	secret2, err := SharedSecret(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("shared secret 2: %v", err)
	}
	if !bytes.Equal(secret1, secret2) {
		t.Fatalf("shared secrets differ: %x vs %x", secret1, secret2)
	}
	if len(secret1) != KeySize {
		t.Fatalf("expected shared secret length %d, got %d", KeySize, len(secret1))
	}
}

func TestDeriveKeyDeterministicAndSeparated(t *testing.T) {
	secret := []byte("this-is-a-shared-secret-32-bytes!")
	salt := []byte("salty")

	k1, err := DeriveKey(secret, "session:s1", salt, 0)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveKey(secret, "session:s1", salt, 0)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("same inputs must derive the same key")
	}

	// Changing info or salt must change the key.
	other, err := DeriveKey(secret, "session:s2", salt, 0)
	if err != nil {
		t.Fatalf("derive other info: %v", err)
	}
	if bytes.Equal(k1, other) {
		t.Fatal("different info labels derived the same key")
	}
	salted, err := DeriveKey(secret, "session:s1", []byte("pepper"), 0)
	if err != nil {
		t.Fatalf("derive other salt: %v", err)
	}
	if bytes.Equal(k1, salted) {
		t.Fatal("different salts derived the same key")
	}
}

func TestDeriveKeySeparationRandomized(t *testing.T) {
	// Property check over random secrets: distinct labels never collide.
	for i := 0; i < 32; i++ {
		secret := make([]byte, KeySize)
		if _, err := rand.Read(secret); err != nil {
			t.Fatalf("rand: %v", err)
		}
		a, err := DeriveKey(secret, "chan:control:0", nil, 0)
		if err != nil {
			t.Fatalf("derive a: %v", err)
		}
		b, err := DeriveKey(secret, "chan:control:1", nil, 0)
		if err != nil {
			t.Fatalf("derive b: %v", err)
		}
		if bytes.Equal(a, b) {
			t.Fatalf("iteration %d: distinct counters derived the same key", i)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	plaintext := []byte(`{"type":"text","content":"hello"}`)

	nonce, ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("expected %d-byte nonce, got %d", NonceSize, len(nonce))
	}

	out, err := Decrypt(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("round trip mismatch: %q vs %q", out, plaintext)
	}

	// Fresh nonce per call.
	nonce2, _, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt again: %v", err)
	}
	if bytes.Equal(nonce, nonce2) {
		t.Fatal("nonce reused across encryptions")
	}
}

func TestDecryptFailsClosedOnTamper(t *testing.T) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	nonce, ciphertext, err := Encrypt(key, []byte("attack at dawn"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	for i := range ciphertext {
		tampered := append([]byte(nil), ciphertext...)
		tampered[i] ^= 0x01
		if _, err := Decrypt(key, nonce, tampered); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("tampered ciphertext byte %d: expected ErrDecrypt, got %v", i, err)
		}
	}

	badNonce := append([]byte(nil), nonce...)
	badNonce[0] ^= 0x01
	if _, err := Decrypt(key, badNonce, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("tampered nonce: expected ErrDecrypt, got %v", err)
	}

	wrongKey := make([]byte, KeySize)
	if _, err := rand.Read(wrongKey); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := Decrypt(wrongKey, nonce, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("wrong key: expected ErrDecrypt, got %v", err)
	}
}
