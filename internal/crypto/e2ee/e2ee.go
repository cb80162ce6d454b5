package e2ee

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of X25519 public/private keys and derived keys.
	KeySize = 32
	// NonceSize is the XChaCha20-Poly1305 nonce length.
	NonceSize = chacha20poly1305.NonceSizeX
)

// ErrDecrypt is returned whenever authenticated decryption fails. The cause
// (wrong key, flipped bit, truncated ciphertext) is deliberately not
// distinguished.
var ErrDecrypt = errors.New("decryption failed: authentication error")

// KeyPair holds an X25519 key pair and a deterministic identifier derived
// from the public key.
type KeyPair struct {
	Public  []byte
	Private []byte
	ID      string
}

// Zero overwrites the private key in-place. The key pair must not be used
// afterwards.
func (kp *KeyPair) Zero() {
	ZeroBytes(kp.Private)
}

var (
	curve          = ecdh.X25519()
	validationPriv *ecdh.PrivateKey
)

func init() {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Errorf("init validation key: %w", err))
	}
	validationPriv = priv
}

// GenerateKeyPair produces a fresh X25519 key pair using the provided source
// of randomness (crypto/rand when nil).
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub := priv.PublicKey()
	id, err := KeyIdentifier(pub.Bytes())
	if err != nil {
		return KeyPair{}, err
	}

	return KeyPair{
		Public:  append([]byte(nil), pub.Bytes()...),
		Private: append([]byte(nil), priv.Bytes()...),
		ID:      id,
	}, nil
}

// ValidatePublicKey ensures the provided key has the expected size and does
// not yield a zero shared secret.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	parsed, err := curve.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	secret, err := validationPriv.ECDH(parsed)
	if err != nil {
		return fmt.Errorf("derive test shared secret: %w", err)
	}
	defer ZeroBytes(secret)
	if isZero(secret) {
		return fmt.Errorf("public key yielded low-entropy shared secret")
	}
	return nil
}

// KeyIdentifier returns a deterministic identifier derived from the SHA-256
// hash of the public key.
func KeyIdentifier(pub []byte) (string, error) {
	if len(pub) != KeySize {
		return "", fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// SharedSecret computes the X25519 shared secret for the provided
// private/peer-public key pair. The result is symmetric:
// SharedSecret(aPriv, bPub) == SharedSecret(bPriv, aPub).
func SharedSecret(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes (got %d)", KeySize, len(private))
	}
	if err := ValidatePublicKey(peerPublic); err != nil {
		return nil, err
	}

	privKey, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pubKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	secret, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	if isZero(secret) {
		return nil, fmt.Errorf("shared secret is all zeros")
	}
	return secret, nil
}

// DeriveKey expands the secret with HKDF-SHA256 bound to the given info
// label and optional salt. Identical inputs always yield identical keys;
// any change to info or salt yields an unrelated key. A non-positive length
// defaults to KeySize.
func DeriveKey(secret []byte, info string, salt []byte, length int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret required")
	}
	if info == "" {
		return nil, fmt.Errorf("info label required")
	}
	if length <= 0 {
		length = KeySize
	}

	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		ZeroBytes(key)
		return nil, fmt.Errorf("derive key %q: %w", info, err)
	}
	return key, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305 under a fresh random
// 24-byte nonce.
func Encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens an XChaCha20-Poly1305 ciphertext. Any tampering of key,
// nonce, or ciphertext yields ErrDecrypt; no partial plaintext is ever
// returned.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes (got %d): %w", NonceSize, len(nonce), ErrDecrypt)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ZeroBytes overwrites the slice with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
