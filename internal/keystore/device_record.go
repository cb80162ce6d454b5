package keystore

import (
	"errors"
	"fmt"
	"time"
)

const (
	deviceRecordVersion = 1
	x25519KeySize       = 32
	maxSecretBytes      = 16 * 1024
	maxFingerprintChars = 128
)

var ErrInvalidDeviceRecord = errors.New("invalid device key record")

// DeviceKeyRecord stores a device's long-term identity key material inside a
// sealed keystore record.
type DeviceKeyRecord struct {
	Version     int       `json:"version"`
	DeviceID    string    `json:"device_id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Fingerprint string    `json:"fingerprint"`
	PublicKey   []byte    `json:"public_key"`
	PrivateKey  []byte    `json:"private_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy of the record to avoid exposing internal buffers.
func (r DeviceKeyRecord) Clone() DeviceKeyRecord {
	out := r
	out.PublicKey = cloneBytes(r.PublicKey)
	out.PrivateKey = cloneBytes(r.PrivateKey)
	return out
}

// Zero overwrites the private key in-place.
func (r *DeviceKeyRecord) Zero() {
	zeroBytes(r.PrivateKey)
}

func normalizeDeviceRecord(in DeviceKeyRecord, now time.Time) (DeviceKeyRecord, error) {
	if in.DeviceID == "" {
		return DeviceKeyRecord{}, ErrInvalidSecretID
	}
	out := in.Clone()
	if now.IsZero() {
		now = time.Now()
	}
	if out.Version == 0 {
		out.Version = deviceRecordVersion
	}
	if out.Version != deviceRecordVersion {
		return DeviceKeyRecord{}, fmt.Errorf("unsupported device record version %d: %w", out.Version, ErrInvalidDeviceRecord)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now.UTC()
	}
	if err := validateDeviceRecord(out); err != nil {
		return DeviceKeyRecord{}, err
	}
	return out, nil
}

func validateDeviceRecord(rec DeviceKeyRecord) error {
	if len(rec.PublicKey) != x25519KeySize {
		return fmt.Errorf("public_key must be %d bytes (got %d): %w", x25519KeySize, len(rec.PublicKey), ErrInvalidDeviceRecord)
	}
	if len(rec.PrivateKey) != x25519KeySize {
		return fmt.Errorf("private_key must be %d bytes (got %d): %w", x25519KeySize, len(rec.PrivateKey), ErrInvalidDeviceRecord)
	}
	if len(rec.Fingerprint) > maxFingerprintChars {
		return fmt.Errorf("fingerprint too long (%d chars, max %d): %w", len(rec.Fingerprint), maxFingerprintChars, ErrInvalidDeviceRecord)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
