package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tetherd/tetherd/internal/crypto/e2ee"
)

// DeviceType enumerates the platforms a device identity can claim.
type DeviceType string

const (
	DeviceMac     DeviceType = "mac"
	DeviceLinux   DeviceType = "linux"
	DeviceWindows DeviceType = "windows"
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
)

// ParseDeviceType validates a device type string.
func ParseDeviceType(s string) (DeviceType, error) {
	switch DeviceType(s) {
	case DeviceMac, DeviceLinux, DeviceWindows, DeviceIOS, DeviceAndroid:
		return DeviceType(s), nil
	default:
		return "", fmt.Errorf("unknown device type %q", s)
	}
}

// fingerprintBytes is the length of the random device fingerprint (128 bits).
const fingerprintBytes = 16

// DeviceIdentity is a device's long-term identity. The private key never
// leaves the device; it is excluded from JSON serialization and must only be
// persisted through the keystore.
type DeviceIdentity struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        DeviceType `json:"type"`
	Fingerprint string     `json:"fingerprint"`
	PublicKey   []byte     `json:"publicKey"`
	PrivateKey  []byte     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// NewDeviceIdentity generates a fresh identity with an X25519 key pair. A
// random fingerprint is generated when none is supplied.
func NewDeviceIdentity(name string, dtype DeviceType, fingerprint string) (*DeviceIdentity, error) {
	if name == "" {
		return nil, fmt.Errorf("device name is required")
	}
	if _, err := ParseDeviceType(string(dtype)); err != nil {
		return nil, err
	}
	if fingerprint == "" {
		raw := make([]byte, fingerprintBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate fingerprint: %w", err)
		}
		fingerprint = hex.EncodeToString(raw)
	}

	kp, err := e2ee.GenerateKeyPair(nil)
	if err != nil {
		return nil, fmt.Errorf("generate device key pair: %w", err)
	}

	return &DeviceIdentity{
		ID:          uuid.NewString(),
		Name:        name,
		Type:        dtype,
		Fingerprint: fingerprint,
		PublicKey:   kp.Public,
		PrivateKey:  kp.Private,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Zero overwrites the private key in-place.
func (d *DeviceIdentity) Zero() {
	e2ee.ZeroBytes(d.PrivateKey)
}
