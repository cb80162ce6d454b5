package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tetherd/tetherd/internal/crypto/e2ee"
)

// TrustLevel grades how much standing a grantee device has in the grantor's
// sessions.
type TrustLevel int

const (
	TrustLevelBasic    TrustLevel = 1
	TrustLevelStandard TrustLevel = 2
	TrustLevelFull     TrustLevel = 3
)

// TrustStatus is the lifecycle state of a trust relationship.
type TrustStatus string

const (
	TrustPending TrustStatus = "pending"
	TrustActive  TrustStatus = "active"
	TrustRevoked TrustStatus = "revoked"
	TrustExpired TrustStatus = "expired"
)

var (
	ErrNotPending = errors.New("trust relationship is not pending")
)

// TrustRelationship records that a grantor device vouches for a grantee
// device's public key. Created by the trust root when approving a pairing
// request; mutated only by the granting device.
type TrustRelationship struct {
	ID               string      `json:"id"`
	GrantorDeviceID  string      `json:"grantorDeviceId"`
	GranteeDeviceID  string      `json:"granteeDeviceId"`
	GranteePublicKey []byte      `json:"granteePublicKey"`
	Level            TrustLevel  `json:"trustLevel"`
	Status           TrustStatus `json:"status"`
	EstablishedAt    time.Time   `json:"establishedAt"`
	ExpiresAt        *time.Time  `json:"expiresAt,omitempty"`
}

// NewTrustRelationship creates a pending relationship. Activation is a
// separate, explicit step.
func NewTrustRelationship(grantorID, granteeID string, granteePublicKey []byte, level TrustLevel) (*TrustRelationship, error) {
	if grantorID == "" || granteeID == "" {
		return nil, fmt.Errorf("grantor and grantee device ids are required")
	}
	if grantorID == granteeID {
		return nil, fmt.Errorf("a device cannot grant trust to itself")
	}
	if level < TrustLevelBasic || level > TrustLevelFull {
		return nil, fmt.Errorf("trust level must be between %d and %d (got %d)", TrustLevelBasic, TrustLevelFull, level)
	}
	if err := e2ee.ValidatePublicKey(granteePublicKey); err != nil {
		return nil, fmt.Errorf("grantee public key: %w", err)
	}

	return &TrustRelationship{
		ID:               uuid.NewString(),
		GrantorDeviceID:  grantorID,
		GranteeDeviceID:  granteeID,
		GranteePublicKey: append([]byte(nil), granteePublicKey...),
		Level:            level,
		Status:           TrustPending,
		EstablishedAt:    time.Now().UTC(),
	}, nil
}

// Activate is the only legal path to the active state.
func (t *TrustRelationship) Activate(expiresAt *time.Time) error {
	if t.Status != TrustPending {
		return fmt.Errorf("activate %s relationship %s: %w", t.Status, t.ID, ErrNotPending)
	}
	t.Status = TrustActive
	t.ExpiresAt = expiresAt
	return nil
}

// Revoke marks the relationship revoked. Revoking an already-revoked
// relationship is a no-op.
func (t *TrustRelationship) Revoke() {
	t.Status = TrustRevoked
}

// Valid reports whether the relationship currently authorizes the grantee.
// This is the single authorization predicate the routing layer consults
// before permitting role registration for a non-root device.
func (t *TrustRelationship) Valid(now time.Time) bool {
	if t.Status != TrustActive {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// EffectiveStatus folds expiry into the stored status: a pending or active
// relationship whose expiry has passed is reported (and treated) as expired.
func (t *TrustRelationship) EffectiveStatus(now time.Time) TrustStatus {
	if (t.Status == TrustActive || t.Status == TrustPending) &&
		t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return TrustExpired
	}
	return t.Status
}
