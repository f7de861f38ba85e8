package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const CapabilityEncryption = "encryption"

type TrustLevel string

const (
	TrustPending  TrustLevel = "pending"
	TrustVerified TrustLevel = "verified"
	TrustRevoked  TrustLevel = "revoked"
)

type SecurityLevel string

const (
	SecurityLow         SecurityLevel = "low"
	SecurityMedium      SecurityLevel = "medium"
	SecurityHigh        SecurityLevel = "high"
	SecurityMaximum     SecurityLevel = "maximum"
	SecurityCompromised SecurityLevel = "compromised"
)

var securityRank = map[SecurityLevel]int{
	SecurityLow:     1,
	SecurityMedium:  2,
	SecurityHigh:    3,
	SecurityMaximum: 4,
}

// ParseSecurityLevel accepts any level except compromised, which is only
// ever assigned by revocation. Empty input means medium.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	if s == "" {
		return SecurityMedium, nil
	}
	l := SecurityLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := securityRank[l]; !ok {
		return "", fmt.Errorf("%w: unknown security level %q", ErrInvalidArgument, s)
	}
	return l, nil
}

// CanShareTo reports whether key material held at level l may be handed to
// a device at level to. A share may drop at most one level.
func (l SecurityLevel) CanShareTo(to SecurityLevel) bool {
	from, ok := securityRank[l]
	if !ok {
		return false
	}
	dst, ok := securityRank[to]
	if !ok {
		return false
	}
	return dst >= from-1
}

type RevocationReason string

const (
	ReasonCompromised RevocationReason = "compromised"
	ReasonLost        RevocationReason = "lost"
	ReasonReplaced    RevocationReason = "replaced"
	ReasonUserRemoved RevocationReason = "user_removed"
	ReasonAdmin       RevocationReason = "admin"
)

func ParseRevocationReason(s string) (RevocationReason, error) {
	r := RevocationReason(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case ReasonCompromised, ReasonLost, ReasonReplaced, ReasonUserRemoved, ReasonAdmin:
		return r, nil
	case "":
		return ReasonAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown revocation reason %q", ErrInvalidArgument, s)
}

type Capabilities []string

func (c Capabilities) Has(name string) bool { return slices.Contains(c, name) }

type Device struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            uuid.UUID     `gorm:"type:uuid;not null;index" json:"userId"`
	Name              string        `gorm:"type:text;not null" json:"name"`
	Platform          string        `gorm:"type:text" json:"platform"`
	Fingerprint       string        `gorm:"type:text;not null;uniqueIndex" json:"fingerprint"`
	PublicKey         string        `gorm:"type:text;not null" json:"publicKey"`
	TrustLevel        TrustLevel    `gorm:"type:text;not null;index" json:"trustLevel"`
	SecurityLevel     SecurityLevel `gorm:"type:text;not null" json:"securityLevel"`
	Capabilities      Capabilities  `gorm:"type:text;serializer:json" json:"capabilities"`
	EncryptionVersion int           `gorm:"not null" json:"encryptionVersion"`
	IsActive          bool          `gorm:"not null" json:"isActive"`
	VerifiedAt        *time.Time    `json:"verifiedAt,omitempty"`
	LastSeenAt        *time.Time    `json:"lastSeenAt,omitempty"`
	RevokedAt         *time.Time    `json:"revokedAt,omitempty"`
	RevocationReason  string        `gorm:"type:text" json:"revocationReason,omitempty"`
	RevocationDetail  string        `gorm:"type:text" json:"revocationDetail,omitempty"`
	CreatedAt         time.Time     `gorm:"not null" json:"createdAt"`
	UpdatedAt         time.Time     `gorm:"not null" json:"updatedAt"`
}

func (Device) TableName() string { return "devices" }

func (d *Device) Revoked() bool {
	return d.TrustLevel == TrustRevoked || d.RevokedAt != nil
}

// Entitled reports whether rotation should wrap new keys for d.
func (d *Device) Entitled() bool {
	return d.IsActive &&
		!d.Revoked() &&
		d.TrustLevel == TrustVerified &&
		d.SecurityLevel != SecurityCompromised &&
		d.Capabilities.Has(CapabilityEncryption)
}
