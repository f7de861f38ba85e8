package dto

import "time"

type RegisterDeviceRequest struct {
	UserID            string   `json:"userId"`
	Name              string   `json:"name"`
	Platform          string   `json:"platform"`
	PublicKey         string   `json:"publicKey"`
	Fingerprint       string   `json:"fingerprint,omitempty"`
	Capabilities      []string `json:"capabilities"`
	SecurityLevel     string   `json:"securityLevel,omitempty"`
	EncryptionVersion int      `json:"encryptionVersion,omitempty"`
}

type RevokeDeviceRequest struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type PairingTokenRequest struct {
	SponsorDeviceID string `json:"sponsorDeviceId"`
}

type PairingTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CompletePairingRequest struct {
	Token string `json:"token"`
}
