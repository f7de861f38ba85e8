package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/notify"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/observability/metrics"
	"e2ee-keys/internal/pairing"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

type rotator interface {
	Rotate(ctx context.Context, req RotateRequest) (*RotationResult, error)
}

// TrustManager owns device registration and the pending, verified and
// revoked trust states. Revocation is terminal until the device registers
// again.
type TrustManager struct {
	store      *store.Store
	rotator    rotator
	pairing    *pairing.Signer
	pairingTTL time.Duration
	notifier   notify.Notifier
	now        func() time.Time
}

type RegisterDeviceInput struct {
	UserID       uuid.UUID
	Name         string
	Platform     string
	PublicKeyPEM string
	// Fingerprint defaults to the SHA-256 of the public key.
	Fingerprint       string
	Capabilities      []string
	SecurityLevel     string
	EncryptionVersion int
}

// RegisterDevice records a new device as pending, or refreshes an existing
// registration with the same fingerprint. A changed public key or a revoked
// device drops back to pending. A key once revoked as compromised is refused
// under any fingerprint; the device needs a new key pair.
func (m *TrustManager) RegisterDevice(ctx context.Context, in RegisterDeviceInput) (*domain.Device, error) {
	d, err := m.registerDevice(ctx, in)
	metrics.DeviceRegistrationsTotal.WithLabelValues(metrics.Result(err)).Inc()
	return d, err
}

func (m *TrustManager) registerDevice(ctx context.Context, in RegisterDeviceInput) (*domain.Device, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: device name required", domain.ErrInvalidArgument)
	}
	caps := normalizeCapabilities(in.Capabilities)
	if !caps.Has(domain.CapabilityEncryption) {
		return nil, domain.ErrMissingEncryption
	}
	if _, err := cryptocore.ParsePublicKeyPEM(in.PublicKeyPEM); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	level, err := domain.ParseSecurityLevel(in.SecurityLevel)
	if err != nil {
		return nil, err
	}
	encVersion := in.EncryptionVersion
	if encVersion == 0 {
		encVersion = cryptocore.CurrentEncryptionVersion
	}
	if encVersion < 0 || encVersion > cryptocore.CurrentEncryptionVersion {
		return nil, fmt.Errorf("%w: unsupported encryption version %d", domain.ErrInvalidArgument, in.EncryptionVersion)
	}
	fingerprint := strings.TrimSpace(in.Fingerprint)
	if fingerprint == "" {
		if fingerprint, err = cryptocore.Fingerprint(in.PublicKeyPEM); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
	}

	now := m.now()
	var out *domain.Device
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		compromised, err := tx.Devices().KeyCompromised(ctx, in.PublicKeyPEM)
		if err != nil {
			return err
		}
		if compromised {
			return domain.ErrCompromisedKey
		}
		existing, err := tx.Devices().GetByFingerprint(ctx, fingerprint)
		if errors.Is(err, store.ErrRecordNotFound) {
			d := &domain.Device{
				ID:                uuid.New(),
				UserID:            in.UserID,
				Name:              name,
				Platform:          in.Platform,
				Fingerprint:       fingerprint,
				PublicKey:         in.PublicKeyPEM,
				TrustLevel:        domain.TrustPending,
				SecurityLevel:     level,
				Capabilities:      caps,
				EncryptionVersion: encVersion,
				IsActive:          true,
				LastSeenAt:        &now,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := tx.Devices().Create(ctx, d); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return domain.ErrFingerprintTaken
				}
				return err
			}
			out = d
			return nil
		}
		if err != nil {
			return err
		}
		if existing.UserID != in.UserID {
			return domain.ErrFingerprintTaken
		}

		wasRevoked := existing.Revoked()
		if wasRevoked {
			existing.IsActive = true
			existing.RevokedAt = nil
			existing.RevocationReason = ""
			existing.RevocationDetail = ""
		}
		if wasRevoked || existing.PublicKey != in.PublicKeyPEM {
			existing.TrustLevel = domain.TrustPending
			existing.VerifiedAt = nil
		}
		existing.Name = name
		existing.Platform = in.Platform
		existing.PublicKey = in.PublicKeyPEM
		existing.SecurityLevel = level
		existing.Capabilities = caps
		existing.EncryptionVersion = encVersion
		existing.LastSeenAt = &now
		existing.UpdatedAt = now
		out = existing
		return tx.Devices().Save(ctx, existing)
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("device registered",
		"device_id", out.ID,
		"user_id", out.UserID,
		"trust_level", out.TrustLevel,
	)
	return out, nil
}

// MarkAsTrusted moves a pending device to verified. Revoked devices cannot
// be trusted again without registering.
func (m *TrustManager) MarkAsTrusted(ctx context.Context, deviceID uuid.UUID) (*domain.Device, error) {
	var out *domain.Device
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		d, err := tx.Devices().Get(ctx, deviceID)
		if err != nil {
			return translateNotFound(err, domain.ErrDeviceNotFound)
		}
		if d.Revoked() || !d.IsActive {
			return domain.ErrDeviceRevoked
		}
		out = d
		if d.TrustLevel == domain.TrustVerified {
			return nil
		}
		now := m.now()
		d.TrustLevel = domain.TrustVerified
		d.VerifiedAt = &now
		d.UpdatedAt = now
		return tx.Devices().Save(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("device trusted", "device_id", out.ID, "user_id", out.UserID)
	return out, nil
}

// IssuePairingToken lets a verified sponsor device vouch for a sibling.
func (m *TrustManager) IssuePairingToken(ctx context.Context, sponsorID, targetID uuid.UUID) (string, time.Time, error) {
	if m.pairing == nil {
		return "", time.Time{}, fmt.Errorf("%w: pairing is not configured", domain.ErrInvalidArgument)
	}
	sponsor, target, err := m.pairingDevices(ctx, sponsorID, targetID)
	if err != nil {
		return "", time.Time{}, err
	}
	return m.pairing.Issue(sponsor.UserID, sponsor.ID, target.ID, m.pairingTTL)
}

// CompletePairing verifies the token and marks its target device trusted.
func (m *TrustManager) CompletePairing(ctx context.Context, token string) (*domain.Device, error) {
	if m.pairing == nil {
		return nil, fmt.Errorf("%w: pairing is not configured", domain.ErrInvalidArgument)
	}
	targetID, claims, err := m.pairing.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", domain.ErrInvalidPairingToken, err)
	}
	sponsor, target, err := m.pairingDevices(ctx, claims.SponsorDevice, targetID)
	if err != nil {
		return nil, err
	}
	if sponsor.UserID != claims.UserID || target.UserID != claims.UserID {
		return nil, domain.ErrInvalidPairingToken
	}
	return m.MarkAsTrusted(ctx, target.ID)
}

func (m *TrustManager) pairingDevices(ctx context.Context, sponsorID, targetID uuid.UUID) (*domain.Device, *domain.Device, error) {
	if sponsorID == targetID {
		return nil, nil, fmt.Errorf("%w: a device cannot sponsor itself", domain.ErrInvalidArgument)
	}
	sponsor, err := m.store.Devices().Get(ctx, sponsorID)
	if err != nil {
		return nil, nil, translateNotFound(err, domain.ErrDeviceNotFound)
	}
	target, err := m.store.Devices().Get(ctx, targetID)
	if err != nil {
		return nil, nil, translateNotFound(err, domain.ErrDeviceNotFound)
	}
	switch {
	case sponsor.Revoked() || target.Revoked():
		return nil, nil, domain.ErrDeviceRevoked
	case sponsor.TrustLevel != domain.TrustVerified:
		return nil, nil, domain.ErrDeviceNotTrusted
	case sponsor.UserID != target.UserID:
		return nil, nil, domain.ErrCrossUserDevices
	case !sponsor.SecurityLevel.CanShareTo(target.SecurityLevel):
		return nil, nil, domain.ErrSecurityLevelMismatch
	}
	return sponsor, target, nil
}

type RevocationResult struct {
	DeviceID              uuid.UUID         `json:"deviceId"`
	Reason                string            `json:"reason"`
	KeysRevoked           int64             `json:"keysRevoked"`
	OffersCancelled       int64             `json:"offersCancelled"`
	AffectedConversations []uuid.UUID       `json:"affectedConversations"`
	Rotations             []*RotationResult `json:"rotations,omitempty"`
}

// RevokeTrust revokes the device, deactivates every wrapped key it holds and
// cancels its pending offers in one transaction. Every conversation the
// device could read is then rotated, unless the device was replaced by its
// owner and hands nothing to an outsider.
func (m *TrustManager) RevokeTrust(ctx context.Context, deviceID uuid.UUID, reason domain.RevocationReason, detail string) (*RevocationResult, error) {
	if reason == "" {
		reason = domain.ReasonAdmin
	}
	now := m.now()
	res := &RevocationResult{DeviceID: deviceID, Reason: string(reason), AffectedConversations: []uuid.UUID{}}
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		d, err := tx.Devices().GetForUpdate(ctx, deviceID)
		if err != nil {
			return translateNotFound(err, domain.ErrDeviceNotFound)
		}
		if d.TrustLevel == domain.TrustRevoked {
			return domain.ErrDeviceRevoked
		}
		active, err := tx.WrappedKeys().ActiveForDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		for _, k := range active {
			if !slices.Contains(res.AffectedConversations, k.ConversationID) {
				res.AffectedConversations = append(res.AffectedConversations, k.ConversationID)
			}
		}
		if res.KeysRevoked, err = tx.WrappedKeys().RevokeDevice(ctx, deviceID, now); err != nil {
			return err
		}
		if res.OffersCancelled, err = tx.KeyShares().CancelPendingForDevice(ctx, deviceID, "device_revoked", now); err != nil {
			return err
		}

		d.TrustLevel = domain.TrustRevoked
		d.IsActive = false
		d.RevokedAt = &now
		d.RevocationReason = string(reason)
		d.RevocationDetail = detail
		d.UpdatedAt = now
		if reason == domain.ReasonCompromised {
			d.SecurityLevel = domain.SecurityCompromised
		}
		return tx.Devices().Save(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	metrics.DeviceRevocationsTotal.WithLabelValues(string(reason)).Inc()

	log := logging.FromContext(ctx)
	log.Warn("device revoked",
		"device_id", deviceID,
		"reason", reason,
		"keys_revoked", res.KeysRevoked,
		"offers_cancelled", res.OffersCancelled,
	)
	if err := m.notifier.Notify(ctx, notify.Event{Type: notify.EventDeviceRevoked, DeviceID: deviceID, At: now}); err != nil {
		log.Warn("revocation notification failed", "device_id", deviceID, "err", err)
	}

	if reason == domain.ReasonReplaced || m.rotator == nil {
		return res, nil
	}
	for _, convID := range res.AffectedConversations {
		rot, err := m.rotator.Rotate(ctx, RotateRequest{ConversationID: convID, Reason: RotationDeviceRevoked})
		switch {
		case errors.Is(err, domain.ErrNoEntitledDevices):
			log.Info("no device left to rotate to after revocation", "conversation_id", convID)
		case err != nil:
			log.Warn("rotation after revocation failed", "conversation_id", convID, "err", err)
		default:
			res.Rotations = append(res.Rotations, rot)
		}
	}
	return res, nil
}

func (m *TrustManager) ListDevices(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	return m.store.Devices().ListByUser(ctx, userID)
}

func (m *TrustManager) GetDevice(ctx context.Context, deviceID uuid.UUID) (*domain.Device, error) {
	d, err := m.store.Devices().Get(ctx, deviceID)
	return d, translateNotFound(err, domain.ErrDeviceNotFound)
}

func normalizeCapabilities(in []string) domain.Capabilities {
	out := make(domain.Capabilities, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}
