package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/observability/metrics"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

// Registry owns the wrapped key records and conversation key versions.
type Registry struct {
	store   *store.Store
	members Membership
	now     func() time.Time
}

// RegisterConversation creates the conversation at version 0 if needed and
// seeds its membership. No key is issued until the first rotation.
func (r *Registry) RegisterConversation(ctx context.Context, id uuid.UUID, participants ...uuid.UUID) (*domain.Conversation, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: conversation id required", domain.ErrInvalidArgument)
	}
	if slices.Contains(participants, uuid.Nil) {
		return nil, fmt.Errorf("%w: participant id required", domain.ErrInvalidArgument)
	}
	now := r.nowTime()
	err := r.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Conversations().Ensure(ctx, id); err != nil {
			return err
		}
		for _, u := range participants {
			if err := tx.Participants().Add(ctx, id, u, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	conv, err := r.store.Conversations().Get(ctx, id)
	return conv, translateNotFound(err, domain.ErrConversationNotFound)
}

func (r *Registry) CurrentVersion(ctx context.Context, conversationID uuid.UUID) (int, error) {
	conv, err := r.store.Conversations().Get(ctx, conversationID)
	if err != nil {
		return 0, translateNotFound(err, domain.ErrConversationNotFound)
	}
	return conv.CurrentKeyVersion, nil
}

type CreateRecordInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	// DeviceID nil selects legacy per-user mode.
	DeviceID     *uuid.UUID
	SymmetricKey []byte
	// PublicKeyPEM defaults to the device's registered key.
	PublicKeyPEM string
	// Version 0 means the conversation's current version.
	Version int
}

// CreateWrappedKeyRecord wraps SymmetricKey and records it. Replaying the
// same tuple with the same public key returns the stored record; any other
// collision is ErrDuplicateKey.
func (r *Registry) CreateWrappedKeyRecord(ctx context.Context, in CreateRecordInput) (*domain.WrappedKey, error) {
	rec, err := r.createWrappedKeyRecord(ctx, in)
	metrics.KeyWrapsTotal.WithLabelValues("registry", metrics.Result(err)).Inc()
	return rec, err
}

func (r *Registry) createWrappedKeyRecord(ctx context.Context, in CreateRecordInput) (*domain.WrappedKey, error) {
	if in.ConversationID == uuid.Nil || in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: conversation and user ids required", domain.ErrInvalidArgument)
	}
	if in.Version < 0 {
		return nil, fmt.Errorf("%w: negative key version", domain.ErrInvalidArgument)
	}
	if len(in.SymmetricKey) != cryptocore.KeySize {
		return nil, cryptocore.ErrKeySize
	}

	pubPEM := in.PublicKeyPEM
	if in.DeviceID != nil {
		dev, err := r.store.Devices().Get(ctx, *in.DeviceID)
		if err != nil {
			return nil, translateNotFound(err, domain.ErrDeviceNotFound)
		}
		if err := checkRecipient(dev, in.UserID); err != nil {
			return nil, err
		}
		if pubPEM == "" {
			pubPEM = dev.PublicKey
		}
	}
	if pubPEM == "" {
		return nil, fmt.Errorf("%w: public key required", domain.ErrInvalidArgument)
	}
	pub, err := cryptocore.ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	blob, err := cryptocore.WrapWithKey(in.SymmetricKey, pub)
	if err != nil {
		return nil, err
	}

	if r.members != nil {
		users, err := r.members.ActiveUserIDs(ctx, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(users, in.UserID) {
			return nil, domain.ErrNotEntitled
		}
	}

	var out *domain.WrappedKey
	err = r.store.WithTx(ctx, func(tx *store.Store) error {
		conv, err := tx.Conversations().GetForUpdate(ctx, in.ConversationID)
		if err != nil {
			return translateNotFound(err, domain.ErrConversationNotFound)
		}
		if in.DeviceID != nil {
			dev, err := lockRecipient(ctx, tx, *in.DeviceID, in.UserID)
			if err != nil {
				return err
			}
			if in.PublicKeyPEM == "" && dev.PublicKey != pubPEM {
				return fmt.Errorf("%w: device key changed", domain.ErrConflict)
			}
		}
		version := in.Version
		if version == 0 {
			version = conv.CurrentKeyVersion
		}
		if version == 0 {
			return fmt.Errorf("%w: conversation has no key yet", domain.ErrInvalidArgument)
		}
		if version > conv.CurrentKeyVersion {
			return fmt.Errorf("%w: version %d is ahead of current version %d", domain.ErrInvalidArgument, version, conv.CurrentKeyVersion)
		}
		out, err = storeRecord(ctx, tx, domain.WrappedKey{
			ID:                uuid.New(),
			ConversationID:    in.ConversationID,
			UserID:            in.UserID,
			DeviceID:          in.DeviceID,
			KeyVersion:        version,
			WrappedKey:        blob,
			PublicKeySnapshot: pubPEM,
			Algorithm:         cryptocore.WrapAlgorithm,
			KeyStrength:       pub.N.BitLen(),
			IsActive:          version == conv.CurrentKeyVersion,
			CreatedAt:         r.nowTime(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveRecord returns the device's record for the current key version.
func (r *Registry) ActiveRecord(ctx context.Context, conversationID, deviceID uuid.UUID) (*domain.WrappedKey, error) {
	rec, err := r.store.WrappedKeys().Active(ctx, conversationID, deviceID)
	return rec, translateNotFound(err, domain.ErrKeyNotFound)
}

// DeviceHistory returns every record the device holds in the conversation,
// newest first, so older messages stay decryptable.
func (r *Registry) DeviceHistory(ctx context.Context, conversationID, deviceID uuid.UUID) ([]domain.WrappedKey, error) {
	return r.store.WrappedKeys().History(ctx, conversationID, deviceID)
}

func (r *Registry) nowTime() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// storeRecord inserts rec inside tx. An active device record switches off
// the device's other active records in the same conversation first.
func storeRecord(ctx context.Context, tx *store.Store, rec domain.WrappedKey) (*domain.WrappedKey, error) {
	existing, err := tx.WrappedKeys().Find(ctx, rec.ConversationID, rec.UserID, rec.DeviceID, rec.KeyVersion)
	switch {
	case err == nil:
		if existing.UserID == rec.UserID && existing.PublicKeySnapshot == rec.PublicKeySnapshot {
			return existing, nil
		}
		return nil, domain.ErrDuplicateKey
	case !errors.Is(err, store.ErrRecordNotFound):
		return nil, err
	}

	if rec.IsActive {
		if rec.DeviceID != nil {
			_, err = tx.WrappedKeys().DeactivateDeviceExcept(ctx, rec.ConversationID, *rec.DeviceID, rec.KeyVersion)
		} else {
			_, err = tx.WrappedKeys().DeactivateLegacyExcept(ctx, rec.ConversationID, rec.UserID, rec.KeyVersion)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := tx.WrappedKeys().Create(ctx, &rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domain.ErrDuplicateKey
		}
		return nil, err
	}
	return &rec, nil
}

// wrapForDevice produces the record a device gets for version. The error
// text becomes the per-device failure reason.
func wrapForDevice(dev *domain.Device, key []byte, conversationID uuid.UUID, version int, active bool, now time.Time) (domain.WrappedKey, error) {
	if dev.EncryptionVersion < cryptocore.MinEncryptionVersion {
		return domain.WrappedKey{}, fmt.Errorf("incompatible encryption version %d (minimum %d)", dev.EncryptionVersion, cryptocore.MinEncryptionVersion)
	}
	pub, err := cryptocore.ParsePublicKeyPEM(dev.PublicKey)
	if err != nil {
		return domain.WrappedKey{}, err
	}
	blob, err := cryptocore.WrapWithKey(key, pub)
	if err != nil {
		return domain.WrappedKey{}, err
	}
	deviceID := dev.ID
	return domain.WrappedKey{
		ID:                uuid.New(),
		ConversationID:    conversationID,
		UserID:            dev.UserID,
		DeviceID:          &deviceID,
		KeyVersion:        version,
		WrappedKey:        blob,
		PublicKeySnapshot: dev.PublicKey,
		Algorithm:         cryptocore.WrapAlgorithm,
		KeyStrength:       pub.N.BitLen(),
		IsActive:          active,
		CreatedAt:         now,
	}, nil
}

// checkRecipient validates a device about to receive key material for
// userID outside the offer flow. Only verified devices qualify; a pending
// device gets keys by accepting an offer.
func checkRecipient(dev *domain.Device, userID uuid.UUID) error {
	switch {
	case dev.UserID != userID:
		return domain.ErrCrossUserDevices
	case dev.Revoked() || !dev.IsActive:
		return domain.ErrDeviceRevoked
	case !dev.Capabilities.Has(domain.CapabilityEncryption):
		return domain.ErrMissingEncryption
	case dev.SecurityLevel == domain.SecurityCompromised:
		return domain.ErrSecurityLevelMismatch
	case dev.TrustLevel != domain.TrustVerified:
		return domain.ErrDeviceNotTrusted
	}
	return nil
}

// lockRecipient re-reads the device under a row lock inside tx and checks it
// again, so a revocation racing the write either waits or is seen.
func lockRecipient(ctx context.Context, tx *store.Store, deviceID, userID uuid.UUID) (*domain.Device, error) {
	dev, err := tx.Devices().GetForUpdate(ctx, deviceID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrDeviceNotFound)
	}
	if err := checkRecipient(dev, userID); err != nil {
		return nil, err
	}
	return dev, nil
}

func translateNotFound(err, notFound error) error {
	if errors.Is(err, store.ErrRecordNotFound) {
		return notFound
	}
	return err
}
