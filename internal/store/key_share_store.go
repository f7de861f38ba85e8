package store

import (
	"context"
	"time"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type KeyShareStore struct{ db *gorm.DB }

func (s *Store) KeyShares() *KeyShareStore { return &KeyShareStore{db: s.DB} }

func (k *KeyShareStore) Create(ctx context.Context, offer *domain.KeyShareOffer) error {
	return translate(k.db.WithContext(ctx).Create(offer).Error)
}

func (k *KeyShareStore) Get(ctx context.Context, id uuid.UUID) (*domain.KeyShareOffer, error) {
	var offer domain.KeyShareOffer
	if err := k.db.WithContext(ctx).First(&offer, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &offer, nil
}

func (k *KeyShareStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.KeyShareOffer, error) {
	var offer domain.KeyShareOffer
	err := k.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&offer, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &offer, nil
}

// MarkAccepted flips a pending offer to accepted. It reports false if the
// offer was no longer pending.
func (k *KeyShareStore) MarkAccepted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := k.db.WithContext(ctx).Model(&domain.KeyShareOffer{}).
		Where("id = ? AND is_accepted = ? AND is_active = ?", id, false, true).
		Updates(map[string]any{"is_accepted": true, "accepted_at": at})
	return res.RowsAffected == 1, res.Error
}

// Deactivate cancels one offer if it is still pending. It reports whether
// the offer changed.
func (k *KeyShareStore) Deactivate(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	res := k.db.WithContext(ctx).Model(&domain.KeyShareOffer{}).
		Where("id = ? AND is_active = ? AND is_accepted = ?", id, true, false).
		Updates(map[string]any{"is_active": false, "cancelled_at": at, "cancel_reason": reason})
	return res.RowsAffected == 1, res.Error
}

// CancelPendingForDevice cancels pending offers naming the device as source
// or target.
func (k *KeyShareStore) CancelPendingForDevice(ctx context.Context, deviceID uuid.UUID, reason string, at time.Time) (int64, error) {
	res := k.db.WithContext(ctx).Model(&domain.KeyShareOffer{}).
		Where("(from_device_id = ? OR to_device_id = ?) AND is_active = ? AND is_accepted = ?", deviceID, deviceID, true, false).
		Updates(map[string]any{"is_active": false, "cancelled_at": at, "cancel_reason": reason})
	return res.RowsAffected, res.Error
}

// CancelSuperseded cancels pending offers to the same target for the same
// conversation key version.
func (k *KeyShareStore) CancelSuperseded(ctx context.Context, toDeviceID, conversationID uuid.UUID, version int, at time.Time) (int64, error) {
	res := k.db.WithContext(ctx).Model(&domain.KeyShareOffer{}).
		Where("to_device_id = ? AND conversation_id = ? AND key_version = ? AND is_active = ? AND is_accepted = ?",
			toDeviceID, conversationID, version, true, false).
		Updates(map[string]any{"is_active": false, "cancelled_at": at, "cancel_reason": "superseded"})
	return res.RowsAffected, res.Error
}

// ExpirePending deactivates never-accepted offers past their expiry.
func (k *KeyShareStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	res := k.db.WithContext(ctx).Model(&domain.KeyShareOffer{}).
		Where("expires_at <= ? AND is_active = ? AND is_accepted = ?", now, true, false).
		Updates(map[string]any{"is_active": false, "cancelled_at": now, "cancel_reason": "expired"})
	return res.RowsAffected, res.Error
}

func (k *KeyShareStore) PendingForDevice(ctx context.Context, deviceID uuid.UUID, now time.Time) ([]domain.KeyShareOffer, error) {
	var offers []domain.KeyShareOffer
	err := k.db.WithContext(ctx).
		Where("to_device_id = ? AND is_active = ? AND is_accepted = ? AND expires_at > ?", deviceID, true, false, now).
		Order("created_at ASC, id ASC").
		Find(&offers).Error
	return offers, err
}

func (k *KeyShareStore) CountPending(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := k.db.WithContext(ctx).Model(&domain.KeyShareOffer{}).
		Where("is_active = ? AND is_accepted = ? AND expires_at > ?", true, false, now).
		Count(&n).Error
	return n, err
}
