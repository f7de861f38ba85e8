package store

import (
	"context"
	"time"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type WrappedKeyStore struct{ db *gorm.DB }

func (s *Store) WrappedKeys() *WrappedKeyStore { return &WrappedKeyStore{db: s.DB} }

func (w *WrappedKeyStore) Create(ctx context.Context, key *domain.WrappedKey) error {
	return translate(w.db.WithContext(ctx).Create(key).Error)
}

// CreateBatch inserts all rows in one statement.
func (w *WrappedKeyStore) CreateBatch(ctx context.Context, keys []domain.WrappedKey) error {
	if len(keys) == 0 {
		return nil
	}
	return translate(w.db.WithContext(ctx).Create(&keys).Error)
}

// Find returns the record for (conversation, device, version). A nil device
// looks up the legacy per-user record.
func (w *WrappedKeyStore) Find(ctx context.Context, conversationID, userID uuid.UUID, deviceID *uuid.UUID, version int) (*domain.WrappedKey, error) {
	q := w.db.WithContext(ctx).Where("conversation_id = ? AND key_version = ?", conversationID, version)
	if deviceID != nil {
		q = q.Where("device_id = ?", *deviceID)
	} else {
		q = q.Where("device_id IS NULL AND user_id = ?", userID)
	}
	var key domain.WrappedKey
	if err := q.First(&key).Error; err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

func (w *WrappedKeyStore) Active(ctx context.Context, conversationID, deviceID uuid.UUID) (*domain.WrappedKey, error) {
	var key domain.WrappedKey
	err := w.db.WithContext(ctx).
		Where("conversation_id = ? AND device_id = ? AND is_active = ?", conversationID, deviceID, true).
		Order("key_version DESC").
		First(&key).Error
	if err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

// History lists every record of a device in a conversation, newest first.
func (w *WrappedKeyStore) History(ctx context.Context, conversationID, deviceID uuid.UUID) ([]domain.WrappedKey, error) {
	var keys []domain.WrappedKey
	err := w.db.WithContext(ctx).
		Where("conversation_id = ? AND device_id = ?", conversationID, deviceID).
		Order("key_version DESC").
		Find(&keys).Error
	return keys, err
}

// ActiveForDevice lists the active records of a device across conversations.
func (w *WrappedKeyStore) ActiveForDevice(ctx context.Context, deviceID uuid.UUID) ([]domain.WrappedKey, error) {
	var keys []domain.WrappedKey
	err := w.db.WithContext(ctx).
		Where("device_id = ? AND is_active = ?", deviceID, true).
		Order("conversation_id ASC").
		Find(&keys).Error
	return keys, err
}

// DeactivateBelow turns off every active record of the conversation whose
// version is below version.
func (w *WrappedKeyStore) DeactivateBelow(ctx context.Context, conversationID uuid.UUID, version int) (int64, error) {
	res := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND key_version < ? AND is_active = ?", conversationID, version, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// DeactivateDeviceExcept turns off active records of the device in the
// conversation other than the given version.
func (w *WrappedKeyStore) DeactivateDeviceExcept(ctx context.Context, conversationID, deviceID uuid.UUID, version int) (int64, error) {
	res := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND device_id = ? AND key_version <> ? AND is_active = ?", conversationID, deviceID, version, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

func (w *WrappedKeyStore) DeactivateLegacyExcept(ctx context.Context, conversationID, userID uuid.UUID, version int) (int64, error) {
	res := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND device_id IS NULL AND user_id = ? AND key_version <> ? AND is_active = ?", conversationID, userID, version, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// CountActiveForUser counts the user's active records in the conversation
// across all of their devices and legacy per-user records.
func (w *WrappedKeyStore) CountActiveForUser(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	var n int64
	err := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Count(&n).Error
	return n, err
}

// DeactivateUser turns off every active record the user holds in the
// conversation.
func (w *WrappedKeyStore) DeactivateUser(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	res := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// RevokeDevice deactivates and stamps every active record of the device.
func (w *WrappedKeyStore) RevokeDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) (int64, error) {
	res := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("device_id = ? AND is_active = ?", deviceID, true).
		Updates(map[string]any{"is_active": false, "revoked_at": at})
	return res.RowsAffected, res.Error
}

// VersionsForUser lists the distinct versions the user ever held a record
// for, on any device.
func (w *WrappedKeyStore) VersionsForUser(ctx context.Context, conversationID, userID uuid.UUID) ([]int, error) {
	var versions []int
	err := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Distinct("key_version").
		Order("key_version ASC").
		Pluck("key_version", &versions).Error
	return versions, err
}

func (w *WrappedKeyStore) VersionsForDevice(ctx context.Context, conversationID, deviceID uuid.UUID) ([]int, error) {
	var versions []int
	err := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND device_id = ?", conversationID, deviceID).
		Order("key_version ASC").
		Pluck("key_version", &versions).Error
	return versions, err
}

func (w *WrappedKeyStore) CountActive(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var n int64
	err := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Count(&n).Error
	return n, err
}

func (w *WrappedKeyStore) CountAllActive(ctx context.Context) (int64, error) {
	var n int64
	err := w.db.WithContext(ctx).Model(&domain.WrappedKey{}).
		Where("is_active = ?", true).
		Count(&n).Error
	return n, err
}
