package store

import (
	"context"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Create(ctx context.Context, device *domain.Device) error {
	return translate(d.db.WithContext(ctx).Create(device).Error)
}

// Save writes every column of an existing device.
func (d *DeviceStore) Save(ctx context.Context, device *domain.Device) error {
	return translate(d.db.WithContext(ctx).Save(device).Error)
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

// GetForUpdate row-locks the device so revocation and key issuance for it
// serialize.
func (d *DeviceStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	err := d.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&device, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

func (d *DeviceStore) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "fingerprint = ?", fingerprint).Error; err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

// KeyCompromised reports whether any device was revoked as compromised while
// holding publicKeyPEM.
func (d *DeviceStore) KeyCompromised(ctx context.Context, publicKeyPEM string) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&domain.Device{}).
		Where("public_key = ? AND security_level = ?", publicKeyPEM, domain.SecurityCompromised).
		Count(&n).Error
	return n > 0, err
}

func (d *DeviceStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&devices).Error
	return devices, err
}

// ListActiveByUsers returns active, non-revoked devices of the given users.
// Callers still filter with Device.Entitled.
func (d *DeviceStore) ListActiveByUsers(ctx context.Context, userIDs []uuid.UUID) ([]domain.Device, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id IN ? AND is_active = ? AND trust_level <> ?", userIDs, true, domain.TrustRevoked).
		Order("user_id ASC, created_at ASC, id ASC").
		Find(&devices).Error
	return devices, err
}

// LockActiveByUsers is ListActiveByUsers under a shared row lock. A device
// revoked concurrently is either waited for or skipped.
func (d *DeviceStore) LockActiveByUsers(ctx context.Context, userIDs []uuid.UUID) ([]domain.Device, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("user_id IN ? AND is_active = ? AND trust_level <> ?", userIDs, true, domain.TrustRevoked).
		Order("user_id ASC, created_at ASC, id ASC").
		Find(&devices).Error
	return devices, err
}

// CountByTrust returns device counts keyed by trust level.
func (d *DeviceStore) CountByTrust(ctx context.Context) (map[domain.TrustLevel]int64, error) {
	var rows []struct {
		TrustLevel domain.TrustLevel
		N          int64
	}
	err := d.db.WithContext(ctx).Model(&domain.Device{}).
		Select("trust_level, COUNT(*) AS n").
		Group("trust_level").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TrustLevel]int64, len(rows))
	for _, r := range rows {
		out[r.TrustLevel] = r.N
	}
	return out, nil
}
