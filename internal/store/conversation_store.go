package store

import (
	"context"
	"time"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversationStore struct{ db *gorm.DB }

func (s *Store) Conversations() *ConversationStore { return &ConversationStore{db: s.DB} }

// Ensure creates the conversation at version 0 unless it already exists.
func (c *ConversationStore) Ensure(ctx context.Context, id uuid.UUID) error {
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.Conversation{ID: id}).Error
}

func (c *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// GetForUpdate row-locks the conversation on databases that support it.
func (c *ConversationStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := c.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&conv, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// AdvanceVersion moves the conversation from version `from` to `to`. It
// reports false when another writer advanced it first.
func (c *ConversationStore) AdvanceVersion(ctx context.Context, id uuid.UUID, from, to int, at time.Time) (bool, error) {
	res := c.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND current_key_version = ?", id, from).
		Updates(map[string]any{
			"current_key_version": to,
			"key_rotated_at":      at,
			"updated_at":          at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStale returns conversations with a key older than before.
func (c *ConversationStore) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := c.db.WithContext(ctx).
		Where("current_key_version > 0 AND key_rotated_at < ?", before).
		Order("key_rotated_at ASC").
		Limit(limit).
		Find(&convs).Error
	return convs, err
}

func (c *ConversationStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&domain.Conversation{}).Count(&n).Error
	return n, err
}
