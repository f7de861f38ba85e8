package store

import (
	"context"
	"time"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	return translate(m.db.WithContext(ctx).Create(msg).Error)
}

// ListByConversation pages backwards from before (zero means now).
func (m *MessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]domain.Message, error) {
	q := m.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	var msgs []domain.Message
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error
	return msgs, err
}

// CountByVersions counts archived envelopes sealed under any of versions.
func (m *MessageStore) CountByVersions(ctx context.Context, conversationID uuid.UUID, versions []int) (int64, error) {
	if len(versions) == 0 {
		return 0, nil
	}
	var n int64
	err := m.db.WithContext(ctx).Model(&domain.Message{}).
		Where("conversation_id = ? AND key_version IN ?", conversationID, versions).
		Count(&n).Error
	return n, err
}
