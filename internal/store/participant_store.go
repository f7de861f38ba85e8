package store

import (
	"context"
	"time"

	"e2ee-keys/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ParticipantStore struct{ db *gorm.DB }

func (s *Store) Participants() *ParticipantStore { return &ParticipantStore{db: s.DB} }

// Add marks the user active in the conversation, rejoining if they left.
func (p *ParticipantStore) Add(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	row := domain.Participant{ConversationID: conversationID, UserID: userID, IsActive: true, JoinedAt: at}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"is_active": true,
				"joined_at": at,
				"left_at":   nil,
			}),
		}).
		Create(&row).Error
}

// Remove marks the user as having left. It reports whether the user was an
// active participant.
func (p *ParticipantStore) Remove(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (bool, error) {
	res := p.db.WithContext(ctx).Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Updates(map[string]any{"is_active": false, "left_at": at})
	return res.RowsAffected > 0, res.Error
}

// Restore undoes a Remove whose follow-up work failed. The original join
// time is kept.
func (p *ParticipantStore) Restore(ctx context.Context, conversationID, userID uuid.UUID) error {
	return p.db.WithContext(ctx).Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, false).
		Updates(map[string]any{"is_active": true, "left_at": nil}).Error
}

// ActiveUserIDs lists users currently entitled to the conversation's keys.
func (p *ParticipantStore) ActiveUserIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := p.db.WithContext(ctx).Model(&domain.Participant{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (p *ParticipantStore) IsActive(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Count(&n).Error
	return n > 0, err
}
