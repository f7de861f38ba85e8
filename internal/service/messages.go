package service

import (
	"context"
	"fmt"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

// MessageArchive stores sealed envelopes. It checks the envelope shape and
// the sender's key version but never sees plaintext.
type MessageArchive struct {
	store *store.Store
	now   func() time.Time
}

type StoreMessageInput struct {
	ConversationID uuid.UUID
	SenderDeviceID uuid.UUID
	Envelope       cryptocore.Envelope
}

// Store archives an envelope sealed under the conversation's current key by
// a device that holds that key.
func (a *MessageArchive) Store(ctx context.Context, in StoreMessageInput) (*domain.Message, error) {
	if err := in.Envelope.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	conv, err := a.store.Conversations().Get(ctx, in.ConversationID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrConversationNotFound)
	}
	sender, err := a.store.Devices().Get(ctx, in.SenderDeviceID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrDeviceNotFound)
	}
	if sender.Revoked() {
		return nil, domain.ErrDeviceRevoked
	}
	if in.Envelope.KeyVersion != conv.CurrentKeyVersion {
		return nil, fmt.Errorf("%w: envelope key version %d, current is %d", domain.ErrInvalidArgument, in.Envelope.KeyVersion, conv.CurrentKeyVersion)
	}
	active, err := a.store.WrappedKeys().Active(ctx, conv.ID, sender.ID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrKeyNotFound)
	}
	if active.KeyVersion != conv.CurrentKeyVersion {
		return nil, domain.ErrKeyNotFound
	}

	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderUserID:   sender.UserID,
		SenderDeviceID: sender.ID,
		KeyVersion:     in.Envelope.KeyVersion,
		Envelope:       in.Envelope,
		CreatedAt:      a.now(),
	}
	if err := a.store.Messages().Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// List pages archived envelopes newest first.
func (a *MessageArchive) List(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return a.store.Messages().ListByConversation(ctx, conversationID, before, limit)
}
