package domain

import (
	"time"

	"e2ee-keys/internal/cryptocore"

	"github.com/google/uuid"
)

// Conversation tracks the current key version. Version 0 means no key has
// been issued yet.
type Conversation struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CurrentKeyVersion int        `gorm:"not null" json:"currentKeyVersion"`
	KeyRotatedAt      *time.Time `gorm:"index" json:"keyRotatedAt,omitempty"`
	CreatedAt         time.Time  `gorm:"not null;autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time  `gorm:"not null;autoUpdateTime" json:"updatedAt"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant is the materialized membership owned by the conversation layer.
type Participant struct {
	ConversationID uuid.UUID  `gorm:"type:uuid;primaryKey" json:"conversationId"`
	UserID         uuid.UUID  `gorm:"type:uuid;primaryKey;index" json:"userId"`
	IsActive       bool       `gorm:"not null" json:"isActive"`
	JoinedAt       time.Time  `gorm:"not null" json:"joinedAt"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
}

func (Participant) TableName() string { return "conversation_participants" }

// WrappedKey is one wrapping of a conversation key for one device (or for a
// user in legacy mode, when DeviceID is nil).
type WrappedKey struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:ux_wrapped_keys_conv_device_version,priority:1;index:ix_wrapped_keys_conv_active,priority:1" json:"conversationId"`
	UserID            uuid.UUID  `gorm:"type:uuid;not null;index" json:"userId"`
	DeviceID          *uuid.UUID `gorm:"type:uuid;uniqueIndex:ux_wrapped_keys_conv_device_version,priority:2;index" json:"deviceId,omitempty"`
	KeyVersion        int        `gorm:"not null;uniqueIndex:ux_wrapped_keys_conv_device_version,priority:3" json:"keyVersion"`
	WrappedKey        []byte     `gorm:"not null" json:"wrappedKey"`
	PublicKeySnapshot string     `gorm:"type:text;not null" json:"publicKeySnapshot"`
	Algorithm         string     `gorm:"type:text;not null" json:"algorithm"`
	KeyStrength       int        `gorm:"not null" json:"keyStrength"`
	IsActive          bool       `gorm:"not null;index:ix_wrapped_keys_conv_active,priority:2" json:"isActive"`
	CreatedAt         time.Time  `gorm:"not null" json:"createdAt"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
}

func (WrappedKey) TableName() string { return "wrapped_keys" }

// KeyShareOffer hands a wrapped key from one device to a sibling device of
// the same user. It is consumed at most once.
type KeyShareOffer struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID                uuid.UUID  `gorm:"type:uuid;not null;index" json:"userId"`
	FromDeviceID          uuid.UUID  `gorm:"type:uuid;not null;index" json:"fromDeviceId"`
	ToDeviceID            uuid.UUID  `gorm:"type:uuid;not null;index" json:"toDeviceId"`
	ConversationID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"conversationId"`
	KeyVersion            int        `gorm:"not null" json:"keyVersion"`
	EncryptedSymmetricKey []byte     `gorm:"not null" json:"encryptedSymmetricKey"`
	KeyCommitment         []byte     `gorm:"not null" json:"keyCommitment"`
	IsAccepted            bool       `gorm:"not null" json:"isAccepted"`
	IsActive              bool       `gorm:"not null;index" json:"isActive"`
	AcceptedAt            *time.Time `json:"acceptedAt,omitempty"`
	CancelledAt           *time.Time `json:"cancelledAt,omitempty"`
	CancelReason          string     `gorm:"type:text" json:"cancelReason,omitempty"`
	ExpiresAt             time.Time  `gorm:"not null;index" json:"expiresAt"`
	CreatedAt             time.Time  `gorm:"not null" json:"createdAt"`
}

func (KeyShareOffer) TableName() string { return "key_share_offers" }

func (o *KeyShareOffer) Pending(now time.Time) bool {
	return o.IsActive && !o.IsAccepted && now.Before(o.ExpiresAt)
}

// Message is an archived envelope. The server never holds the key that
// opens it.
type Message struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID           `gorm:"type:uuid;not null;index:ix_messages_conv_version,priority:1" json:"conversationId"`
	SenderUserID   uuid.UUID           `gorm:"type:uuid;not null" json:"senderUserId"`
	SenderDeviceID uuid.UUID           `gorm:"type:uuid;not null" json:"senderDeviceId"`
	KeyVersion     int                 `gorm:"not null;index:ix_messages_conv_version,priority:2" json:"keyVersion"`
	Envelope       cryptocore.Envelope `gorm:"type:text;serializer:json;not null" json:"envelope"`
	CreatedAt      time.Time           `gorm:"not null;index" json:"createdAt"`
}

func (Message) TableName() string { return "messages" }
