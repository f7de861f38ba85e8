package dto

import (
	"encoding/json"
	"time"

	"e2ee-keys/internal/domain"
)

// StoreMessageRequest carries the envelope in its wire form; it is parsed
// with cryptocore.ParseEnvelope.
type StoreMessageRequest struct {
	SenderDeviceID string          `json:"senderDeviceId"`
	Envelope       json.RawMessage `json:"envelope"`
}

type MessageListResponse struct {
	Messages   []domain.Message `json:"messages"`
	NextBefore *time.Time       `json:"nextBefore,omitempty"`
}
