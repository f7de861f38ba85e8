// Package notify tells clients that key material is waiting for them.
// Delivery is best effort; clients also poll.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversationId"`
	DeviceID       uuid.UUID `json:"deviceId,omitempty"`
	OfferID        uuid.UUID `json:"offerId,omitempty"`
	KeyVersion     int       `json:"keyVersion"`
	At             time.Time `json:"at"`
}

const (
	EventKeyShareOffered = "key_share.offered"
	EventKeyRotated      = "key.rotated"
	EventDeviceRevoked   = "device.revoked"
)

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Redis publishes device-addressed events on "keys:notify:device:{id}" and
// conversation events on "keys:notify:conversation:{id}".
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis { return &Redis{client: client} }

func (r *Redis) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, Channel(ev), payload).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Type, err)
	}
	return nil
}

func Channel(ev Event) string {
	if ev.DeviceID != uuid.Nil {
		return "keys:notify:device:" + ev.DeviceID.String()
	}
	return "keys:notify:conversation:" + ev.ConversationID.String()
}
