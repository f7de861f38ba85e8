package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordingClient captures Publish calls. Every other method panics through
// the nil embedded interface.
type recordingClient struct {
	redis.UniversalClient
	channel string
	payload []byte
	err     error
}

func (c *recordingClient) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	c.channel = channel
	c.payload, _ = message.([]byte)
	return redis.NewIntResult(1, c.err)
}

func TestChannel(t *testing.T) {
	conv, dev := uuid.New(), uuid.New()

	if got, want := Channel(Event{ConversationID: conv}), "keys:notify:conversation:"+conv.String(); got != want {
		t.Fatalf("conversation channel = %q, want %q", got, want)
	}
	if got, want := Channel(Event{ConversationID: conv, DeviceID: dev}), "keys:notify:device:"+dev.String(); got != want {
		t.Fatalf("device channel = %q, want %q", got, want)
	}
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = Nop{}
	if err := n.Notify(context.Background(), Event{Type: EventKeyRotated}); err != nil {
		t.Fatalf("Nop.Notify: %v", err)
	}
}

func TestRedisNotifyPublishesJSON(t *testing.T) {
	client := &recordingClient{}
	n := NewRedis(client)
	ev := Event{
		Type:           EventKeyShareOffered,
		ConversationID: uuid.New(),
		DeviceID:       uuid.New(),
		OfferID:        uuid.New(),
		KeyVersion:     3,
		At:             time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if client.channel != Channel(ev) {
		t.Fatalf("published on %q, want %q", client.channel, Channel(ev))
	}

	var got Event
	if err := json.Unmarshal(client.payload, &got); err != nil {
		t.Fatalf("decode payload %q: %v", client.payload, err)
	}
	if got.Type != ev.Type || got.OfferID != ev.OfferID || got.KeyVersion != 3 || !got.At.Equal(ev.At) {
		t.Fatalf("payload = %+v, want %+v", got, ev)
	}
}

func TestRedisNotifyReportsPublishError(t *testing.T) {
	boom := errors.New("connection refused")
	n := NewRedis(&recordingClient{err: boom})

	err := n.Notify(context.Background(), Event{Type: EventDeviceRevoked, DeviceID: uuid.New()})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
	if !strings.Contains(err.Error(), EventDeviceRevoked) {
		t.Fatalf("error %q should name the event type", err)
	}
}
