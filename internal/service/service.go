package service

import (
	"context"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/lock"
	"e2ee-keys/internal/notify"
	"e2ee-keys/internal/pairing"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

// Membership supplies the users currently entitled to a conversation's keys.
type Membership interface {
	ActiveUserIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

type Options struct {
	KeyBits         int
	KeyShareTTL     time.Duration
	BulkConcurrency int
	LockTimeout     time.Duration
	PairingTTL      time.Duration

	Locker     lock.Locker
	Notifier   notify.Notifier
	Pairing    *pairing.Signer
	Membership Membership
	Now        func() time.Time
}

// Service bundles the key-management components over one store.
type Service struct {
	Registry *Registry
	Rotation *RotationCoordinator
	Trust    *TrustManager
	Sync     *SyncCoordinator
	Health   *Health
	Messages *MessageArchive
}

func New(st *store.Store, opts Options) *Service {
	if opts.KeyBits == 0 {
		opts.KeyBits = cryptocore.DefaultKeyBits
	}
	if opts.KeyShareTTL <= 0 {
		opts.KeyShareTTL = 7 * 24 * time.Hour
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = 8
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = 10 * time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Membership == nil {
		opts.Membership = st.Participants()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	rotation := &RotationCoordinator{
		store:       st,
		members:     opts.Membership,
		locker:      opts.Locker,
		lockTimeout: opts.LockTimeout,
		notifier:    opts.Notifier,
		now:         opts.Now,
	}
	return &Service{
		Registry: &Registry{store: st, members: opts.Membership, now: opts.Now},
		Rotation: rotation,
		Trust: &TrustManager{
			store:      st,
			rotator:    rotation,
			pairing:    opts.Pairing,
			pairingTTL: opts.PairingTTL,
			notifier:   opts.Notifier,
			now:        opts.Now,
		},
		Sync: &SyncCoordinator{
			store:       st,
			members:     opts.Membership,
			notifier:    opts.Notifier,
			offerTTL:    opts.KeyShareTTL,
			concurrency: opts.BulkConcurrency,
			now:         opts.Now,
		},
		Health:   &Health{store: st, keyBits: opts.KeyBits, now: opts.Now},
		Messages: &MessageArchive{store: st, now: opts.Now},
	}
}

// FailedDevice reports why one device did not receive a key.
type FailedDevice struct {
	DeviceID uuid.UUID `json:"deviceId"`
	UserID   uuid.UUID `json:"userId"`
	Reason   string    `json:"reason"`
}
