package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/lock"
	"e2ee-keys/internal/notify"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/observability/metrics"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

type RotationReason string

const (
	RotationInitial            RotationReason = "initial"
	RotationScheduled          RotationReason = "scheduled"
	RotationParticipantAdded   RotationReason = "participant_added"
	RotationParticipantRemoved RotationReason = "participant_removed"
	RotationDeviceRevoked      RotationReason = "device_revoked"
	RotationAdmin              RotationReason = "admin"
)

type RotateRequest struct {
	ConversationID uuid.UUID
	// InitiatorDeviceID is Nil for system-initiated rotations.
	InitiatorDeviceID uuid.UUID
	Reason            RotationReason
	ExcludeUserIDs    []uuid.UUID
	// SymmetricKey lets a client supply the new key; nil generates one.
	SymmetricKey []byte
}

type RotationResult struct {
	ConversationID     uuid.UUID      `json:"conversationId"`
	PreviousVersion    int            `json:"previousVersion"`
	NewVersion         int            `json:"newVersion"`
	RotatedDevices     []uuid.UUID    `json:"rotatedDevices"`
	FailedDevices      []FailedDevice `json:"failedDevices"`
	DeactivatedRecords int64          `json:"deactivatedRecords"`
}

// RotationCoordinator moves conversations to a new key version. At most one
// rotation per conversation runs at a time.
type RotationCoordinator struct {
	store       *store.Store
	members     Membership
	locker      lock.Locker
	lockTimeout time.Duration
	notifier    notify.Notifier
	now         func() time.Time
}

// Rotate generates a key for version V+1, wraps it for every entitled
// device and retires every active record below V+1 in one transaction.
// Devices whose wrap fails are reported and left without an active record.
func (c *RotationCoordinator) Rotate(ctx context.Context, req RotateRequest) (*RotationResult, error) {
	if req.Reason == "" {
		req.Reason = RotationAdmin
	}
	res, err := c.rotate(ctx, req)
	metrics.RotationsTotal.WithLabelValues(string(req.Reason), metrics.Result(err)).Inc()
	if res != nil {
		metrics.RotationDevices.WithLabelValues("rotated").Observe(float64(len(res.RotatedDevices)))
		metrics.RotationDevices.WithLabelValues("failed").Observe(float64(len(res.FailedDevices)))
	}
	return res, err
}

func (c *RotationCoordinator) rotate(ctx context.Context, req RotateRequest) (*RotationResult, error) {
	if req.ConversationID == uuid.Nil {
		return nil, fmt.Errorf("%w: conversation id required", domain.ErrInvalidArgument)
	}
	if req.SymmetricKey != nil && len(req.SymmetricKey) != cryptocore.KeySize {
		return nil, cryptocore.ErrKeySize
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	release, err := c.locker.Acquire(lockCtx, "rotation:"+req.ConversationID.String())
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, fmt.Errorf("%w (%v)", domain.ErrRotationInProgress, err)
		}
		return nil, err
	}
	defer release()

	conv, err := c.store.Conversations().Get(ctx, req.ConversationID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrConversationNotFound)
	}
	if req.InitiatorDeviceID != uuid.Nil {
		initiator, err := c.store.Devices().Get(ctx, req.InitiatorDeviceID)
		if err != nil {
			return nil, translateNotFound(err, domain.ErrDeviceNotFound)
		}
		if initiator.Revoked() {
			return nil, domain.ErrDeviceRevoked
		}
	}

	devices, err := c.entitledDevices(ctx, conv.ID, req.ExcludeUserIDs)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, domain.ErrNoEntitledDevices
	}

	key := make([]byte, cryptocore.KeySize)
	if req.SymmetricKey != nil {
		copy(key, req.SymmetricKey)
	} else {
		generated, err := cryptocore.GenerateSymmetricKey()
		if err != nil {
			return nil, err
		}
		copy(key, generated)
		cryptocore.Zero(generated)
	}
	defer cryptocore.Zero(key)

	now := c.now()
	res := &RotationResult{
		ConversationID:  conv.ID,
		PreviousVersion: conv.CurrentKeyVersion,
		NewVersion:      conv.CurrentKeyVersion + 1,
		RotatedDevices:  []uuid.UUID{},
		FailedDevices:   []FailedDevice{},
	}
	records := make([]domain.WrappedKey, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		rec, err := wrapForDevice(d, key, conv.ID, res.NewVersion, true, now)
		if err != nil {
			res.FailedDevices = append(res.FailedDevices, FailedDevice{DeviceID: d.ID, UserID: d.UserID, Reason: err.Error()})
			continue
		}
		records = append(records, rec)
		res.RotatedDevices = append(res.RotatedDevices, d.ID)
	}
	if len(records) == 0 {
		return res, domain.ErrRotationFailed
	}

	err = c.store.WithTx(ctx, func(tx *store.Store) error {
		locked, err := tx.Conversations().GetForUpdate(ctx, conv.ID)
		if err != nil {
			return translateNotFound(err, domain.ErrConversationNotFound)
		}
		if locked.CurrentKeyVersion != res.PreviousVersion {
			return domain.ErrRotationInProgress
		}
		if records, err = recheckRecipients(ctx, tx, records, res); err != nil {
			return err
		}
		ok, err := tx.Conversations().AdvanceVersion(ctx, conv.ID, res.PreviousVersion, res.NewVersion, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrRotationInProgress
		}
		if res.DeactivatedRecords, err = tx.WrappedKeys().DeactivateBelow(ctx, conv.ID, res.NewVersion); err != nil {
			return err
		}
		return tx.WrappedKeys().CreateBatch(ctx, records)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domain.ErrRotationInProgress
		}
		return nil, err
	}

	log := logging.FromContext(ctx)
	log.Info("conversation key rotated",
		"conversation_id", conv.ID,
		"reason", req.Reason,
		"version", res.NewVersion,
		"rotated", len(res.RotatedDevices),
		"failed", len(res.FailedDevices),
	)
	for _, f := range res.FailedDevices {
		log.Warn("device skipped during rotation", "conversation_id", conv.ID, "device_id", f.DeviceID, "reason", f.Reason)
	}
	if err := c.notifier.Notify(ctx, notify.Event{
		Type:           notify.EventKeyRotated,
		ConversationID: conv.ID,
		KeyVersion:     res.NewVersion,
		At:             now,
	}); err != nil {
		log.Warn("rotation notification failed", "conversation_id", conv.ID, "err", err)
	}
	return res, nil
}

// recheckRecipients drops records whose device lost its entitlement or
// changed key after the wraps were made. The devices stay share-locked until
// tx ends so a revocation cannot slip in before commit.
func recheckRecipients(ctx context.Context, tx *store.Store, records []domain.WrappedKey, res *RotationResult) ([]domain.WrappedKey, error) {
	users := make([]uuid.UUID, 0, len(records))
	for _, rec := range records {
		if !slices.Contains(users, rec.UserID) {
			users = append(users, rec.UserID)
		}
	}
	devices, err := tx.Devices().LockActiveByUsers(ctx, users)
	if err != nil {
		return nil, err
	}
	current := make(map[uuid.UUID]*domain.Device, len(devices))
	for i := range devices {
		if devices[i].Entitled() {
			current[devices[i].ID] = &devices[i]
		}
	}

	kept := records[:0]
	res.RotatedDevices = res.RotatedDevices[:0]
	for _, rec := range records {
		d, ok := current[*rec.DeviceID]
		if !ok || d.PublicKey != rec.PublicKeySnapshot {
			res.FailedDevices = append(res.FailedDevices, FailedDevice{DeviceID: *rec.DeviceID, UserID: rec.UserID, Reason: "device no longer entitled"})
			continue
		}
		kept = append(kept, rec)
		res.RotatedDevices = append(res.RotatedDevices, d.ID)
	}
	if len(kept) == 0 {
		return nil, domain.ErrNoEntitledDevices
	}
	return kept, nil
}

// entitledDevices lists devices of active participants, minus excluded users,
// that may receive a new key.
func (c *RotationCoordinator) entitledDevices(ctx context.Context, conversationID uuid.UUID, exclude []uuid.UUID) ([]domain.Device, error) {
	users, err := c.members.ActiveUserIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	users = slices.DeleteFunc(users, func(u uuid.UUID) bool { return slices.Contains(exclude, u) })
	devices, err := c.store.Devices().ListActiveByUsers(ctx, users)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(devices, func(d domain.Device) bool { return !d.Entitled() }), nil
}

// AddParticipant admits userID and rotates so the newcomer only ever holds
// keys from the join onwards.
func (c *RotationCoordinator) AddParticipant(ctx context.Context, conversationID, userID, initiator uuid.UUID) (*RotationResult, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	if _, err := c.store.Conversations().Get(ctx, conversationID); err != nil {
		return nil, translateNotFound(err, domain.ErrConversationNotFound)
	}
	if err := c.store.Participants().Add(ctx, conversationID, userID, c.now()); err != nil {
		return nil, err
	}
	return c.Rotate(ctx, RotateRequest{
		ConversationID:    conversationID,
		InitiatorDeviceID: initiator,
		Reason:            RotationParticipantAdded,
	})
}

// RemoveParticipant revokes userID's entitlement and rotates so none of
// their devices receive the new key. A failed rotation restores the
// membership so the call can be retried. A retry for a user who already left
// but still holds an active record resumes the rotation. When no entitled
// device remains to receive a new key, the departing user's records are
// retired without one.
func (c *RotationCoordinator) RemoveParticipant(ctx context.Context, conversationID, userID, initiator uuid.UUID) (*RotationResult, error) {
	conv, err := c.store.Conversations().Get(ctx, conversationID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrConversationNotFound)
	}
	removed, err := c.store.Participants().Remove(ctx, conversationID, userID, c.now())
	if err != nil {
		return nil, err
	}
	if !removed {
		held, err := c.store.WrappedKeys().CountActiveForUser(ctx, conversationID, userID)
		if err != nil {
			return nil, err
		}
		if held == 0 {
			return nil, domain.ErrNotEntitled
		}
	}

	res, err := c.Rotate(ctx, RotateRequest{
		ConversationID:    conversationID,
		InitiatorDeviceID: initiator,
		Reason:            RotationParticipantRemoved,
		ExcludeUserIDs:    []uuid.UUID{userID},
	})
	if err == nil {
		return res, nil
	}

	log := logging.FromContext(ctx)
	if errors.Is(err, domain.ErrNoEntitledDevices) {
		n, derr := c.store.WrappedKeys().DeactivateUser(ctx, conversationID, userID)
		if derr != nil {
			return nil, derr
		}
		log.Info("participant removed without rotation, no entitled device left",
			"conversation_id", conversationID,
			"user_id", userID,
			"deactivated", n,
		)
		return &RotationResult{
			ConversationID:     conversationID,
			PreviousVersion:    conv.CurrentKeyVersion,
			NewVersion:         conv.CurrentKeyVersion,
			RotatedDevices:     []uuid.UUID{},
			FailedDevices:      []FailedDevice{},
			DeactivatedRecords: n,
		}, nil
	}
	if removed {
		if rerr := c.store.Participants().Restore(ctx, conversationID, userID); rerr != nil {
			log.Error("restoring participant after failed rotation", "conversation_id", conversationID, "user_id", userID, "err", rerr)
		}
	}
	return res, err
}

// RotateStale rotates conversations whose key is older than maxAge. Failures
// are logged and skipped.
func (c *RotationCoordinator) RotateStale(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	if limit <= 0 {
		limit = 100
	}
	convs, err := c.store.Conversations().ListStale(ctx, c.now().Add(-maxAge), limit)
	if err != nil {
		return 0, err
	}
	log := logging.FromContext(ctx)
	rotated := 0
	for _, conv := range convs {
		if ctx.Err() != nil {
			return rotated, ctx.Err()
		}
		if _, err := c.Rotate(ctx, RotateRequest{ConversationID: conv.ID, Reason: RotationScheduled}); err != nil {
			log.Warn("scheduled rotation failed", "conversation_id", conv.ID, "err", err)
			continue
		}
		rotated++
	}
	return rotated, nil
}
