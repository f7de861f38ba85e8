package service

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/notify"
	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/observability/metrics"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SyncCoordinator moves existing conversation keys between devices of the
// same user. Private keys are passed per call and never stored.
type SyncCoordinator struct {
	store       *store.Store
	members     Membership
	notifier    notify.Notifier
	offerTTL    time.Duration
	concurrency int
	now         func() time.Time
}

type ShareKeysInput struct {
	FromDeviceID      uuid.UUID
	ToDeviceID        uuid.UUID
	FromPrivateKeyPEM string
}

type FailedConversation struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Reason         string    `json:"reason"`
}

type ShareResult struct {
	TotalKeysShared     int                    `json:"totalKeysShared"`
	SharedConversations []uuid.UUID            `json:"sharedConversations"`
	FailedConversations []FailedConversation   `json:"failedConversations"`
	Offers              []domain.KeyShareOffer `json:"offers"`
}

// ShareKeysWithNewDevice offers every key the source device currently holds
// to a sibling device. Each conversation is handled on its own; one failure
// does not stop the rest.
func (s *SyncCoordinator) ShareKeysWithNewDevice(ctx context.Context, in ShareKeysInput) (*ShareResult, error) {
	res, err := s.shareKeys(ctx, in)
	metrics.KeySharesTotal.WithLabelValues("offered", metrics.Result(err)).Inc()
	return res, err
}

func (s *SyncCoordinator) shareKeys(ctx context.Context, in ShareKeysInput) (*ShareResult, error) {
	from, to, err := s.siblings(ctx, in.FromDeviceID, in.ToDeviceID)
	if err != nil {
		return nil, err
	}
	if to.EncryptionVersion < cryptocore.MinEncryptionVersion {
		return nil, fmt.Errorf("%w: incompatible encryption version %d", domain.ErrInvalidArgument, to.EncryptionVersion)
	}
	priv, err := cryptocore.ParsePrivateKeyPEM(in.FromPrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	toPub, err := cryptocore.ParsePublicKeyPEM(to.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	records, err := s.store.WrappedKeys().ActiveForDevice(ctx, from.ID)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	now := s.now()
	res := &ShareResult{
		SharedConversations: []uuid.UUID{},
		FailedConversations: []FailedConversation{},
		Offers:              []domain.KeyShareOffer{},
	}
	for _, rec := range records {
		offer, err := s.offer(ctx, rec, from, to, priv, toPub, now)
		if err != nil {
			res.FailedConversations = append(res.FailedConversations, FailedConversation{ConversationID: rec.ConversationID, Reason: err.Error()})
			log.Warn("key share failed", "conversation_id", rec.ConversationID, "to_device_id", to.ID, "err", err)
			continue
		}
		res.SharedConversations = append(res.SharedConversations, rec.ConversationID)
		res.Offers = append(res.Offers, *offer)
		if err := s.notifier.Notify(ctx, notify.Event{
			Type:           notify.EventKeyShareOffered,
			ConversationID: offer.ConversationID,
			DeviceID:       to.ID,
			OfferID:        offer.ID,
			KeyVersion:     offer.KeyVersion,
			At:             now,
		}); err != nil {
			log.Warn("key share notification failed", "offer_id", offer.ID, "err", err)
		}
	}
	res.TotalKeysShared = len(res.SharedConversations)
	log.Info("keys shared with device",
		"from_device_id", from.ID,
		"to_device_id", to.ID,
		"shared", res.TotalKeysShared,
		"failed", len(res.FailedConversations),
	)
	return res, nil
}

func (s *SyncCoordinator) offer(ctx context.Context, rec domain.WrappedKey, from, to *domain.Device, priv *rsa.PrivateKey, toPub *rsa.PublicKey, now time.Time) (*domain.KeyShareOffer, error) {
	key, err := cryptocore.UnwrapWithKey(rec.WrappedKey, priv)
	if err != nil {
		return nil, err
	}
	defer cryptocore.Zero(key)
	blob, err := cryptocore.WrapWithKey(key, toPub)
	if err != nil {
		return nil, err
	}
	offer := &domain.KeyShareOffer{
		ID:                    uuid.New(),
		UserID:                from.UserID,
		FromDeviceID:          from.ID,
		ToDeviceID:            to.ID,
		ConversationID:        rec.ConversationID,
		KeyVersion:            rec.KeyVersion,
		EncryptedSymmetricKey: blob,
		KeyCommitment:         cryptocore.KeyCommitment(key, rec.ConversationID.String(), rec.KeyVersion),
		IsActive:              true,
		ExpiresAt:             now.Add(s.offerTTL),
		CreatedAt:             now,
	}
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.KeyShares().CancelSuperseded(ctx, to.ID, rec.ConversationID, rec.KeyVersion, now); err != nil {
			return err
		}
		return tx.KeyShares().Create(ctx, offer)
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// siblings loads two devices of one user that may exchange key material.
// from must be verified; to may still be pending.
func (s *SyncCoordinator) siblings(ctx context.Context, fromID, toID uuid.UUID) (*domain.Device, *domain.Device, error) {
	if fromID == toID {
		return nil, nil, fmt.Errorf("%w: source and target device are the same", domain.ErrInvalidArgument)
	}
	from, err := s.store.Devices().Get(ctx, fromID)
	if err != nil {
		return nil, nil, translateNotFound(err, domain.ErrDeviceNotFound)
	}
	to, err := s.store.Devices().Get(ctx, toID)
	if err != nil {
		return nil, nil, translateNotFound(err, domain.ErrDeviceNotFound)
	}
	switch {
	case from.UserID != to.UserID:
		return nil, nil, domain.ErrCrossUserDevices
	case from.Revoked() || to.Revoked():
		return nil, nil, domain.ErrDeviceRevoked
	case !from.Capabilities.Has(domain.CapabilityEncryption), !to.Capabilities.Has(domain.CapabilityEncryption):
		return nil, nil, domain.ErrMissingEncryption
	case from.TrustLevel != domain.TrustVerified:
		return nil, nil, domain.ErrDeviceNotTrusted
	case !from.SecurityLevel.CanShareTo(to.SecurityLevel):
		return nil, nil, domain.ErrSecurityLevelMismatch
	}
	return from, to, nil
}

// AcceptKeyShare consumes an offer. The caller proves it could open the
// offer by presenting the symmetric key, which must match the commitment.
func (s *SyncCoordinator) AcceptKeyShare(ctx context.Context, deviceID, offerID uuid.UUID, symmetricKey []byte) (*domain.WrappedKey, error) {
	rec, err := s.acceptKeyShare(ctx, deviceID, offerID, symmetricKey)
	metrics.KeySharesTotal.WithLabelValues("accepted", metrics.Result(err)).Inc()
	return rec, err
}

func (s *SyncCoordinator) acceptKeyShare(ctx context.Context, deviceID, offerID uuid.UUID, symmetricKey []byte) (*domain.WrappedKey, error) {
	if len(symmetricKey) != cryptocore.KeySize {
		return nil, fmt.Errorf("%w: symmetric key must be %d bytes", domain.ErrInvalidArgument, cryptocore.KeySize)
	}
	now := s.now()
	var out *domain.WrappedKey
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		peek, err := tx.KeyShares().Get(ctx, offerID)
		if err != nil {
			return translateNotFound(err, domain.ErrOfferNotFound)
		}
		if peek.ToDeviceID != deviceID {
			return domain.ErrOfferRecipient
		}
		// Lock order is conversation, device, offer. Rotation and revocation
		// take the same locks in the same order.
		conv, err := tx.Conversations().GetForUpdate(ctx, peek.ConversationID)
		if err != nil {
			return translateNotFound(err, domain.ErrConversationNotFound)
		}
		dev, err := tx.Devices().GetForUpdate(ctx, deviceID)
		if err != nil {
			return translateNotFound(err, domain.ErrDeviceNotFound)
		}
		offer, err := tx.KeyShares().GetForUpdate(ctx, offerID)
		if err != nil {
			return translateNotFound(err, domain.ErrOfferNotFound)
		}
		switch {
		case dev.Revoked() || !dev.IsActive:
			return domain.ErrDeviceRevoked
		case offer.IsAccepted:
			return domain.ErrOfferAlreadyAccepted
		case !offer.IsActive:
			return domain.ErrOfferInactive
		case !now.Before(offer.ExpiresAt):
			return domain.ErrOfferExpired
		case !cryptocore.VerifyKeyCommitment(symmetricKey, offer.ConversationID.String(), offer.KeyVersion, offer.KeyCommitment):
			return domain.ErrKeyCommitment
		}
		ok, err := tx.KeyShares().MarkAccepted(ctx, offer.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrOfferAlreadyAccepted
		}

		strength := 0
		if pub, err := cryptocore.ParsePublicKeyPEM(dev.PublicKey); err == nil {
			strength = pub.N.BitLen()
		}
		devID := dev.ID
		out, err = storeRecord(ctx, tx, domain.WrappedKey{
			ID:                uuid.New(),
			ConversationID:    offer.ConversationID,
			UserID:            dev.UserID,
			DeviceID:          &devID,
			KeyVersion:        offer.KeyVersion,
			WrappedKey:        offer.EncryptedSymmetricKey,
			PublicKeySnapshot: dev.PublicKey,
			Algorithm:         cryptocore.WrapAlgorithm,
			KeyStrength:       strength,
			IsActive:          offer.KeyVersion == conv.CurrentKeyVersion,
			CreatedAt:         now,
		})
		return err
	})
	if errors.Is(err, domain.ErrOfferExpired) {
		if _, derr := s.store.KeyShares().Deactivate(ctx, offerID, "expired", now); derr != nil {
			logging.FromContext(ctx).Warn("expiring key share offer failed", "offer_id", offerID, "err", derr)
		}
	}
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("key share accepted",
		"offer_id", offerID,
		"device_id", deviceID,
		"conversation_id", out.ConversationID,
		"version", out.KeyVersion,
	)
	return out, nil
}

// PendingOffers lists offers the device can still accept.
func (s *SyncCoordinator) PendingOffers(ctx context.Context, deviceID uuid.UUID) ([]domain.KeyShareOffer, error) {
	return s.store.KeyShares().PendingForDevice(ctx, deviceID, s.now())
}

// CleanupExpiredKeyShares deactivates unaccepted offers past their expiry.
// Accepted offers are never touched.
func (s *SyncCoordinator) CleanupExpiredKeyShares(ctx context.Context) (int64, error) {
	n, err := s.store.KeyShares().ExpirePending(ctx, s.now())
	if err != nil {
		return 0, err
	}
	metrics.KeySharesTotal.WithLabelValues("expired", "success").Add(float64(n))
	if n > 0 {
		logging.FromContext(ctx).Info("expired key shares cleaned up", "count", n)
	}
	return n, nil
}

type CatchupInput struct {
	DeviceID            uuid.UUID
	ConversationID      uuid.UUID
	SourceDeviceID      uuid.UUID
	SourcePrivateKeyPEM string
}

type CatchupResult struct {
	ConversationID uuid.UUID `json:"conversationId"`
	KeysSynced     int       `json:"keysSynced"`
	SyncedVersions []int     `json:"syncedVersions"`
	// MissingVersions are entitled versions the source could not provide.
	MissingVersions    []int `json:"missingVersions"`
	MessagesAccessible int64 `json:"messagesAccessible"`
}

// PerformCatchupSync gives a device every key version its user is entitled
// to but the device lacks, using a sibling's records as the source.
func (s *SyncCoordinator) PerformCatchupSync(ctx context.Context, in CatchupInput) (*CatchupResult, error) {
	res, err := s.catchup(ctx, in)
	metrics.CatchupSyncsTotal.WithLabelValues(metrics.Result(err)).Inc()
	return res, err
}

func (s *SyncCoordinator) catchup(ctx context.Context, in CatchupInput) (*CatchupResult, error) {
	source, device, err := s.siblings(ctx, in.SourceDeviceID, in.DeviceID)
	if err != nil {
		return nil, err
	}
	if !device.Entitled() {
		return nil, domain.ErrDeviceNotTrusted
	}
	conv, err := s.store.Conversations().Get(ctx, in.ConversationID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrConversationNotFound)
	}
	users, err := s.members.ActiveUserIDs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(users, device.UserID) {
		return nil, domain.ErrNotEntitled
	}
	priv, err := cryptocore.ParsePrivateKeyPEM(in.SourcePrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	entitled, err := s.store.WrappedKeys().VersionsForUser(ctx, conv.ID, device.UserID)
	if err != nil {
		return nil, err
	}
	held, err := s.store.WrappedKeys().VersionsForDevice(ctx, conv.ID, device.ID)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	now := s.now()
	res := &CatchupResult{ConversationID: conv.ID, SyncedVersions: []int{}, MissingVersions: []int{}}
	var records []domain.WrappedKey
	for _, v := range entitled {
		if slices.Contains(held, v) {
			continue
		}
		rec, err := s.rewrap(ctx, conv.ID, source, device, priv, v, v == conv.CurrentKeyVersion, now)
		if err != nil {
			log.Warn("catch-up version unavailable", "conversation_id", conv.ID, "version", v, "err", err)
			res.MissingVersions = append(res.MissingVersions, v)
			continue
		}
		records = append(records, rec)
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if len(records) == 0 {
			return nil
		}
		locked, err := tx.Conversations().GetForUpdate(ctx, conv.ID)
		if err != nil {
			return translateNotFound(err, domain.ErrConversationNotFound)
		}
		if _, err := lockRecipient(ctx, tx, device.ID, device.UserID); err != nil {
			return err
		}
		for _, rec := range records {
			rec.IsActive = rec.KeyVersion == locked.CurrentKeyVersion
			if _, err := storeRecord(ctx, tx, rec); err != nil {
				return err
			}
			res.SyncedVersions = append(res.SyncedVersions, rec.KeyVersion)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.KeysSynced = len(res.SyncedVersions)

	accessible := append(slices.Clone(held), res.SyncedVersions...)
	if res.MessagesAccessible, err = s.store.Messages().CountByVersions(ctx, conv.ID, accessible); err != nil {
		return nil, err
	}
	log.Info("catch-up sync completed",
		"conversation_id", conv.ID,
		"device_id", device.ID,
		"synced", res.KeysSynced,
		"missing", len(res.MissingVersions),
	)
	return res, nil
}

func (s *SyncCoordinator) rewrap(ctx context.Context, conversationID uuid.UUID, source, device *domain.Device, priv *rsa.PrivateKey, version int, active bool, now time.Time) (domain.WrappedKey, error) {
	srcID := source.ID
	src, err := s.store.WrappedKeys().Find(ctx, conversationID, source.UserID, &srcID, version)
	if err != nil {
		return domain.WrappedKey{}, translateNotFound(err, domain.ErrKeyNotFound)
	}
	key, err := cryptocore.UnwrapWithKey(src.WrappedKey, priv)
	if err != nil {
		return domain.WrappedKey{}, err
	}
	defer cryptocore.Zero(key)
	return wrapForDevice(device, key, conversationID, version, active, now)
}

type BulkDistributeInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	DeviceIDs      []uuid.UUID
	SymmetricKey   []byte
	// Version 0 means the conversation's current version.
	Version int
}

type BulkResult struct {
	KeyVersion int            `json:"keyVersion"`
	Succeeded  []uuid.UUID    `json:"succeeded"`
	Failed     []FailedDevice `json:"failed"`
}

// BulkDistributeKeys wraps one key for many verified devices of a
// participant in parallel. A failing device never cancels its siblings.
func (s *SyncCoordinator) BulkDistributeKeys(ctx context.Context, in BulkDistributeInput) (*BulkResult, error) {
	if len(in.SymmetricKey) != cryptocore.KeySize {
		return nil, cryptocore.ErrKeySize
	}
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	conv, err := s.store.Conversations().Get(ctx, in.ConversationID)
	if err != nil {
		return nil, translateNotFound(err, domain.ErrConversationNotFound)
	}
	version := in.Version
	if version == 0 {
		version = conv.CurrentKeyVersion
	}
	if version <= 0 || version > conv.CurrentKeyVersion {
		return nil, fmt.Errorf("%w: invalid key version %d", domain.ErrInvalidArgument, version)
	}
	users, err := s.members.ActiveUserIDs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(users, in.UserID) {
		return nil, domain.ErrNotEntitled
	}

	ids := slices.Clone(in.DeviceIDs)
	slices.SortFunc(ids, compareUUID)
	ids = slices.Compact(ids)

	res := &BulkResult{KeyVersion: version, Succeeded: []uuid.UUID{}, Failed: []FailedDevice{}}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.distributeOne(ctx, conv, in.UserID, id, in.SymmetricKey, version)
			metrics.KeyWrapsTotal.WithLabelValues("bulk", metrics.Result(err)).Inc()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, FailedDevice{DeviceID: id, UserID: in.UserID, Reason: err.Error()})
				return nil
			}
			res.Succeeded = append(res.Succeeded, id)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(res.Succeeded, compareUUID)
	slices.SortFunc(res.Failed, func(a, b FailedDevice) int { return compareUUID(a.DeviceID, b.DeviceID) })
	logging.FromContext(ctx).Info("bulk key distribution",
		"conversation_id", conv.ID,
		"version", version,
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed),
	)
	return res, nil
}

func (s *SyncCoordinator) distributeOne(ctx context.Context, conv *domain.Conversation, userID, deviceID uuid.UUID, key []byte, version int) error {
	dev, err := s.store.Devices().Get(ctx, deviceID)
	if err != nil {
		return translateNotFound(err, domain.ErrDeviceNotFound)
	}
	if err := checkRecipient(dev, userID); err != nil {
		return err
	}
	rec, err := wrapForDevice(dev, key, conv.ID, version, false, s.now())
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		current, err := tx.Conversations().GetForUpdate(ctx, conv.ID)
		if err != nil {
			return translateNotFound(err, domain.ErrConversationNotFound)
		}
		locked, err := lockRecipient(ctx, tx, deviceID, userID)
		if err != nil {
			return err
		}
		if locked.PublicKey != rec.PublicKeySnapshot {
			return fmt.Errorf("%w: device key changed", domain.ErrConflict)
		}
		rec.IsActive = version == current.CurrentKeyVersion
		_, err = storeRecord(ctx, tx, rec)
		return err
	})
}

func compareUUID(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) }
