package service_test

import (
	"slices"
	"testing"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestKeyShareToNewDevice(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, a1Keys := f.trusted(alice)
	conv := f.conversation(alice)
	f.rotate(conv, service.RotationInitial)
	a2, a2Keys := f.register(alice)

	res, err := f.svc.Sync.ShareKeysWithNewDevice(f.ctx, service.ShareKeysInput{
		FromDeviceID: a1.ID, ToDeviceID: a2.ID, FromPrivateKeyPEM: a1Keys.PrivateKeyPEM,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalKeysShared)
	require.Equal(t, []uuid.UUID{conv}, res.SharedConversations)
	require.Empty(t, res.FailedConversations)

	offers, err := f.svc.Sync.PendingOffers(f.ctx, a2.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	offer := offers[0]
	require.Equal(t, 1, offer.KeyVersion)
	require.True(t, offer.ExpiresAt.Equal(f.now.Add(7*24*time.Hour)), "expires at %s", offer.ExpiresAt)

	key, err := cryptocore.Unwrap(offer.EncryptedSymmetricKey, a2Keys.PrivateKeyPEM)
	require.NoError(t, err)
	require.Equal(t, f.activeKey(conv, a1, a1Keys), key)

	_, err = f.svc.Sync.AcceptKeyShare(f.ctx, a2.ID, offer.ID, make([]byte, cryptocore.KeySize))
	require.ErrorIs(t, err, domain.ErrKeyCommitment)
	_, err = f.svc.Sync.AcceptKeyShare(f.ctx, a1.ID, offer.ID, key)
	require.ErrorIs(t, err, domain.ErrOfferRecipient)
	_, err = f.svc.Sync.AcceptKeyShare(f.ctx, a2.ID, uuid.New(), key)
	require.ErrorIs(t, err, domain.ErrOfferNotFound)

	rec, err := f.svc.Sync.AcceptKeyShare(f.ctx, a2.ID, offer.ID, key)
	require.NoError(t, err)
	require.True(t, rec.IsActive)
	require.Equal(t, 1, rec.KeyVersion)
	require.Equal(t, key, f.activeKey(conv, a2, a2Keys))

	_, err = f.svc.Sync.AcceptKeyShare(f.ctx, a2.ID, offer.ID, key)
	require.ErrorIs(t, err, domain.ErrOfferAlreadyAccepted)

	offers, err = f.svc.Sync.PendingOffers(f.ctx, a2.ID)
	require.NoError(t, err)
	require.Empty(t, offers)
}

func TestKeyShareSupersedesEarlierOffer(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, a1Keys := f.trusted(alice)
	conv := f.conversation(alice)
	f.rotate(conv, service.RotationInitial)
	a2, a2Keys := f.register(alice)

	in := service.ShareKeysInput{FromDeviceID: a1.ID, ToDeviceID: a2.ID, FromPrivateKeyPEM: a1Keys.PrivateKeyPEM}
	first, err := f.svc.Sync.ShareKeysWithNewDevice(f.ctx, in)
	require.NoError(t, err)
	second, err := f.svc.Sync.ShareKeysWithNewDevice(f.ctx, in)
	require.NoError(t, err)

	offers, err := f.svc.Sync.PendingOffers(f.ctx, a2.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, second.Offers[0].ID, offers[0].ID)

	key, err := cryptocore.Unwrap(first.Offers[0].EncryptedSymmetricKey, a2Keys.PrivateKeyPEM)
	require.NoError(t, err)
	_, err = f.svc.Sync.AcceptKeyShare(f.ctx, a2.ID, first.Offers[0].ID, key)
	require.ErrorIs(t, err, domain.ErrOfferInactive)
}

func TestKeyShareRejections(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	a1, a1Keys := f.trusted(alice)
	a2, a2Keys := f.register(alice)
	a3, _ := f.register(alice)
	b1, _ := f.register(bob)
	aMax, aMaxKeys := f.trusted(alice, withSecurity("maximum"))
	aLow, _ := f.register(alice, withSecurity("low"))

	share := func(from, to uuid.UUID, priv string) error {
		_, err := f.svc.Sync.ShareKeysWithNewDevice(f.ctx, service.ShareKeysInput{FromDeviceID: from, ToDeviceID: to, FromPrivateKeyPEM: priv})
		return err
	}

	require.ErrorIs(t, share(a1.ID, b1.ID, a1Keys.PrivateKeyPEM), domain.ErrCrossUserDevices)
	require.ErrorIs(t, share(a2.ID, a3.ID, a2Keys.PrivateKeyPEM), domain.ErrDeviceNotTrusted)
	require.ErrorIs(t, share(aMax.ID, aLow.ID, aMaxKeys.PrivateKeyPEM), domain.ErrSecurityLevelMismatch)
	require.ErrorIs(t, share(a1.ID, a2.ID, "not a key"), domain.ErrInvalidArgument)
	require.ErrorIs(t, share(a1.ID, a1.ID, a1Keys.PrivateKeyPEM), domain.ErrInvalidArgument)
	require.ErrorIs(t, share(a1.ID, uuid.New(), a1Keys.PrivateKeyPEM), domain.ErrDeviceNotFound)

	a3.Capabilities = domain.Capabilities{"files"}
	require.NoError(t, f.st.Devices().Save(f.ctx, a3))
	require.ErrorIs(t, share(a1.ID, a3.ID, a1Keys.PrivateKeyPEM), domain.ErrMissingEncryption)

	_, err := f.svc.Trust.RevokeTrust(f.ctx, a2.ID, domain.ReasonReplaced, "")
	require.NoError(t, err)
	require.ErrorIs(t, share(a1.ID, a2.ID, a1Keys.PrivateKeyPEM), domain.ErrDeviceRevoked)
}

func TestExpiredKeySharesAreCleanedUp(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, a1Keys := f.trusted(alice)
	for range 3 {
		f.rotate(f.conversation(alice), service.RotationInitial)
	}
	a2, a2Keys := f.register(alice)

	res, err := f.svc.Sync.ShareKeysWithNewDevice(f.ctx, service.ShareKeysInput{
		FromDeviceID: a1.ID, ToDeviceID: a2.ID, FromPrivateKeyPEM: a1Keys.PrivateKeyPEM,
	})
	require.NoError(t, err)
	require.Len(t, res.Offers, 3)

	accept := func(o domain.KeyShareOffer) error {
		key, err := cryptocore.Unwrap(o.EncryptedSymmetricKey, a2Keys.PrivateKeyPEM)
		require.NoError(t, err)
		_, err = f.svc.Sync.AcceptKeyShare(f.ctx, a2.ID, o.ID, key)
		return err
	}
	offer := func(id uuid.UUID) domain.KeyShareOffer {
		var o domain.KeyShareOffer
		require.NoError(t, f.st.DB.First(&o, "id = ?", id).Error)
		return o
	}
	require.NoError(t, accept(res.Offers[0]))

	f.now = f.now.Add(8 * 24 * time.Hour)

	// A late accept retires the offer on the spot.
	require.ErrorIs(t, accept(res.Offers[1]), domain.ErrOfferExpired)
	late := offer(res.Offers[1].ID)
	require.False(t, late.IsActive)
	require.Equal(t, "expired", late.CancelReason)
	require.ErrorIs(t, accept(res.Offers[1]), domain.ErrOfferInactive)

	n, err := f.svc.Sync.CleanupExpiredKeyShares(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = f.svc.Sync.CleanupExpiredKeyShares(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	accepted := offer(res.Offers[0].ID)
	require.True(t, accepted.IsAccepted)
	require.True(t, accepted.IsActive)

	expired := offer(res.Offers[2].ID)
	require.False(t, expired.IsActive)
	require.Equal(t, "expired", expired.CancelReason)
}

func TestAcceptStaleOfferKeepsCurrentRecord(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, a1Keys := f.trusted(alice)
	conv := f.conversation(alice)
	f.rotate(conv, service.RotationInitial)
	a2, a2Keys := f.register(alice)

	res, err := f.svc.Sync.ShareKeysWithNewDevice(f.ctx, service.ShareKeysInput{
		FromDeviceID: a1.ID, ToDeviceID: a2.ID, FromPrivateKeyPEM: a1Keys.PrivateKeyPEM,
	})
	require.NoError(t, err)
	stale := res.Offers[0]

	// The device is verified and receives v2 before it gets round to the v1 offer.
	_, err = f.svc.Trust.MarkAsTrusted(f.ctx, a2.ID)
	require.NoError(t, err)
	f.rotate(conv, service.RotationAdmin)
	current := f.activeKey(conv, a2, a2Keys)

	key, err := cryptocore.Unwrap(stale.EncryptedSymmetricKey, a2Keys.PrivateKeyPEM)
	require.NoError(t, err)
	rec, err := f.svc.Sync.AcceptKeyShare(f.ctx, a2.ID, stale.ID, key)
	require.NoError(t, err)
	require.Equal(t, 1, rec.KeyVersion)
	require.False(t, rec.IsActive)

	active, err := f.svc.Registry.ActiveRecord(f.ctx, conv, a2.ID)
	require.NoError(t, err)
	require.Equal(t, 2, active.KeyVersion)
	require.Equal(t, current, f.activeKey(conv, a2, a2Keys))
	require.Equal(t, key, f.keyAt(conv, a2, a2Keys, 1))
}

func TestCatchupSyncRestoresEveryMissedVersion(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, a1Keys := f.trusted(alice)
	a2, a2Keys := f.register(alice)
	conv := f.conversation(alice)
	for range 3 {
		f.rotate(conv, service.RotationAdmin)
	}

	key := f.activeKey(conv, a1, a1Keys)
	env, err := cryptocore.Encrypt([]byte("while you were away"), key, cryptocore.AuthData{ConversationID: conv.String(), KeyVersion: 3})
	require.NoError(t, err)
	_, err = f.svc.Messages.Store(f.ctx, service.StoreMessageInput{ConversationID: conv, SenderDeviceID: a1.ID, Envelope: *env})
	require.NoError(t, err)

	in := service.CatchupInput{DeviceID: a2.ID, ConversationID: conv, SourceDeviceID: a1.ID, SourcePrivateKeyPEM: a1Keys.PrivateKeyPEM}
	_, err = f.svc.Sync.PerformCatchupSync(f.ctx, in)
	require.ErrorIs(t, err, domain.ErrDeviceNotTrusted)

	_, err = f.svc.Trust.MarkAsTrusted(f.ctx, a2.ID)
	require.NoError(t, err)
	res, err := f.svc.Sync.PerformCatchupSync(f.ctx, in)
	require.NoError(t, err)
	require.Equal(t, 3, res.KeysSynced)
	require.Equal(t, []int{1, 2, 3}, res.SyncedVersions)
	require.Empty(t, res.MissingVersions)
	require.EqualValues(t, 1, res.MessagesAccessible)

	for v := 1; v <= 3; v++ {
		require.Equal(t, f.keyAt(conv, a1, a1Keys, v), f.keyAt(conv, a2, a2Keys, v), "version %d", v)
	}
	active, err := f.svc.Registry.ActiveRecord(f.ctx, conv, a2.ID)
	require.NoError(t, err)
	require.Equal(t, 3, active.KeyVersion)

	again, err := f.svc.Sync.PerformCatchupSync(f.ctx, in)
	require.NoError(t, err)
	require.Zero(t, again.KeysSynced)
	require.EqualValues(t, 1, again.MessagesAccessible)

	other := f.conversation(uuid.New())
	in.ConversationID = other
	_, err = f.svc.Sync.PerformCatchupSync(f.ctx, in)
	require.ErrorIs(t, err, domain.ErrNotEntitled)
}

func TestCatchupAfterFailedRotation(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, a1Keys := f.trusted(alice)
	a2, a2Keys := f.trusted(alice, withEncryptionVersion(1))
	conv := f.conversation(alice)

	res := f.rotate(conv, service.RotationInitial)
	require.Len(t, res.FailedDevices, 1)

	// The device upgrades its client, then catches up.
	_, err := f.svc.Trust.RegisterDevice(f.ctx, service.RegisterDeviceInput{
		UserID: alice, Name: "upgraded", PublicKeyPEM: a2.PublicKey,
		Capabilities: []string{domain.CapabilityEncryption},
	})
	require.NoError(t, err)
	caught, err := f.svc.Sync.PerformCatchupSync(f.ctx, service.CatchupInput{
		DeviceID: a2.ID, ConversationID: conv, SourceDeviceID: a1.ID, SourcePrivateKeyPEM: a1Keys.PrivateKeyPEM,
	})
	require.NoError(t, err)
	require.Equal(t, 1, caught.KeysSynced)
	require.Equal(t, f.activeKey(conv, a1, a1Keys), f.activeKey(conv, a2, a2Keys))
}

func TestBulkDistributeKeys(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	a1, a1Keys := f.trusted(alice)
	b1, _ := f.trusted(bob)
	conv := f.conversation(alice, bob)
	f.rotate(conv, service.RotationInitial)
	a2, a2Keys := f.trusted(alice)
	a3, _ := f.trusted(alice)
	pending, _ := f.register(alice)
	unknown := uuid.New()

	key := f.activeKey(conv, a1, a1Keys)
	res, err := f.svc.Sync.BulkDistributeKeys(f.ctx, service.BulkDistributeInput{
		ConversationID: conv,
		UserID:         alice,
		DeviceIDs:      []uuid.UUID{a2.ID, a3.ID, pending.ID, b1.ID, unknown, a2.ID},
		SymmetricKey:   key,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.KeyVersion)

	want := []uuid.UUID{a2.ID, a3.ID}
	slices.SortFunc(want, func(x, y uuid.UUID) int { return slices.Compare(x[:], y[:]) })
	require.Equal(t, want, res.Succeeded)
	require.Len(t, res.Failed, 3)
	reasons := map[uuid.UUID]string{}
	for _, fd := range res.Failed {
		reasons[fd.DeviceID] = fd.Reason
	}
	require.Equal(t, domain.ErrCrossUserDevices.Error(), reasons[b1.ID])
	require.Equal(t, domain.ErrDeviceNotFound.Error(), reasons[unknown])
	require.Equal(t, domain.ErrDeviceNotTrusted.Error(), reasons[pending.ID])

	require.Equal(t, key, f.activeKey(conv, a2, a2Keys))
	_, err = f.svc.Registry.ActiveRecord(f.ctx, conv, pending.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound, "pending devices get keys only by accepting an offer")

	_, err = f.svc.Sync.BulkDistributeKeys(f.ctx, service.BulkDistributeInput{ConversationID: conv, UserID: alice, SymmetricKey: []byte("short")})
	require.ErrorIs(t, err, cryptocore.ErrKeySize)

	outsider := uuid.New()
	o1, _ := f.trusted(outsider)
	_, err = f.svc.Sync.BulkDistributeKeys(f.ctx, service.BulkDistributeInput{
		ConversationID: conv, UserID: outsider, DeviceIDs: []uuid.UUID{o1.ID}, SymmetricKey: key,
	})
	require.ErrorIs(t, err, domain.ErrNotEntitled)
	_, err = f.svc.Registry.ActiveRecord(f.ctx, conv, o1.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
}
