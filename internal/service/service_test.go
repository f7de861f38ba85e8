package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/domain"
	"e2ee-keys/internal/lock"
	"e2ee-keys/internal/pairing"
	"e2ee-keys/internal/service"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	poolOnce sync.Once
	pool     []*cryptocore.KeyPair
	poolErr  error
)

// keyPool returns RSA key pairs shared by every test in the package.
func keyPool(t *testing.T) []*cryptocore.KeyPair {
	t.Helper()
	poolOnce.Do(func() {
		for range 8 {
			kp, err := cryptocore.GenerateKeyPair(cryptocore.MinKeyBits)
			if err != nil {
				poolErr = err
				return
			}
			pool = append(pool, kp)
		}
	})
	if poolErr != nil {
		t.Fatalf("generate key pool: %v", poolErr)
	}
	return pool
}

type fixture struct {
	t    *testing.T
	ctx  context.Context
	st   *store.Store
	svc  *service.Service
	now  time.Time
	keys []*cryptocore.KeyPair
	next int
}

func newFixture(t *testing.T, mods ...func(*service.Options)) *fixture {
	t.Helper()

	db, err := store.Open(store.Config{Driver: "sqlite", DSN: "file:" + uuid.NewString() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	signer, err := pairing.NewFromBase64("", "test", "e2ee-keys")
	if err != nil {
		t.Fatalf("pairing signer: %v", err)
	}

	f := &fixture{
		t:    t,
		ctx:  context.Background(),
		st:   st,
		now:  time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		keys: keyPool(t),
	}
	opts := service.Options{
		KeyBits:     cryptocore.MinKeyBits,
		KeyShareTTL: 7 * 24 * time.Hour,
		LockTimeout: 5 * time.Second,
		Pairing:     signer,
		Now:         func() time.Time { return f.now },
	}
	for _, m := range mods {
		m(&opts)
	}
	f.svc = service.New(st, opts)
	return f
}

type deviceOpt func(*service.RegisterDeviceInput)

func withSecurity(level string) deviceOpt {
	return func(in *service.RegisterDeviceInput) { in.SecurityLevel = level }
}

func withEncryptionVersion(v int) deviceOpt {
	return func(in *service.RegisterDeviceInput) { in.EncryptionVersion = v }
}

// register adds a pending device backed by the next pooled key pair.
func (f *fixture) register(user uuid.UUID, opts ...deviceOpt) (*domain.Device, *cryptocore.KeyPair) {
	f.t.Helper()
	if f.next >= len(f.keys) {
		f.t.Fatalf("key pool exhausted")
	}
	kp := f.keys[f.next]
	f.next++
	in := service.RegisterDeviceInput{
		UserID:       user,
		Name:         "device",
		Platform:     "test",
		PublicKeyPEM: kp.PublicKeyPEM,
		Capabilities: []string{domain.CapabilityEncryption},
	}
	for _, o := range opts {
		o(&in)
	}
	d, err := f.svc.Trust.RegisterDevice(f.ctx, in)
	require.NoError(f.t, err)
	return d, kp
}

func (f *fixture) trusted(user uuid.UUID, opts ...deviceOpt) (*domain.Device, *cryptocore.KeyPair) {
	f.t.Helper()
	d, kp := f.register(user, opts...)
	d, err := f.svc.Trust.MarkAsTrusted(f.ctx, d.ID)
	require.NoError(f.t, err)
	return d, kp
}

func (f *fixture) conversation(users ...uuid.UUID) uuid.UUID {
	f.t.Helper()
	id := uuid.New()
	conv, err := f.svc.Registry.RegisterConversation(f.ctx, id, users...)
	require.NoError(f.t, err)
	require.Zero(f.t, conv.CurrentKeyVersion)
	return id
}

func (f *fixture) rotate(conv uuid.UUID, reason service.RotationReason) *service.RotationResult {
	f.t.Helper()
	res, err := f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: conv, Reason: reason})
	require.NoError(f.t, err)
	return res
}

// activeKey unwraps the device's current record.
func (f *fixture) activeKey(conv uuid.UUID, dev *domain.Device, kp *cryptocore.KeyPair) []byte {
	f.t.Helper()
	rec, err := f.svc.Registry.ActiveRecord(f.ctx, conv, dev.ID)
	require.NoError(f.t, err)
	key, err := cryptocore.Unwrap(rec.WrappedKey, kp.PrivateKeyPEM)
	require.NoError(f.t, err)
	return key
}

func (f *fixture) keyAt(conv uuid.UUID, dev *domain.Device, kp *cryptocore.KeyPair, version int) []byte {
	f.t.Helper()
	rec, err := f.st.WrappedKeys().Find(f.ctx, conv, dev.UserID, &dev.ID, version)
	require.NoError(f.t, err)
	key, err := cryptocore.Unwrap(rec.WrappedKey, kp.PrivateKeyPEM)
	require.NoError(f.t, err)
	return key
}

func TestMembershipRotationScenario(t *testing.T) {
	f := newFixture(t)
	alice, bob, charlie := uuid.New(), uuid.New(), uuid.New()
	a1, a1Keys := f.trusted(alice)
	b1, b1Keys := f.trusted(bob)
	c1, c1Keys := f.trusted(charlie)
	conv := f.conversation(alice, bob)

	first := f.rotate(conv, service.RotationInitial)
	require.Equal(t, 0, first.PreviousVersion)
	require.Equal(t, 1, first.NewVersion)
	require.ElementsMatch(t, []uuid.UUID{a1.ID, b1.ID}, first.RotatedDevices)

	k1 := f.activeKey(conv, a1, a1Keys)
	require.Equal(t, k1, f.activeKey(conv, b1, b1Keys))

	env, err := cryptocore.Encrypt([]byte("hello bob"), k1, cryptocore.AuthData{
		SenderID: a1.ID.String(), ConversationID: conv.String(), KeyVersion: 1,
	})
	require.NoError(t, err)
	_, err = f.svc.Messages.Store(f.ctx, service.StoreMessageInput{ConversationID: conv, SenderDeviceID: a1.ID, Envelope: *env})
	require.NoError(t, err)

	added, err := f.svc.Rotation.AddParticipant(f.ctx, conv, charlie, a1.ID)
	require.NoError(t, err)
	require.Equal(t, 2, added.NewVersion)
	k2 := f.activeKey(conv, c1, c1Keys)
	require.NotEqual(t, k1, k2)
	history, err := f.svc.Registry.DeviceHistory(f.ctx, conv, c1.ID)
	require.NoError(t, err)
	require.Len(t, history, 1, "newcomer must not receive earlier keys")

	removed, err := f.svc.Rotation.RemoveParticipant(f.ctx, conv, bob, a1.ID)
	require.NoError(t, err)
	require.Equal(t, 3, removed.NewVersion)
	require.ElementsMatch(t, []uuid.UUID{a1.ID, c1.ID}, removed.RotatedDevices)

	_, err = f.svc.Registry.ActiveRecord(f.ctx, conv, b1.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
	bobHistory, err := f.svc.Registry.DeviceHistory(f.ctx, conv, b1.ID)
	require.NoError(t, err)
	require.Len(t, bobHistory, 2)
	for _, rec := range bobHistory {
		require.False(t, rec.IsActive)
	}

	// Alice can still open the first message with her historical key.
	old := f.keyAt(conv, a1, a1Keys, 1)
	msgs, err := f.svc.Messages.List(f.ctx, conv, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	pt, err := cryptocore.Decrypt(&msgs[0].Envelope, old)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))

	k3 := f.activeKey(conv, a1, a1Keys)
	_, err = cryptocore.Decrypt(&msgs[0].Envelope, k3)
	require.ErrorIs(t, err, cryptocore.ErrDecryption)

	version, err := f.svc.Registry.CurrentVersion(f.ctx, conv)
	require.NoError(t, err)
	require.Equal(t, 3, version)
}

func TestRotationRetiresEveryPreviousRecord(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	f.trusted(alice)
	f.trusted(alice)
	f.trusted(bob)
	conv := f.conversation(alice, bob)

	f.rotate(conv, service.RotationInitial)
	before, err := f.st.WrappedKeys().CountActive(f.ctx, conv)
	require.NoError(t, err)
	require.EqualValues(t, 3, before)

	res := f.rotate(conv, service.RotationAdmin)
	require.Equal(t, before, res.DeactivatedRecords)

	after, err := f.st.WrappedKeys().CountActive(f.ctx, conv)
	require.NoError(t, err)
	require.EqualValues(t, len(res.RotatedDevices), after)

	var stale int64
	require.NoError(t, f.st.DB.Model(&domain.WrappedKey{}).
		Where("conversation_id = ? AND is_active = ? AND key_version <> ?", conv, true, res.NewVersion).
		Count(&stale).Error)
	require.Zero(t, stale)
}

func TestRotationReportsFailedDevices(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	a1, _ := f.trusted(alice)
	legacy, _ := f.trusted(bob, withEncryptionVersion(1))
	conv := f.conversation(alice, bob)

	res := f.rotate(conv, service.RotationInitial)
	require.Equal(t, []uuid.UUID{a1.ID}, res.RotatedDevices)
	require.Len(t, res.FailedDevices, 1)
	require.Equal(t, legacy.ID, res.FailedDevices[0].DeviceID)
	require.Contains(t, res.FailedDevices[0].Reason, "incompatible encryption version")

	_, err := f.svc.Registry.ActiveRecord(f.ctx, conv, legacy.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestRotationFailsWithoutUsableDevices(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	f.register(alice)
	conv := f.conversation(alice)

	_, err := f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: conv, Reason: service.RotationInitial})
	require.ErrorIs(t, err, domain.ErrNoEntitledDevices)

	f.trusted(bob, withEncryptionVersion(1))
	require.NoError(t, f.st.Participants().Add(f.ctx, conv, bob, f.now))
	res, err := f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: conv})
	require.ErrorIs(t, err, domain.ErrRotationFailed)
	require.ErrorIs(t, err, domain.ErrEncryption)
	require.Len(t, res.FailedDevices, 1)

	version, err := f.svc.Registry.CurrentVersion(f.ctx, conv)
	require.NoError(t, err)
	require.Zero(t, version)

	_, err = f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: uuid.New()})
	require.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestRotationUsesSuppliedKey(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, kp := f.trusted(alice)
	conv := f.conversation(alice)

	key, err := cryptocore.GenerateSymmetricKey()
	require.NoError(t, err)
	_, err = f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: conv, SymmetricKey: key})
	require.NoError(t, err)
	require.Equal(t, key, f.activeKey(conv, a1, kp))

	_, err = f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: conv, SymmetricKey: []byte("short")})
	require.ErrorIs(t, err, cryptocore.ErrKeySize)
}

func TestConcurrentRotationsSerialize(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	f.trusted(alice)
	f.trusted(bob)
	conv := f.conversation(alice, bob)
	f.rotate(conv, service.RotationInitial)

	const n = 5
	var wg sync.WaitGroup
	results := make([]*service.RotationResult, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: conv, Reason: service.RotationAdmin})
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		require.False(t, seen[results[i].NewVersion], "version %d produced twice", results[i].NewVersion)
		seen[results[i].NewVersion] = true
	}
	version, err := f.svc.Registry.CurrentVersion(f.ctx, conv)
	require.NoError(t, err)
	require.Equal(t, 1+n, version)

	active, err := f.st.WrappedKeys().CountActive(f.ctx, conv)
	require.NoError(t, err)
	require.EqualValues(t, 2, active)
}

func TestRotationLockTimeout(t *testing.T) {
	lk := lock.NewMemory()
	f := newFixture(t, func(o *service.Options) {
		o.Locker = lk
		o.LockTimeout = 50 * time.Millisecond
	})
	alice := uuid.New()
	f.trusted(alice)
	conv := f.conversation(alice)

	release, err := lk.Acquire(f.ctx, "rotation:"+conv.String())
	require.NoError(t, err)
	_, err = f.svc.Rotation.Rotate(f.ctx, service.RotateRequest{ConversationID: conv})
	require.ErrorIs(t, err, domain.ErrRotationInProgress)
	release()

	f.rotate(conv, service.RotationInitial)
}

func TestRemoveParticipantRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	f.trusted(alice)
	conv := f.conversation(alice)

	_, err := f.svc.Rotation.RemoveParticipant(f.ctx, conv, uuid.New(), uuid.Nil)
	require.ErrorIs(t, err, domain.ErrNotEntitled)
}

// timeoutLocker reports lock.ErrTimeout for the next `fail` acquisitions.
type timeoutLocker struct {
	lock.Locker
	mu   sync.Mutex
	fail int
}

func (l *timeoutLocker) failNext(n int) {
	l.mu.Lock()
	l.fail = n
	l.mu.Unlock()
}

func (l *timeoutLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	timedOut := l.fail > 0
	if timedOut {
		l.fail--
	}
	l.mu.Unlock()
	if timedOut {
		return nil, lock.ErrTimeout
	}
	return l.Locker.Acquire(ctx, key)
}

func TestRemoveParticipantRetriesAfterFailedRotation(t *testing.T) {
	lk := &timeoutLocker{Locker: lock.NewMemory()}
	f := newFixture(t, func(o *service.Options) { o.Locker = lk })
	alice, bob := uuid.New(), uuid.New()
	a1, _ := f.trusted(alice)
	b1, _ := f.trusted(bob)
	conv := f.conversation(alice, bob)
	f.rotate(conv, service.RotationInitial)

	lk.failNext(1)
	_, err := f.svc.Rotation.RemoveParticipant(f.ctx, conv, bob, a1.ID)
	require.ErrorIs(t, err, domain.ErrRotationInProgress)

	// Nothing changed: bob is still a member holding the current key.
	member, err := f.st.Participants().IsActive(f.ctx, conv, bob)
	require.NoError(t, err)
	require.True(t, member)
	rec, err := f.svc.Registry.ActiveRecord(f.ctx, conv, b1.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rec.KeyVersion)

	res, err := f.svc.Rotation.RemoveParticipant(f.ctx, conv, bob, a1.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.NewVersion)
	require.Equal(t, []uuid.UUID{a1.ID}, res.RotatedDevices)

	member, err = f.st.Participants().IsActive(f.ctx, conv, bob)
	require.NoError(t, err)
	require.False(t, member)
	_, err = f.svc.Registry.ActiveRecord(f.ctx, conv, b1.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestRemoveParticipantResumesInterruptedRemoval(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	a1, _ := f.trusted(alice)
	b1, _ := f.trusted(bob)
	conv := f.conversation(alice, bob)
	f.rotate(conv, service.RotationInitial)

	// The membership change committed but the process died before rotating.
	left, err := f.st.Participants().Remove(f.ctx, conv, bob, f.now)
	require.NoError(t, err)
	require.True(t, left)

	res, err := f.svc.Rotation.RemoveParticipant(f.ctx, conv, bob, a1.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.NewVersion)
	_, err = f.svc.Registry.ActiveRecord(f.ctx, conv, b1.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)

	_, err = f.svc.Rotation.RemoveParticipant(f.ctx, conv, bob, a1.ID)
	require.ErrorIs(t, err, domain.ErrNotEntitled)
}

func TestRemoveLastReachableParticipant(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	a1, _ := f.trusted(alice)
	f.register(bob)
	conv := f.conversation(alice, bob)
	f.rotate(conv, service.RotationInitial)

	res, err := f.svc.Rotation.RemoveParticipant(f.ctx, conv, alice, uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.NewVersion)
	require.EqualValues(t, 1, res.DeactivatedRecords)
	require.Empty(t, res.RotatedDevices)

	_, err = f.svc.Registry.ActiveRecord(f.ctx, conv, a1.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
	_, err = f.svc.Rotation.RemoveParticipant(f.ctx, conv, uuid.New(), uuid.Nil)
	require.ErrorIs(t, err, domain.ErrNotEntitled)
	_, err = f.svc.Rotation.RemoveParticipant(f.ctx, uuid.New(), alice, uuid.Nil)
	require.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestRotateStale(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	f.trusted(alice)
	fresh := f.conversation(alice)
	stale := f.conversation(alice)
	f.rotate(stale, service.RotationInitial)
	f.now = f.now.Add(2 * time.Hour)
	f.rotate(fresh, service.RotationInitial)

	n, err := f.svc.Rotation.RotateStale(f.ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	v, err := f.svc.Registry.CurrentVersion(f.ctx, stale)
	require.NoError(t, err)
	require.Equal(t, 2, v)
	v, err = f.svc.Registry.CurrentVersion(f.ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestCreateWrappedKeyRecord(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, _ := f.trusted(alice)
	conv := f.conversation(alice)

	key, err := cryptocore.GenerateSymmetricKey()
	require.NoError(t, err)
	in := service.CreateRecordInput{ConversationID: conv, UserID: alice, DeviceID: &a1.ID, SymmetricKey: key}

	_, err = f.svc.Registry.CreateWrappedKeyRecord(f.ctx, in)
	require.ErrorIs(t, err, domain.ErrInvalidArgument, "no key version issued yet")

	res := f.rotate(conv, service.RotationInitial)
	existing, err := f.svc.Registry.ActiveRecord(f.ctx, conv, a1.ID)
	require.NoError(t, err)

	// Same tuple, same public key: the stored record comes back.
	again, err := f.svc.Registry.CreateWrappedKeyRecord(f.ctx, in)
	require.NoError(t, err)
	require.Equal(t, existing.ID, again.ID)

	other := in
	other.PublicKeyPEM = f.keys[len(f.keys)-1].PublicKeyPEM
	_, err = f.svc.Registry.CreateWrappedKeyRecord(f.ctx, other)
	require.ErrorIs(t, err, domain.ErrDuplicateKey)

	ahead := in
	ahead.Version = res.NewVersion + 1
	_, err = f.svc.Registry.CreateWrappedKeyRecord(f.ctx, ahead)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	legacy := service.CreateRecordInput{ConversationID: conv, UserID: alice, SymmetricKey: key, PublicKeyPEM: a1.PublicKey}
	first, err := f.svc.Registry.CreateWrappedKeyRecord(f.ctx, legacy)
	require.NoError(t, err)
	require.Nil(t, first.DeviceID)
	require.True(t, first.IsActive)
	second, err := f.svc.Registry.CreateWrappedKeyRecord(f.ctx, legacy)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	stranger := in
	stranger.UserID = uuid.New()
	_, err = f.svc.Registry.CreateWrappedKeyRecord(f.ctx, stranger)
	require.ErrorIs(t, err, domain.ErrCrossUserDevices)

	// Pending devices only receive keys through an accepted offer.
	pending, _ := f.register(alice)
	unverified := in
	unverified.DeviceID = &pending.ID
	_, err = f.svc.Registry.CreateWrappedKeyRecord(f.ctx, unverified)
	require.ErrorIs(t, err, domain.ErrDeviceNotTrusted)
	history, err := f.svc.Registry.DeviceHistory(f.ctx, conv, pending.ID)
	require.NoError(t, err)
	require.Empty(t, history)

	outsider := uuid.New()
	o1, _ := f.trusted(outsider)
	_, err = f.svc.Registry.CreateWrappedKeyRecord(f.ctx, service.CreateRecordInput{
		ConversationID: conv, UserID: outsider, DeviceID: &o1.ID, SymmetricKey: key,
	})
	require.ErrorIs(t, err, domain.ErrNotEntitled)
}

func TestRotationSkipsDeviceRevokedMidRotation(t *testing.T) {
	var beforeCommit func()
	f := newFixture(t, func(o *service.Options) {
		clock := o.Now
		o.Now = func() time.Time {
			if hook := beforeCommit; hook != nil {
				beforeCommit = nil
				hook()
			}
			return clock()
		}
	})
	alice, bob := uuid.New(), uuid.New()
	a1, _ := f.trusted(alice)
	b1, _ := f.trusted(bob)
	conv := f.conversation(alice, bob)
	f.rotate(conv, service.RotationInitial)

	// The rotation reads the clock after picking recipients and before its
	// transaction; bob's device is revoked in that window.
	beforeCommit = func() {
		require.NoError(t, f.st.DB.Model(&domain.Device{}).Where("id = ?", b1.ID).
			Updates(map[string]any{"trust_level": domain.TrustRevoked, "is_active": false}).Error)
	}
	res := f.rotate(conv, service.RotationAdmin)
	require.Nil(t, beforeCommit, "hook did not run")
	require.Equal(t, []uuid.UUID{a1.ID}, res.RotatedDevices)
	require.Len(t, res.FailedDevices, 1)
	require.Equal(t, b1.ID, res.FailedDevices[0].DeviceID)

	_, err := f.svc.Registry.ActiveRecord(f.ctx, conv, b1.ID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
	_, err = f.st.WrappedKeys().Find(f.ctx, conv, bob, &b1.ID, res.NewVersion)
	require.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestMessageArchiveChecksKeyVersion(t *testing.T) {
	f := newFixture(t)
	alice := uuid.New()
	a1, kp := f.trusted(alice)
	pending, _ := f.register(alice)
	conv := f.conversation(alice)
	f.rotate(conv, service.RotationInitial)
	key := f.activeKey(conv, a1, kp)

	seal := func(version int) cryptocore.Envelope {
		env, err := cryptocore.Encrypt([]byte("payload"), key, cryptocore.AuthData{ConversationID: conv.String(), KeyVersion: version})
		require.NoError(t, err)
		return *env
	}

	_, err := f.svc.Messages.Store(f.ctx, service.StoreMessageInput{ConversationID: conv, SenderDeviceID: a1.ID, Envelope: seal(1)})
	require.NoError(t, err)

	_, err = f.svc.Messages.Store(f.ctx, service.StoreMessageInput{ConversationID: conv, SenderDeviceID: a1.ID, Envelope: seal(2)})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.Messages.Store(f.ctx, service.StoreMessageInput{ConversationID: conv, SenderDeviceID: pending.ID, Envelope: seal(1)})
	require.ErrorIs(t, err, domain.ErrKeyNotFound)

	_, err = f.svc.Messages.Store(f.ctx, service.StoreMessageInput{ConversationID: conv, SenderDeviceID: a1.ID, Envelope: cryptocore.Envelope{}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
