package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// selfTestTTL bounds how often RecentSelfTest generates a fresh key pair.
const selfTestTTL = time.Minute

type CheckResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

type SelfTestReport struct {
	Passed    bool          `json:"passed"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checkedAt"`
}

type Summary struct {
	Conversations     int64            `json:"conversations"`
	ActiveWrappedKeys int64            `json:"activeWrappedKeys"`
	DevicesByTrust    map[string]int64 `json:"devicesByTrust"`
	PendingKeyShares  int64            `json:"pendingKeyShares"`
}

// Health runs the cryptographic self-test and reports store-level counts.
type Health struct {
	store   *store.Store
	keyBits int
	now     func() time.Time

	runs singleflight.Group
	mu   sync.Mutex
	last *SelfTestReport
}

// RecentSelfTest returns the last report while it is younger than a minute
// and runs SelfTest otherwise. Concurrent callers share a single run.
func (h *Health) RecentSelfTest(ctx context.Context) SelfTestReport {
	h.mu.Lock()
	if h.last != nil && h.now().Sub(h.last.CheckedAt) < selfTestTTL {
		report := *h.last
		h.mu.Unlock()
		return report
	}
	h.mu.Unlock()

	v, _, _ := h.runs.Do("selftest", func() (any, error) {
		report := h.SelfTest(context.WithoutCancel(ctx))
		h.mu.Lock()
		h.last = &report
		h.mu.Unlock()
		return report, nil
	})
	return v.(SelfTestReport)
}

// SelfTest exercises key generation, wrapping and content encryption end to
// end with throwaway material, then pings storage.
func (h *Health) SelfTest(ctx context.Context) SelfTestReport {
	report := SelfTestReport{Passed: true, CheckedAt: h.now()}
	run := func(name string, fn func() error) {
		start := time.Now()
		err := fn()
		c := CheckResult{Name: name, Passed: err == nil, DurationMS: time.Since(start).Milliseconds()}
		if err != nil {
			c.Error = err.Error()
			report.Passed = false
		}
		report.Checks = append(report.Checks, c)
	}

	var pair *cryptocore.KeyPair
	var key []byte
	run("key_pair_generation", func() (err error) {
		pair, err = cryptocore.GenerateKeyPair(h.keyBits)
		return err
	})
	run("symmetric_key_generation", func() (err error) {
		key, err = cryptocore.GenerateSymmetricKey()
		return err
	})
	run("key_wrapping", func() error {
		if pair == nil || key == nil {
			return errors.New("skipped: no key material")
		}
		blob, err := cryptocore.Wrap(key, pair.PublicKeyPEM)
		if err != nil {
			return err
		}
		back, err := cryptocore.Unwrap(blob, pair.PrivateKeyPEM)
		if err != nil {
			return err
		}
		defer cryptocore.Zero(back)
		if !bytes.Equal(back, key) {
			return errors.New("unwrapped key differs")
		}
		return nil
	})
	run("content_encryption", func() error {
		if key == nil {
			return errors.New("skipped: no key material")
		}
		plaintext := []byte("self-test")
		env, err := cryptocore.Encrypt(plaintext, key, cryptocore.AuthData{
			SenderID:       uuid.NewString(),
			ConversationID: uuid.NewString(),
			KeyVersion:     1,
		})
		if err != nil {
			return err
		}
		out, err := cryptocore.Decrypt(env, key)
		if err != nil {
			return err
		}
		if !bytes.Equal(out, plaintext) {
			return errors.New("decrypted content differs")
		}
		env.Ciphertext[0] ^= 0x01
		if _, err := cryptocore.Decrypt(env, key); err == nil {
			return errors.New("tampered envelope accepted")
		}
		return nil
	})
	run("storage", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return h.store.Ping(pingCtx)
	})
	if key != nil {
		cryptocore.Zero(key)
	}
	return report
}

func (h *Health) Summary(ctx context.Context) (*Summary, error) {
	var (
		s   Summary
		err error
	)
	if s.Conversations, err = h.store.Conversations().Count(ctx); err != nil {
		return nil, err
	}
	if s.ActiveWrappedKeys, err = h.store.WrappedKeys().CountAllActive(ctx); err != nil {
		return nil, err
	}
	byTrust, err := h.store.Devices().CountByTrust(ctx)
	if err != nil {
		return nil, err
	}
	s.DevicesByTrust = make(map[string]int64, len(byTrust))
	for level, n := range byTrust {
		s.DevicesByTrust[string(level)] = n
	}
	if s.PendingKeyShares, err = h.store.KeyShares().CountPending(ctx, h.now()); err != nil {
		return nil, err
	}
	return &s, nil
}
