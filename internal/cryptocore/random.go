package cryptocore

import (
	"crypto/rand"
	"io"
	"sync"
	"time"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}

	nowFunc = time.Now
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests can
// substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source used for symmetric keys,
// IVs and nonces and returns a restore function that must be called when the
// test completes. RSA operations always draw from crypto/rand.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// Zero overwrites b in place. Callers use it to drop symmetric keys once a
// call no longer needs them.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
