// Package lock provides named mutual exclusion for conversation rotation.
// Acquire blocks until the lock is held or the context ends; a queued caller
// is never dropped silently.
package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

var ErrTimeout = errors.New("lock: timed out waiting for lock")

type Locker interface {
	// Acquire returns an idempotent release func once key is held.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Memory is an in-process Locker. The zero value is ready to use.
type Memory struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		m.mu.Lock()
		if m.held == nil {
			m.held = make(map[string]chan struct{})
		}
		waitCh, busy := m.held[key]
		if !busy {
			ch := make(chan struct{})
			m.held[key] = ch
			m.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.held, key)
					m.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return nil, timeout(ctx)
		}
	}
}

func timeout(ctx context.Context) error {
	return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
}

// poll sleeps for d or until ctx ends.
func poll(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return timeout(ctx)
	}
}

func advisoryID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
