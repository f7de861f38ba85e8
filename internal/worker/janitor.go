// Package worker runs periodic maintenance: expiring unaccepted key shares
// and rotating conversations whose key has aged out.
package worker

import (
	"context"
	"time"

	"e2ee-keys/internal/observability/logging"
	"e2ee-keys/internal/observability/middleware"
)

type ShareCleaner interface {
	CleanupExpiredKeyShares(ctx context.Context) (int64, error)
}

type StaleRotator interface {
	RotateStale(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}

type Janitor struct {
	shares   ShareCleaner
	rotator  StaleRotator
	interval time.Duration
	maxAge   time.Duration
	batch    int
}

// NewJanitor returns a janitor ticking every interval. maxAge 0 disables
// scheduled rotation.
func NewJanitor(shares ShareCleaner, rotator StaleRotator, interval, maxAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{shares: shares, rotator: rotator, interval: interval, maxAge: maxAge, batch: 100}
}

// Run sweeps once immediately, then on every tick until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Errors are logged, never returned, so one
// bad pass does not stop the loop.
func (j *Janitor) Sweep(ctx context.Context) {
	ctx = middleware.ContextWithIDs(ctx, middleware.NewID(), middleware.NewID())
	log := logging.FromContext(ctx)
	start := time.Now()

	expired, err := j.shares.CleanupExpiredKeyShares(ctx)
	if err != nil {
		log.Error("janitor: key share cleanup failed", "err", err)
	}

	rotated := 0
	if j.maxAge > 0 && j.rotator != nil {
		if rotated, err = j.rotator.RotateStale(ctx, j.maxAge, j.batch); err != nil {
			log.Error("janitor: scheduled rotation failed", "err", err)
		}
	}

	log.Debug("janitor sweep finished",
		"expired_offers", expired,
		"rotated_conversations", rotated,
		"duration", time.Since(start),
	)
}
