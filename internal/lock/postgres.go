package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres uses session-level advisory locks. The pooled connection that
// took the lock stays checked out until release.
type Postgres struct {
	pool  *pgxpool.Pool
	retry time.Duration
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, retry: 50 * time.Millisecond}
}

func (p *Postgres) Acquire(ctx context.Context, key string) (func(), error) {
	id := advisoryID("rotation:" + key)
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeout(ctx)
		}
		return nil, fmt.Errorf("lock: acquire connection: %w", err)
	}
	for {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
			conn.Release()
			if ctx.Err() != nil {
				return nil, timeout(ctx)
			}
			return nil, fmt.Errorf("lock: pg_try_advisory_lock: %w", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", id); err != nil {
						slog.Warn("advisory unlock failed", "key", key, "error", err)
						// A session still holding the lock must not go back to the pool.
						_ = conn.Conn().Close(ctx)
					}
					conn.Release()
				})
			}, nil
		}
		if err := poll(ctx, p.retry); err != nil {
			conn.Release()
			return nil, err
		}
	}
}
