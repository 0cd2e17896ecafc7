// Package lockpg implements the asset cache lease lock table on PostgreSQL
// so several montaged hosts can share one cache.
package lockpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"montage/internal/assetcache"
)

const schema = `
CREATE TABLE IF NOT EXISTS montage_cache_locks (
    lock_key   TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS montage_cache_locks_expires_idx ON montage_cache_locks (expires_at);
`

// Locks is a lease lock table backed by a pgx pool.
type Locks struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the lock table exists.
func Open(ctx context.Context, dsn string) (*Locks, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 8
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return &Locks{pool: pool}, nil
}

// Close releases the pool.
func (l *Locks) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}

// TryAcquire claims key for owner. An expired row is taken over in the same
// statement; a live row held by anyone leaves zero rows affected.
func (l *Locks) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
INSERT INTO montage_cache_locks (lock_key, owner, expires_at)
VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
ON CONFLICT (lock_key) DO UPDATE
SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE montage_cache_locks.expires_at < NOW();
`, key, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Extend pushes the expiry of a lock owner still holds.
func (l *Locks) Extend(ctx context.Context, key, owner string, ttl time.Duration) error {
	tag, err := l.pool.Exec(ctx, `
UPDATE montage_cache_locks SET expires_at = NOW() + $3::bigint * INTERVAL '1 millisecond'
WHERE lock_key = $1 AND owner = $2;
`, key, owner, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return assetcache.ErrLockLost
	}
	return nil
}

// Release drops key when owner still holds it.
func (l *Locks) Release(ctx context.Context, key, owner string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM montage_cache_locks WHERE lock_key = $1 AND owner = $2;`, key, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// PurgeExpiredLocks deletes abandoned locks.
func (l *Locks) PurgeExpiredLocks(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM montage_cache_locks WHERE expires_at < NOW();`)
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
