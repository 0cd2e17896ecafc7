package assetcache

import (
	"context"
	"errors"
	"time"

	"montage/internal/store"
)

// LockTable is a lease lock table shared by every cache user, possibly
// across hosts.
type LockTable interface {
	// TryAcquire claims key for owner until ttl elapses. An expired lock is
	// reclaimed atomically. It reports false when another owner holds key.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Extend pushes the expiry of a lock owner still holds.
	Extend(ctx context.Context, key, owner string, ttl time.Duration) error
	// Release drops key if owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// ErrLockLost reports that a lease expired and was taken by another owner.
var ErrLockLost = errors.New("cache lock lost")

// StoreLocks adapts the SQLite job store to LockTable.
func StoreLocks(s *store.Store) LockTable {
	return storeLocks{s: s}
}

type storeLocks struct {
	s *store.Store
}

func (l storeLocks) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.s.TryAcquireLock(ctx, key, owner, ttl)
}

func (l storeLocks) Extend(ctx context.Context, key, owner string, ttl time.Duration) error {
	if err := l.s.ExtendLock(ctx, key, owner, ttl); err != nil {
		if errors.Is(err, store.ErrLockNotHeld) {
			return ErrLockLost
		}
		return err
	}
	return nil
}

func (l storeLocks) Release(ctx context.Context, key, owner string) error {
	return l.s.ReleaseLock(ctx, key, owner)
}
