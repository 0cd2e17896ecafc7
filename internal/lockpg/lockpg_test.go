package lockpg

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"montage/internal/assetcache"
)

var _ assetcache.LockTable = (*Locks)(nil)

func openTestLocks(t *testing.T) *Locks {
	t.Helper()
	dsn := os.Getenv("MONTAGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MONTAGE_TEST_POSTGRES_DSN not set")
	}
	locks, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(locks.Close)
	return locks
}

func TestLeaseLifecycle(t *testing.T) {
	locks := openTestLocks(t)
	ctx := context.Background()
	key := "write:" + uuid.NewString()

	ok, err := locks.TryAcquire(ctx, key, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = locks.TryAcquire(ctx, key, "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail, got %v, %v", ok, err)
	}
	if err := locks.Extend(ctx, key, "b", time.Minute); !errors.Is(err, assetcache.ErrLockLost) {
		t.Fatalf("extend by non-owner: %v", err)
	}
	if err := locks.Release(ctx, key, "b"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	ok, _ = locks.TryAcquire(ctx, key, "b", time.Minute)
	if ok {
		t.Fatal("non-owner release must not drop the lock")
	}
	if err := locks.Release(ctx, key, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = locks.TryAcquire(ctx, key, "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
	_ = locks.Release(ctx, key, "b")
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	locks := openTestLocks(t)
	ctx := context.Background()
	key := "write:" + uuid.NewString()

	if ok, err := locks.TryAcquire(ctx, key, "a", 10*time.Millisecond); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	time.Sleep(50 * time.Millisecond)
	if ok, err := locks.TryAcquire(ctx, key, "b", time.Minute); err != nil || !ok {
		t.Fatalf("expected reclaim, got %v, %v", ok, err)
	}
	_ = locks.Release(ctx, key, "b")
}
