package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"montage/internal/store"
	"montage/internal/testsupport"
)

func TestTryAcquireLockExcludesOtherOwners(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	ok, err := st.TryAcquireLock(ctx, "write:k", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: %v %v", ok, err)
	}
	ok, err = st.TryAcquireLock(ctx, "write:k", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if ok {
		t.Fatal("expected second owner to be blocked")
	}
	ok, _ = st.TryAcquireLock(ctx, "write:k", "owner-a", time.Minute)
	if ok {
		t.Fatal("expected lock to be non-reentrant while unexpired")
	}

	if err := st.ReleaseLock(ctx, "write:k", "owner-b"); err != nil {
		t.Fatalf("ReleaseLock by stranger: %v", err)
	}
	ok, _ = st.TryAcquireLock(ctx, "write:k", "owner-b", time.Minute)
	if ok {
		t.Fatal("release by non-owner must not free the lock")
	}

	if err := st.ReleaseLock(ctx, "write:k", "owner-a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	ok, err = st.TryAcquireLock(ctx, "write:k", "owner-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release: %v %v", ok, err)
	}
}

func TestExpiredLockIsReclaimedByNewOwner(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	ok, err := st.TryAcquireLock(ctx, "write:expired", "crashed", -time.Second)
	if err != nil || !ok {
		t.Fatalf("seed expired lock: %v %v", ok, err)
	}
	ok, err = st.TryAcquireLock(ctx, "write:expired", "survivor", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	if !ok {
		t.Fatal("expected expired lock to be reclaimed")
	}
	if err := st.ExtendLock(ctx, "write:expired", "crashed", time.Minute); !errors.Is(err, store.ErrLockNotHeld) {
		t.Fatalf("expected previous owner to lose the lock, got %v", err)
	}
	if err := st.ExtendLock(ctx, "write:expired", "survivor", time.Minute); err != nil {
		t.Fatalf("ExtendLock by owner: %v", err)
	}
}

func TestPurgeExpiredLocks(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if _, err := st.TryAcquireLock(ctx, "a", "o", -time.Second); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.TryAcquireLock(ctx, "b", "o", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := st.PurgeExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredLocks: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged lock, got %d", n)
	}
}

func TestCachedAssetUpsertPreservesIdentity(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	asset := &store.CachedAsset{CacheKey: "k1", AssetType: "photo_segment", ArtifactPath: "/a", ContentHash: "h1", SettingsJSON: "{}"}
	if err := st.UpsertCachedAsset(ctx, asset); err != nil {
		t.Fatalf("UpsertCachedAsset: %v", err)
	}
	firstID := asset.ID

	replacement := &store.CachedAsset{CacheKey: "k1", AssetType: "photo_segment", ArtifactPath: "/b", ContentHash: "h2", SettingsJSON: "{}"}
	if err := st.UpsertCachedAsset(ctx, replacement); err != nil {
		t.Fatalf("UpsertCachedAsset: %v", err)
	}
	if replacement.ID != firstID || replacement.ArtifactPath != "/b" {
		t.Fatalf("expected row identity preserved, got %+v", replacement)
	}
	if err := st.TouchCachedAsset(ctx, "k1"); err != nil {
		t.Fatalf("TouchCachedAsset: %v", err)
	}
	got, _ := st.GetCachedAssetByID(ctx, firstID)
	if got == nil || got.HitCount != 1 {
		t.Fatalf("expected hit count 1, got %+v", got)
	}
	byType, _ := st.CachedAssetsByType(ctx, "photo_segment")
	if len(byType) != 1 {
		t.Fatalf("expected 1 row by type, got %d", len(byType))
	}
	if err := st.DeleteCachedAsset(ctx, "k1"); err != nil {
		t.Fatalf("DeleteCachedAsset: %v", err)
	}
	if got, _ := st.GetCachedAsset(ctx, "k1"); got != nil {
		t.Fatalf("expected row removed, got %+v", got)
	}
}

func TestCleanupTaskOrderingAndFailures(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	tasks := []*store.CleanupTask{
		{Path: "/tmp/low", Kind: store.CleanupFile, Priority: 1},
		{Path: "/tmp/high", Kind: store.CleanupDirectory, Priority: 10, JobID: "job-1"},
		{Path: "/tmp/low-2", Kind: store.CleanupFile, Priority: 1, Metadata: map[string]string{"stage": "template"}},
	}
	for _, task := range tasks {
		if err := st.InsertCleanupTask(ctx, task); err != nil {
			t.Fatalf("InsertCleanupTask: %v", err)
		}
	}
	dup := &store.CleanupTask{Path: "/tmp/low", Kind: store.CleanupFile, Priority: 5}
	if err := st.InsertCleanupTask(ctx, dup); err != nil {
		t.Fatalf("InsertCleanupTask duplicate: %v", err)
	}
	if dup.ID != tasks[0].ID {
		t.Fatalf("expected duplicate registration to reuse task %d, got %d", tasks[0].ID, dup.ID)
	}

	pending, err := st.PendingCleanupTasks(ctx)
	if err != nil {
		t.Fatalf("PendingCleanupTasks: %v", err)
	}
	order := []string{pending[0].Path, pending[1].Path, pending[2].Path}
	if order[0] != "/tmp/high" || order[1] != "/tmp/low" || order[2] != "/tmp/low-2" {
		t.Fatalf("unexpected order: %v", order)
	}
	if pending[0].JobID != "job-1" || pending[2].Metadata["stage"] != "template" {
		t.Fatalf("unexpected task fields: %+v %+v", pending[0], pending[2])
	}

	retries, err := st.MarkCleanupFailure(ctx, pending[0].ID, errors.New("busy"))
	if err != nil || retries != 1 {
		t.Fatalf("MarkCleanupFailure: %d %v", retries, err)
	}
	if err := st.DeleteCleanupTask(ctx, pending[0].ID); err != nil {
		t.Fatalf("DeleteCleanupTask: %v", err)
	}
	pending, _ = st.PendingCleanupTasks(ctx)
	if len(pending) != 2 {
		t.Fatalf("expected 2 remaining tasks, got %d", len(pending))
	}
}
