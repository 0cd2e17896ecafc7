package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"montage/internal/config"
	"montage/internal/store"
	"montage/internal/testsupport"
)

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	coord, _, cfg := newCoordinator(t, nil)
	cfg.Cleanup.Schedule = "every tuesday"
	if _, err := NewScheduler(cfg, coord); err == nil {
		t.Fatal("expected invalid schedule to fail")
	}
}

func TestSweepRunsTasksAndStaleDirs(t *testing.T) {
	coord, st, cfg := newCoordinator(t, nil, testsupport.WithConfig(func(c *config.Config) {
		c.Cleanup.StaleWorkDirHours = 1
	}))
	ctx := context.Background()

	tmp := filepath.Join(cfg.Paths.WorkDir, "orphan.tmp")
	testsupport.WriteText(t, tmp, "x")
	if _, err := coord.Register(ctx, tmp, store.CleanupFile, 0, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	stale := filepath.Join(cfg.Paths.WorkDir, "job-gone")
	mkdirAged(t, stale, 2*time.Hour)
	if ok, err := st.TryAcquireLock(ctx, "write:abc", "dead", time.Millisecond); err != nil || !ok {
		t.Fatalf("TryAcquireLock: %v %v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	sched, err := NewScheduler(cfg, coord)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Sweep(ctx)

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatal("registered file should be removed")
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale job directory should be removed")
	}
	if n, err := st.PurgeExpiredLocks(ctx); err != nil || n != 0 {
		t.Fatalf("expired lock should already be purged, purge removed %d (%v)", n, err)
	}
}

type countingPurger struct {
	calls int
	err   error
}

func (p *countingPurger) PurgeExpiredLocks(context.Context) (int64, error) {
	p.calls++
	return 0, p.err
}

func TestSweepRunsExtraLockPurgers(t *testing.T) {
	coord, _, cfg := newCoordinator(t, nil)
	sched, err := NewScheduler(cfg, coord)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	failing := &countingPurger{err: errors.New("connection refused")}
	healthy := &countingPurger{}
	sched.AddLockPurger(failing)
	sched.AddLockPurger(healthy)
	sched.AddLockPurger(nil)

	sched.Sweep(context.Background())
	if failing.calls != 1 || healthy.calls != 1 {
		t.Fatalf("purger calls = %d/%d, want 1/1", failing.calls, healthy.calls)
	}
}
