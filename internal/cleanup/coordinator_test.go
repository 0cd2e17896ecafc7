package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"montage/internal/config"
	"montage/internal/objectstore"
	"montage/internal/store"
	"montage/internal/testsupport"
)

func newCoordinator(t *testing.T, objects ObjectDeleter, opts ...testsupport.ConfigOption) (*Coordinator, *store.Store, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	return New(cfg, st, objects, nil), st, cfg
}

func TestExecuteCleanupDeletesInPriorityOrder(t *testing.T) {
	coord, _, cfg := newCoordinator(t, nil)
	ctx := context.Background()

	low := filepath.Join(cfg.Paths.WorkDir, "low.tmp")
	high := filepath.Join(cfg.Paths.WorkDir, "high.tmp")
	dir := filepath.Join(cfg.Paths.WorkDir, "scratch")
	testsupport.WriteText(t, low, "l")
	testsupport.WriteText(t, high, "h")
	testsupport.WriteText(t, filepath.Join(dir, "a.mp4"), "a")

	for _, reg := range []struct {
		path     string
		kind     store.CleanupKind
		priority int
	}{
		{low, store.CleanupFile, 1},
		{high, store.CleanupFile, 10},
		{dir, store.CleanupDirectory, 5},
	} {
		if _, err := coord.Register(ctx, reg.path, reg.kind, reg.priority, nil); err != nil {
			t.Fatalf("Register %s: %v", reg.path, err)
		}
	}

	pending, err := coord.PendingTasks(ctx)
	if err != nil {
		t.Fatalf("PendingTasks: %v", err)
	}
	if len(pending) != 3 || pending[0].Path != high || pending[1].Path != dir || pending[2].Path != low {
		t.Fatalf("unexpected order: %+v", pending)
	}

	result, err := coord.ExecuteCleanup(ctx, false)
	if err != nil {
		t.Fatalf("ExecuteCleanup: %v", err)
	}
	if result.Deleted != 3 {
		t.Fatalf("expected 3 deleted, got %+v", result)
	}
	for _, p := range []string{low, high, dir} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should be gone", p)
		}
	}

	again, err := coord.ExecuteCleanup(ctx, false)
	if err != nil {
		t.Fatalf("second ExecuteCleanup: %v", err)
	}
	if again != (Result{}) {
		t.Fatalf("second pass should do nothing, got %+v", again)
	}
}

func TestExecuteCleanupTreatsMissingResourceAsSuccess(t *testing.T) {
	coord, _, cfg := newCoordinator(t, nil)
	ctx := context.Background()
	if _, err := coord.Register(ctx, filepath.Join(cfg.Paths.WorkDir, "never-created"), store.CleanupFile, 0, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	result, err := coord.ExecuteCleanup(ctx, false)
	if err != nil || result.Deleted != 1 {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
}

func TestExecuteCleanupSkipsInUseUnlessForced(t *testing.T) {
	coord, _, cfg := newCoordinator(t, nil)
	ctx := context.Background()
	path := filepath.Join(cfg.Paths.WorkDir, "busy.mp4")
	testsupport.WriteText(t, path, "x")
	if _, err := coord.Register(ctx, path, store.CleanupFile, 0, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	coord.Acquire(path)
	coord.Acquire(path)
	coord.Release(path)
	result, err := coord.ExecuteCleanup(ctx, false)
	if err != nil || result.Skipped != 1 || result.Deleted != 0 {
		t.Fatalf("expected skip, got %+v %v", result, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("in-use file must survive: %v", err)
	}

	result, err = coord.ExecuteCleanup(ctx, true)
	if err != nil || result.Deleted != 1 {
		t.Fatalf("forced pass should delete, got %+v %v", result, err)
	}
}

func TestExecuteCleanupSkipsTasksOfProcessingJobs(t *testing.T) {
	coord, st, cfg := newCoordinator(t, nil)
	ctx := context.Background()

	job := &store.Job{ListingID: "L1", Templates: []string{"luxury"}}
	if err := st.CreateJob(ctx, job, nil); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := st.ClaimNextPending(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextPending: %v %v", claimed, err)
	}

	path := filepath.Join(cfg.Paths.WorkDir, "segment.mp4")
	testsupport.WriteText(t, path, "x")
	if _, err := coord.Register(ctx, path, store.CleanupFile, 0, map[string]string{MetadataJobID: job.ID}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := coord.ExecuteCleanup(ctx, false)
	if err != nil || result.Skipped != 1 {
		t.Fatalf("expected skip while processing, got %+v %v", result, err)
	}

	claimed.Status = store.JobCompleted
	if err := st.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	result, err = coord.ExecuteCleanup(ctx, false)
	if err != nil || result.Deleted != 1 {
		t.Fatalf("expected delete after completion, got %+v %v", result, err)
	}
}

func TestExecuteCleanupSkipsJobsQueuedForRegeneration(t *testing.T) {
	coord, st, cfg := newCoordinator(t, nil)
	ctx := context.Background()

	job := &store.Job{ListingID: "L1", Templates: []string{"luxury"}}
	photos := []*store.Photo{{SourceURL: "https://img.example/a.jpg"}}
	if err := st.CreateJob(ctx, job, photos); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job.Status = store.JobCompleted
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	workDir := filepath.Join(cfg.Paths.WorkDir, job.ID)
	testsupport.WriteText(t, filepath.Join(workDir, "segment.mp4"), "x")
	if _, err := coord.Register(ctx, workDir, store.CleanupDirectory, 0, map[string]string{MetadataJobID: job.ID}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := st.RequestRegeneration(ctx, job.ID, []string{photos[0].ID}); err != nil {
		t.Fatalf("RequestRegeneration: %v", err)
	}

	result, err := coord.ExecuteCleanup(ctx, false)
	if err != nil || result.Skipped != 1 || result.Deleted != 0 {
		t.Fatalf("expected the queued job's work dir to be kept, got %+v %v", result, err)
	}
	if _, err := os.Stat(workDir); err != nil {
		t.Fatalf("work dir removed while queued: %v", err)
	}
}

type failingDeleter struct{ calls int }

func (f *failingDeleter) Delete(context.Context, string, string) error {
	f.calls++
	return errors.New("permission denied")
}

func TestExecuteCleanupDropsAfterMaxRetries(t *testing.T) {
	deleter := &failingDeleter{}
	coord, _, _ := newCoordinator(t, deleter, testsupport.WithConfig(func(c *config.Config) {
		c.Cleanup.MaxRetries = 2
	}))
	ctx := context.Background()
	if _, err := coord.Register(ctx, "store://montage/jobs/j1/luxury.mp4", store.CleanupStorageObject, 0, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for pass := 1; pass <= 2; pass++ {
		result, err := coord.ExecuteCleanup(ctx, false)
		if err != nil || result.Retried != 1 {
			t.Fatalf("pass %d: expected retry, got %+v %v", pass, result, err)
		}
	}
	pending, _ := coord.PendingTasks(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 2 || !strings.Contains(pending[0].LastError, "permission denied") {
		t.Fatalf("unexpected pending state: %+v", pending)
	}

	result, err := coord.ExecuteCleanup(ctx, false)
	if err != nil || result.Dropped != 1 {
		t.Fatalf("expected drop, got %+v %v", result, err)
	}
	if pending, _ := coord.PendingTasks(ctx); len(pending) != 0 {
		t.Fatalf("dropped task should be removed, got %d", len(pending))
	}
	if deleter.calls != 3 {
		t.Fatalf("expected 3 delete attempts, got %d", deleter.calls)
	}
}

func TestExecuteCleanupDeletesStorageObjects(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	objects, err := objectstore.NewFileStore(cfg)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	coord := New(cfg, st, objects, nil)
	ctx := context.Background()

	ref, err := objects.Upload(ctx, strings.NewReader("x"), "jobs/j1/tmp.mp4")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := coord.Register(ctx, ref, store.CleanupStorageObject, 0, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result, err := coord.ExecuteCleanup(ctx, false); err != nil || result.Deleted != 1 {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
	if ok, _ := objects.Exists(ctx, "montage", "jobs/j1/tmp.mp4"); ok {
		t.Fatal("object should be deleted")
	}
}

type slowDeleter struct{}

func (slowDeleter) Delete(ctx context.Context, _, _ string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return nil
	}
}

func TestExecuteCleanupAppliesTaskTimeout(t *testing.T) {
	coord, _, _ := newCoordinator(t, slowDeleter{})
	coord.taskTimeout = 20 * time.Millisecond
	ctx := context.Background()
	if _, err := coord.Register(ctx, "store://montage/slow.mp4", store.CleanupStorageObject, 0, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	start := time.Now()
	result, err := coord.ExecuteCleanup(ctx, false)
	if err != nil || result.Retried != 1 {
		t.Fatalf("expected timed-out task to be retried, got %+v %v", result, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("task timeout was not applied")
	}
}

func TestRegisterValidates(t *testing.T) {
	coord, _, _ := newCoordinator(t, nil)
	if _, err := coord.Register(context.Background(), "  ", store.CleanupFile, 0, nil); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
	if _, err := coord.Register(context.Background(), "/tmp/x", store.CleanupKind("bogus"), 0, nil); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}
