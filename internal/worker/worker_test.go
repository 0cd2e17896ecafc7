package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/notifications"
	"montage/internal/pipeline"
	"montage/internal/store"
	"montage/internal/testsupport"
	"montage/internal/worker"
)

type fakeRunner struct {
	mu      sync.Mutex
	st      *store.Store
	seen    []string
	regens  int
	block   chan struct{}
	started chan string
}

func (f *fakeRunner) Run(ctx context.Context, job *store.Job) (*pipeline.Outcome, error) {
	f.mu.Lock()
	f.seen = append(f.seen, job.ID)
	if job.IsRegeneration() {
		f.regens++
	}
	f.mu.Unlock()
	if f.started != nil {
		f.started <- job.ID
	}
	status := store.JobCompleted
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			status = store.JobFailed
		}
	}
	job.Status = status
	if status == store.JobFailed {
		job.ErrorMessage = "job canceled"
	}
	job.RegeneratePhotoIDs = nil
	if err := f.st.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		return nil, err
	}
	return &pipeline.Outcome{Status: status}, nil
}

func (f *fakeRunner) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func newPool(t *testing.T, runner *fakeRunner, opts ...worker.Option) (*worker.Pool, *store.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Workflow.MaxConcurrentJobs = 2
		c.Workflow.PollInterval = 1
		c.Workflow.HeartbeatInterval = 1
		c.Workflow.HeartbeatTimeout = 60
	}))
	st := testsupport.MustOpenStore(t, cfg)
	runner.st = st
	return worker.New(cfg, st, runner, logging.NewNop(), opts...), st
}

func createJob(t *testing.T, st *store.Store, listing string) *store.Job {
	t.Helper()
	job := &store.Job{ListingID: listing, Templates: []string{"modern"}}
	photos := []*store.Photo{{Position: 0, SourceURL: "https://photos.example.test/" + listing + ".jpg"}}
	if err := st.CreateJob(context.Background(), job, photos); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestRunOnceProcessesOldestPending(t *testing.T) {
	runner := &fakeRunner{}
	pool, st := newPool(t, runner)
	first := createJob(t, st, "A")
	time.Sleep(2 * time.Millisecond)
	createJob(t, st, "B")

	ok, err := pool.RunOnce(context.Background())
	if err != nil || !ok {
		t.Fatalf("RunOnce = %v, %v", ok, err)
	}
	if got := runner.jobs(); len(got) != 1 || got[0] != first.ID {
		t.Fatalf("ran %v, want %s", got, first.ID)
	}
	stored, err := st.GetJob(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobCompleted {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestRunOnceWithEmptyQueue(t *testing.T) {
	pool, _ := newPool(t, &fakeRunner{})
	ok, err := pool.RunOnce(context.Background())
	if err != nil || ok {
		t.Fatalf("RunOnce = %v, %v; want false, nil", ok, err)
	}
}

func TestRunOnceDispatchesRegeneration(t *testing.T) {
	runner := &fakeRunner{}
	pool, st := newPool(t, runner)
	job := createJob(t, st, "R")
	if _, err := pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	photos, err := st.PhotosByJob(context.Background(), job.ID)
	if err != nil || len(photos) != 1 {
		t.Fatalf("PhotosByJob = %v, %v", photos, err)
	}
	if _, err := st.RequestRegeneration(context.Background(), job.ID, []string{photos[0].ID}); err != nil {
		t.Fatalf("RequestRegeneration: %v", err)
	}
	if _, err := pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if runner.regens != 1 {
		t.Fatalf("regeneration runs = %d, want 1", runner.regens)
	}
}

func TestPreflightFailureBlocksClaims(t *testing.T) {
	runner := &fakeRunner{}
	pool, st := newPool(t, runner, worker.WithPreflight(func(context.Context) error {
		return errors.New("disk full")
	}))
	createJob(t, st, "P")

	ok, err := pool.RunOnce(context.Background())
	if err == nil || ok {
		t.Fatalf("RunOnce = %v, %v; want preflight error", ok, err)
	}
	if len(runner.jobs()) != 0 {
		t.Fatalf("no job should run, got %v", runner.jobs())
	}
}

func TestCancelRunningJob(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan string, 1)}
	pool, st := newPool(t, runner)
	job := createJob(t, st, "C")

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	select {
	case id := <-runner.started:
		if id != job.ID {
			t.Fatalf("started %s, want %s", id, job.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	if !pool.IsActive(job.ID) {
		t.Fatal("expected job to be active")
	}
	if err := pool.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := st.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if stored.Status == store.JobFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %s after cancel", stored.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelPendingJob(t *testing.T) {
	pool, st := newPool(t, &fakeRunner{})
	job := createJob(t, st, "Q")

	if err := pool.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobFailed || stored.ErrorMessage == "" {
		t.Fatalf("stored = %s (%q)", stored.Status, stored.ErrorMessage)
	}
	if err := pool.Cancel(context.Background(), job.ID); !errors.Is(err, worker.ErrNotCancelable) {
		t.Fatalf("second cancel err = %v, want ErrNotCancelable", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	pool, _ := newPool(t, &fakeRunner{})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()
	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("expected error on second start")
	}
	status := pool.Status(context.Background())
	if !status.Running || status.Slots != 2 {
		t.Fatalf("status = %+v", status)
	}
}

func TestHeartbeatReclaimsStaleJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := createJob(t, st, "S")
	if _, err := st.ClaimNextPending(context.Background()); err != nil {
		t.Fatalf("ClaimNextPending: %v", err)
	}

	monitor := worker.NewHeartbeatMonitor(st, logging.NewNop(), time.Second, time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	n, err := monitor.ReclaimStale(context.Background())
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	stored, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobPending {
		t.Fatalf("status = %s, want pending", stored.Status)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	reports []notifications.JobReport
}

func (n *recordingNotifier) NotifyJobFinished(_ context.Context, report notifications.JobReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, report)
	return nil
}

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }

func TestFinishedJobIsNotified(t *testing.T) {
	notifier := &recordingNotifier{}
	pool, st := newPool(t, &fakeRunner{}, worker.WithNotifier(notifier))
	job := createJob(t, st, "N")

	if _, err := pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(notifier.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(notifier.reports))
	}
	got := notifier.reports[0]
	if got.JobID != job.ID || got.ListingID != "N" || got.Status != store.JobCompleted {
		t.Fatalf("report = %+v", got)
	}
}
