package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"montage/internal/store"
	"montage/internal/testsupport"
)

func newJob(listing string, templates ...string) *store.Job {
	return &store.Job{ListingID: listing, Templates: templates}
}

func newPhotos(n int) []*store.Photo {
	photos := make([]*store.Photo, n)
	for i := range photos {
		photos[i] = &store.Photo{Position: i, SourceURL: fmt.Sprintf("https://cdn.example.com/p%d.jpg", i)}
	}
	return photos
}

func TestCreateJobPersistsJobAndPhotos(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("listing-1", "modern", "map_tour")
	job.Coordinates = &store.Coordinates{Lat: 40.7, Lng: -74.0}
	if err := st.CreateJob(ctx, job, newPhotos(3)); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}

	fetched, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched.Status != store.JobPending {
		t.Fatalf("expected pending status, got %s", fetched.Status)
	}
	if len(fetched.Templates) != 2 || fetched.Templates[1] != "map_tour" {
		t.Fatalf("unexpected templates: %v", fetched.Templates)
	}
	if fetched.Coordinates == nil || fetched.Coordinates.Lat != 40.7 {
		t.Fatalf("unexpected coordinates: %+v", fetched.Coordinates)
	}

	photos, err := st.PhotosByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("PhotosByJob failed: %v", err)
	}
	if len(photos) != 3 {
		t.Fatalf("expected 3 photos, got %d", len(photos))
	}
	for i, photo := range photos {
		if photo.Position != i || photo.Status != store.PhotoPending || photo.ID == "" || photo.JobID != job.ID {
			t.Fatalf("unexpected photo %d: %+v", i, photo)
		}
	}
}

func TestCreateJobIsAtomic(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first := newJob("listing-a", "modern")
	shared := &store.Photo{ID: "shared", SourceURL: "https://cdn.example.com/shared.jpg"}
	if err := st.CreateJob(ctx, first, []*store.Photo{shared}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// The second photo collides after the job row and first photo are written.
	second := newJob("listing-b", "modern")
	photos := []*store.Photo{
		{ID: "fresh", SourceURL: "https://cdn.example.com/fresh.jpg"},
		{ID: "shared", Position: 1, SourceURL: "https://cdn.example.com/other.jpg"},
	}
	if err := st.CreateJob(ctx, second, photos); !errors.Is(err, store.ErrPhotoExists) {
		t.Fatalf("expected ErrPhotoExists, got %v", err)
	}
	if _, err := st.GetJob(ctx, second.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rollback to discard the job, got %v", err)
	}
	if _, err := st.GetPhoto(ctx, "fresh"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rollback to discard photos, got %v", err)
	}
	kept, err := st.GetPhoto(ctx, "shared")
	if err != nil || kept.JobID != first.ID || kept.SourceURL != shared.SourceURL {
		t.Fatalf("existing photo changed: %+v, %v", kept, err)
	}
}

func TestPhotosAreScopedToTheirJob(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first := newJob("listing-1", "modern")
	if err := st.CreateJob(ctx, first, newPhotos(3)); err != nil {
		t.Fatalf("CreateJob first: %v", err)
	}
	second := newJob("listing-1", "modern")
	if err := st.CreateJob(ctx, second, newPhotos(2)); err != nil {
		t.Fatalf("CreateJob second: %v", err)
	}

	photos, err := st.PhotosByJob(ctx, second.ID)
	if err != nil {
		t.Fatalf("PhotosByJob: %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("second job sees %d photos, want 2", len(photos))
	}
	firstPhotos, _ := st.PhotosByJob(ctx, first.ID)
	second.Status = store.JobCompleted
	if err := st.UpdateJob(ctx, second); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if _, err := st.RequestRegeneration(ctx, second.ID, []string{firstPhotos[0].ID}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("regenerating another job's photo: %v", err)
	}

	if err := st.RemoveJob(ctx, first.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := st.GetPhoto(ctx, firstPhotos[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected photos removed with their job, got %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if _, err := st.GetJob(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNextPendingIsExclusive(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.CreateJob(ctx, newJob(fmt.Sprintf("listing-%d", i), "modern"), nil); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := st.ClaimNextPending(ctx)
			if err != nil {
				t.Errorf("ClaimNextPending: %v", err)
				return
			}
			if job == nil {
				return
			}
			mu.Lock()
			claimed[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != 3 {
		t.Fatalf("expected 3 distinct claims, got %v", claimed)
	}
	for id, count := range claimed {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
	next, err := st.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPending: %v", err)
	}
	if next != nil {
		t.Fatalf("expected no pending jobs, got %s", next.ID)
	}
}

func TestReclaimStaleReturnsJobsToPending(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("listing-stale", "classic")
	if err := st.CreateJob(ctx, job, nil); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	claimed, err := st.ClaimNextPending(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextPending: %v %v", claimed, err)
	}
	if claimed.LastHeartbeat == nil {
		t.Fatal("expected heartbeat on claim")
	}

	n, err := st.ReclaimStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected fresh job to stay claimed, reclaimed %d", n)
	}

	n, err = st.ReclaimStale(ctx, -time.Second)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}
	fetched, _ := st.GetJob(ctx, job.ID)
	if fetched.Status != store.JobPending {
		t.Fatalf("expected pending after reclaim, got %s", fetched.Status)
	}
}

func TestUpdateProgressIsMonotonic(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("listing-progress", "modern")
	if err := st.CreateJob(ctx, job, nil); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := st.UpdateProgress(ctx, job.ID, "template", 60, "rendering"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := st.UpdateProgress(ctx, job.ID, "template", 40, "late update"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	fetched, _ := st.GetJob(ctx, job.ID)
	if fetched.ProgressPercent != 60 {
		t.Fatalf("expected progress to stay at 60, got %v", fetched.ProgressPercent)
	}
	if fetched.ProgressStage != "template" || fetched.ProgressMessage != "late update" {
		t.Fatalf("unexpected stage/message: %q %q", fetched.ProgressStage, fetched.ProgressMessage)
	}
}

func TestJobMetadataRoundTrip(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("listing-meta", "modern", "luxury")
	if err := st.CreateJob(ctx, job, nil); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	job.Status = store.JobCompleted
	job.OutputURL = "file://montage/out.mp4"
	job.Metadata.Primary = "luxury"
	job.Metadata.Templates = map[string]store.TemplateResult{
		"modern": {Template: "modern", Status: store.ResultFailed, Error: "encode failed", ErrorKind: "encode"},
		"luxury": {Template: "luxury", Status: store.ResultSuccess, OutputURL: "file://montage/out.mp4"},
	}
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	fetched, _ := st.GetJob(ctx, job.ID)
	if fetched.Metadata.SuccessCount() != 1 {
		t.Fatalf("expected 1 success, got %d", fetched.Metadata.SuccessCount())
	}
	if fetched.Metadata.Templates["modern"].ErrorKind != "encode" {
		t.Fatalf("unexpected metadata: %+v", fetched.Metadata)
	}
}

func TestRequestRegeneration(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("listing-regen", "modern")
	photos := newPhotos(2)
	if err := st.CreateJob(ctx, job, photos); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if _, err := st.RequestRegeneration(ctx, job.ID, []string{photos[0].ID}); !errors.Is(err, store.ErrJobBusy) {
		t.Fatalf("expected ErrJobBusy for pending job, got %v", err)
	}

	job.Status = store.JobCompleted
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if _, err := st.RequestRegeneration(ctx, job.ID, []string{"stranger"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign photo, got %v", err)
	}
	regen, err := st.RequestRegeneration(ctx, job.ID, []string{photos[1].ID})
	if err != nil {
		t.Fatalf("RequestRegeneration: %v", err)
	}
	if regen.Status != store.JobPending || !regen.IsRegeneration() {
		t.Fatalf("unexpected regeneration job: %+v", regen)
	}
	fetched, _ := st.GetJob(ctx, job.ID)
	if len(fetched.RegeneratePhotoIDs) != 1 || fetched.RegeneratePhotoIDs[0] != photos[1].ID {
		t.Fatalf("unexpected regenerate ids: %v", fetched.RegeneratePhotoIDs)
	}
}

func TestUpdatePhotoAndGetPhotos(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	photos := newPhotos(3)
	if err := st.CreateJob(ctx, newJob("listing-photos", "modern"), photos); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	photos[2].Status = store.PhotoCompleted
	photos[2].ProcessedPath = "/cache/p2.mp4"
	if err := st.UpdatePhoto(ctx, photos[2]); err != nil {
		t.Fatalf("UpdatePhoto: %v", err)
	}
	got, err := st.GetPhotos(ctx, []string{photos[2].ID, photos[0].ID, "unknown"})
	if err != nil {
		t.Fatalf("GetPhotos: %v", err)
	}
	if len(got) != 2 || got[0].ID != photos[0].ID || got[1].ProcessedPath != "/cache/p2.mp4" {
		t.Fatalf("unexpected photos: %+v", got)
	}
}

func TestHealthCounts(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := st.CreateJob(ctx, newJob(fmt.Sprintf("l%d", i), "modern"), nil); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if _, err := st.ClaimNextPending(ctx); err != nil {
		t.Fatalf("ClaimNextPending: %v", err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[store.JobPending] != 1 || stats[store.JobProcessing] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	db, err := st.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !db.DatabaseExists || !db.DatabaseReadable || db.SchemaVersion != 2 {
		t.Fatalf("unexpected db health: %+v", db)
	}
}

func TestJobIsActiveCoversQueuedAndRunningJobs(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := newJob("listing-1", "modern")
	if err := st.CreateJob(ctx, job, newPhotos(1)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for _, tc := range []struct {
		status store.JobStatus
		want   bool
	}{
		{store.JobPending, true},
		{store.JobProcessing, true},
		{store.JobCompleted, false},
		{store.JobFailed, false},
	} {
		job.Status = tc.status
		if err := st.UpdateJob(ctx, job); err != nil {
			t.Fatalf("UpdateJob %s: %v", tc.status, err)
		}
		active, err := st.JobIsActive(ctx, job.ID)
		if err != nil {
			t.Fatalf("JobIsActive %s: %v", tc.status, err)
		}
		if active != tc.want {
			t.Fatalf("status %s: active=%v, want %v", tc.status, active, tc.want)
		}
	}

	active, err := st.JobIsActive(ctx, "missing")
	if err != nil || active {
		t.Fatalf("missing job: active=%v err=%v", active, err)
	}
}
