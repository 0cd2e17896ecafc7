package api

import (
	"context"
	"fmt"
	"strings"

	"montage/internal/flythrough"
	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/templates"
)

// JobStore abstracts the persistence the job service needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *store.Job, photos []*store.Photo) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ListJobs(ctx context.Context, statuses ...store.JobStatus) ([]*store.Job, error)
	RequestRegeneration(ctx context.Context, id string, photoIDs []string) (*store.Job, error)
}

// JobService validates and records job requests.
type JobService struct {
	store   JobStore
	catalog *templates.Catalog
}

// NewJobService constructs a JobService.
func NewJobService(st JobStore, catalog *templates.Catalog) *JobService {
	return &JobService{store: st, catalog: catalog}
}

// Submit validates req and stores a PENDING job with its photos.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	job, photos, err := s.build(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job, photos); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	dto := FromJob(job)
	return &dto, nil
}

func (s *JobService) build(req SubmitRequest) (*store.Job, []*store.Photo, error) {
	listing := strings.TrimSpace(req.ListingID)
	if listing == "" {
		return nil, nil, invalid("listing id is required")
	}
	if len(req.Photos) == 0 {
		return nil, nil, invalid("at least one photo is required")
	}
	keys := make([]string, 0, len(req.Templates))
	seen := make(map[string]struct{}, len(req.Templates))
	for _, raw := range req.Templates {
		key := strings.ToLower(strings.TrimSpace(raw))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if _, err := s.catalog.Get(key); err != nil {
			return nil, nil, err
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, nil, invalid("at least one template is required")
	}
	// Map templates without coordinates are accepted; they fail on their own.
	if req.Coordinates != nil {
		if err := flythrough.ValidateCoordinates(*req.Coordinates); err != nil {
			return nil, nil, err
		}
	}

	photos := make([]*store.Photo, 0, len(req.Photos))
	ids := make(map[string]struct{}, len(req.Photos))
	for i, in := range req.Photos {
		url := strings.TrimSpace(in.URL)
		if url == "" {
			return nil, nil, invalid(fmt.Sprintf("photo %d has no url", i+1))
		}
		id := strings.TrimSpace(in.ID)
		if id != "" {
			if _, dup := ids[id]; dup {
				return nil, nil, invalid(fmt.Sprintf("duplicate photo id %q", id))
			}
			ids[id] = struct{}{}
		}
		photos = append(photos, &store.Photo{ID: id, Position: i, SourceURL: url})
	}

	job := &store.Job{
		ListingID:   listing,
		Templates:   keys,
		Coordinates: req.Coordinates,
		Watermark:   strings.TrimSpace(req.Watermark),
	}
	return job, photos, nil
}

// List returns jobs filtered by status, newest first.
func (s *JobService) List(ctx context.Context, statuses ...store.JobStatus) ([]Job, error) {
	jobs, err := s.store.ListJobs(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return SortJobsNewestFirst(FromJobs(jobs)), nil
}

// Describe fetches a single job.
func (s *JobService) Describe(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := FromJob(job)
	return &dto, nil
}

// Regenerate queues photoIDs of a finished job for reprocessing.
func (s *JobService) Regenerate(ctx context.Context, id string, req RegenerateRequest) (*Job, error) {
	var ids []string
	for _, raw := range req.PhotoIDs {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return nil, invalid("at least one photo id is required")
	}
	job, err := s.store.RequestRegeneration(ctx, id, ids)
	if err != nil {
		return nil, err
	}
	dto := FromJob(job)
	return &dto, nil
}

func invalid(message string) error {
	return services.Wrap(services.ErrValidation, "api", "submit", message, nil)
}
