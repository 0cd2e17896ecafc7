package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"montage/internal/cleanup"
	"montage/internal/logging"
	"montage/internal/services"
	"montage/internal/store"
)

// Input is one Execute request.
type Input struct {
	JobID       string
	Photos      []*store.Photo
	Templates   []string
	Coordinates *store.Coordinates
	Watermark   string
}

// run carries the mutable state of one job attempt.
type run struct {
	job     *store.Job
	workDir string
	logger  *slog.Logger

	mu      sync.Mutex
	percent float64
}

// Execute runs a job end to end.
func (p *Pipeline) Execute(ctx context.Context, in Input) (*Outcome, error) {
	r, err := p.begin(ctx, in.JobID, nil)
	if err != nil {
		return nil, err
	}
	ctx = services.WithJobID(ctx, r.job.ID)

	keys := dedupe(in.Templates)
	segments, errs := p.convertPhotos(services.WithStage(ctx, StageRunway), r, sortPhotos(in.Photos), len(in.Photos))
	if len(segments) == 0 {
		return p.fail(ctx, r, services.Wrap(services.ErrAsset, StageRunway, "convert photos",
			"no photo segment could be produced", firstError(errs)))
	}

	mapClip, mapErr := p.mapClip(ctx, r, in.Coordinates, keys)
	results, err := p.renderTemplates(ctx, r, keys, segments, mapClip, mapErr, p.watermark(in.Watermark))
	if err != nil {
		return p.fail(ctx, r, err)
	}
	return p.finish(ctx, r, keys, results)
}

// Regenerate reprocesses photoIDs of an existing job and re-renders its
// templates. Untouched photos keep their processed segments.
func (p *Pipeline) Regenerate(ctx context.Context, jobID string, photoIDs []string) (*Outcome, error) {
	if len(photoIDs) == 0 {
		return nil, services.Wrap(services.ErrValidation, StageRunway, "regenerate", "at least one photo id is required", nil)
	}
	job, err := p.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	photos, err := p.deps.Store.PhotosByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]struct{}, len(photoIDs))
	for _, id := range photoIDs {
		targets[id] = struct{}{}
	}
	regen := &store.RegenerationContext{
		PhotosToRegenerate: append([]string(nil), photoIDs...),
		ExistingPhotos:     make(map[string]string),
		TotalPhotos:        len(photos),
	}

	r, err := p.begin(ctx, jobID, regen)
	if err != nil {
		return nil, err
	}
	ctx = services.WithJobID(ctx, jobID)

	var segments []segment
	var convertList []*store.Photo
	for _, photo := range sortPhotos(photos) {
		if _, ok := targets[photo.ID]; ok {
			if err := p.invalidateSegment(ctx, photo); err != nil {
				r.logger.Warn("segment invalidation failed", logging.String("photo_id", photo.ID), logging.Error(err))
			}
			convertList = append(convertList, photo)
			continue
		}
		if seg, ok := existingSegment(photo); ok {
			regen.ExistingPhotos[photo.ID] = photo.ProcessedPath
			segments = append(segments, seg)
			continue
		}
		convertList = append(convertList, photo)
	}

	converted, errs := p.convertPhotos(services.WithStage(ctx, StageRunway), r, convertList, len(convertList))
	for _, seg := range converted {
		if _, ok := targets[seg.PhotoID]; ok {
			regen.RegeneratedPhotoIDs = append(regen.RegeneratedPhotoIDs, seg.PhotoID)
		}
	}
	for _, id := range photoIDs {
		if err, failed := errs[id]; failed {
			return p.fail(ctx, r, fmt.Errorf("photo %s regeneration failed: %w", id, err))
		}
	}
	segments = append(segments, converted...)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Position < segments[j].Position })
	if len(segments) == 0 {
		return p.fail(ctx, r, services.Wrap(services.ErrAsset, StageRunway, "convert photos",
			"no photo segment could be produced", firstError(errs)))
	}

	keys := dedupe(r.job.Templates)
	mapClip, mapErr := p.mapClip(ctx, r, r.job.Coordinates, keys)
	results, err := p.renderTemplates(ctx, r, keys, segments, mapClip, mapErr, p.watermark(r.job.Watermark))
	if err != nil {
		return p.fail(ctx, r, err)
	}
	return p.finish(ctx, r, keys, results)
}

// begin marks the job PROCESSING at 0% in the runway stage.
func (p *Pipeline) begin(ctx context.Context, jobID string, regen *store.RegenerationContext) (*run, error) {
	job, err := p.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	now := time.Now().UTC()
	job.Status = store.JobProcessing
	job.ProgressStage = StageRunway
	job.ProgressPercent = 0
	job.ProgressMessage = "Converting photos"
	job.ErrorMessage = ""
	job.Metadata.Stage = StageRunway
	job.Metadata.Regeneration = regen
	if regen == nil {
		job.Metadata.MapClip = ""
	}
	job.Metadata.MapError = ""
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.CompletedAt = nil
	job.LastHeartbeat = &now
	if err := p.deps.Store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("mark job %s processing: %w", jobID, err)
	}
	return &run{
		job:     job,
		workDir: p.cfg.JobWorkDir(job.ID),
		logger: p.logger.With(
			logging.String(logging.FieldJobID, job.ID),
			logging.String("listing_id", job.ListingID),
		),
	}, nil
}

// progress records a monotonic progress update. Store failures are logged;
// progress is advisory.
func (p *Pipeline) progress(ctx context.Context, r *run, stage string, percent float64, message string) {
	r.mu.Lock()
	if percent < r.percent {
		percent = r.percent
	}
	r.percent = percent
	r.job.ProgressStage = stage
	r.job.ProgressPercent = percent
	r.job.ProgressMessage = message
	r.job.Metadata.Stage = stage
	r.mu.Unlock()

	if err := p.deps.Store.UpdateProgress(ctx, r.job.ID, stage, percent, message); err != nil {
		r.logger.Warn("progress update failed", logging.Error(err))
	}
}

// persist writes the job row. A failure here fails the job attempt.
func (p *Pipeline) persist(ctx context.Context, r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status == store.JobProcessing {
		now := time.Now().UTC()
		r.job.LastHeartbeat = &now
	}
	if err := p.deps.Store.UpdateJob(context.WithoutCancel(ctx), r.job); err != nil {
		return fmt.Errorf("persist job %s: %w", r.job.ID, err)
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, r *run, keys []string, results map[string]store.TemplateResult) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return p.fail(ctx, r, fmt.Errorf("job canceled: %w", err))
	}
	merged := mergeResults(r.job.Metadata.Templates, results, keys)
	r.mu.Lock()
	r.job.Metadata.Templates = merged
	r.mu.Unlock()
	if r.job.Metadata.SuccessCount() == 0 {
		return p.fail(ctx, r, services.Wrap(services.ErrUpstream, StageTemplate, "render templates", NoTemplatesMessage, nil))
	}

	primary := choosePrimary(keys, merged, p.cfg.Pipeline.PrimaryPriority)
	p.progress(ctx, r, StageUpload, 100, "Completed")
	now := time.Now().UTC()
	r.mu.Lock()
	r.job.Status = store.JobCompleted
	r.job.Metadata.Primary = primary
	r.job.OutputURL = merged[primary].OutputURL
	r.job.RegeneratePhotoIDs = nil
	r.job.CompletedAt = &now
	r.mu.Unlock()
	if err := p.persist(ctx, r); err != nil {
		return nil, err
	}
	p.finalize(ctx, r)
	r.logger.Info("job completed",
		logging.String("primary", primary),
		logging.Int("succeeded", r.job.Metadata.SuccessCount()),
		logging.Int("requested", len(keys)),
		logging.String(logging.FieldEventType, "job_completed"),
	)
	return &Outcome{
		Status:    store.JobCompleted,
		Results:   merged,
		Primary:   primary,
		OutputURL: r.job.OutputURL,
	}, nil
}

// fail records a job-level failure. The returned error is nil when the
// failure was persisted; the outcome carries the message.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error) (*Outcome, error) {
	if ctx.Err() != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("job canceled: %w", cause)
	}
	now := time.Now().UTC()
	r.mu.Lock()
	r.job.Status = store.JobFailed
	r.job.ErrorMessage = cause.Error()
	r.job.ProgressMessage = "Failed"
	r.job.RegeneratePhotoIDs = nil
	r.job.CompletedAt = &now
	r.mu.Unlock()

	logging.ErrorWithContext(r.logger, "job failed", "job_failed",
		append(logging.ErrorAttrs(cause),
			logging.String(logging.FieldImpact, "no reel delivered for this job"),
		)...,
	)
	if err := p.persist(ctx, r); err != nil {
		return nil, err
	}
	p.finalize(ctx, r)
	return &Outcome{
		Status:  store.JobFailed,
		Results: r.job.Metadata.Templates,
		Error:   cause.Error(),
	}, nil
}

// finalize reports the outcome and hands the job work directory to cleanup.
func (p *Pipeline) finalize(ctx context.Context, r *run) {
	if p.deps.Recorder != nil {
		p.deps.Recorder.JobFinished(string(r.job.Status))
	}
	if p.deps.Cleanup == nil {
		return
	}
	_, err := p.deps.Cleanup.Register(context.WithoutCancel(ctx), r.workDir, store.CleanupDirectory, 0,
		map[string]string{cleanup.MetadataJobID: r.job.ID})
	if err != nil {
		r.logger.Warn("work dir cleanup registration failed", logging.Error(err))
	}
}

func (p *Pipeline) watermark(requested string) string {
	if w := strings.TrimSpace(requested); w != "" {
		return w
	}
	return p.cfg.Pipeline.Watermark
}

// log returns the run logger tagged with the stage, template and request id
// carried by ctx.
func (r *run) log(ctx context.Context) *slog.Logger {
	var attrs []any
	for _, a := range logging.ContextFields(ctx) {
		if a.Key != logging.FieldJobID {
			attrs = append(attrs, a)
		}
	}
	return r.logger.With(attrs...)
}

func (r *run) path(parts ...string) string {
	return filepath.Join(append([]string{r.workDir}, parts...)...)
}

func dedupe(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func firstError(errs map[string]error) error {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return nil
	}
	return errs[keys[0]]
}

// mergeResults overlays fresh results on previous ones and keeps only the
// requested templates.
func mergeResults(previous, fresh map[string]store.TemplateResult, keys []string) map[string]store.TemplateResult {
	merged := make(map[string]store.TemplateResult, len(keys))
	for _, k := range keys {
		if res, ok := fresh[k]; ok {
			merged[k] = res
		} else if res, ok := previous[k]; ok {
			merged[k] = res
		}
	}
	return merged
}

// choosePrimary picks the first successful template from priority, falling
// back to request order.
func choosePrimary(keys []string, results map[string]store.TemplateResult, priority []string) string {
	for _, k := range priority {
		if res, ok := results[k]; ok && res.Status == store.ResultSuccess {
			return k
		}
	}
	for _, k := range keys {
		if res, ok := results[k]; ok && res.Status == store.ResultSuccess {
			return k
		}
	}
	return ""
}
