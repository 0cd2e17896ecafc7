package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"montage/internal/logging"
	"montage/internal/notifications"
	"montage/internal/pipeline"
	"montage/internal/services"
	"montage/internal/store"
)

// Start launches the worker slots.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("worker pool already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	slots := p.Concurrency()
	p.wg.Add(slots)
	p.mu.Unlock()

	for i := range slots {
		go p.runSlot(runCtx, p.logger.With(logging.Int("slot", i)))
	}
	p.logger.Info("worker pool started",
		logging.Int("slots", slots),
		logging.Duration("poll_interval", p.pollInterval),
		logging.String(logging.FieldEventType, "worker_started"),
	)
	return nil
}

// Stop cancels every running job and waits for the slots to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Cancel stops a job. A running job has its context canceled and fails with
// a cancellation message; a pending job is failed in place.
func (p *Pool) Cancel(ctx context.Context, jobID string) error {
	p.mu.RLock()
	cancel, ok := p.active[jobID]
	p.mu.RUnlock()
	if ok {
		cancel()
		p.logger.Info("job cancel requested",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldEventType, "job_cancel_requested"),
		)
		return nil
	}

	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobPending {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrNotCancelable)
	}
	now := time.Now().UTC()
	job.Status = store.JobFailed
	job.ErrorMessage = "job canceled before start"
	job.ProgressMessage = "Canceled"
	job.RegeneratePhotoIDs = nil
	job.CompletedAt = &now
	return p.jobs.UpdateJob(ctx, job)
}

// RunOnce claims and runs at most one pending job. It reports whether a job
// was processed.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.claim(ctx, p.logger)
	if err != nil || job == nil {
		return false, err
	}
	return true, p.process(ctx, p.logger, job)
}

func (p *Pool) runSlot(ctx context.Context, logger *slog.Logger) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.claim(ctx, logger)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.setLastError(err)
			p.wait(ctx)
			continue
		}
		if job == nil {
			p.wait(ctx)
			continue
		}
		if err := p.process(ctx, logger, job); err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) claim(ctx context.Context, logger *slog.Logger) (*store.Job, error) {
	if p.preflight != nil {
		if err := p.preflight(ctx); err != nil {
			logging.ErrorWithContext(logger, "preflight failed; not claiming jobs", "preflight_failed",
				logging.String(logging.FieldErrorHint, "fix the reported issue; claiming resumes automatically"),
				logging.Error(err),
			)
			return nil, err
		}
	}
	if _, err := p.heartbeat.ReclaimStale(ctx); err != nil {
		logger.Warn("reclaim stale jobs failed; stuck jobs may remain",
			logging.Error(err),
			logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
			logging.String(logging.FieldErrorHint, "check job database access"),
		)
	}
	job, err := p.jobs.ClaimNextPending(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		logger.Error("failed to claim next job",
			logging.Error(err),
			logging.String(logging.FieldEventType, "job_claim_failed"),
			logging.String(logging.FieldErrorHint, "check job database access"),
		)
		return nil, err
	}
	return job, nil
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, job *store.Job) error {
	jobCtx, cancel := context.WithCancel(services.WithJobID(ctx, job.ID))
	defer cancel()
	p.track(job, cancel)
	defer p.untrack(job.ID)

	logger = logger.With(logging.String(logging.FieldJobID, job.ID))
	logger.Info("job claimed",
		logging.String("listing_id", job.ListingID),
		logging.Bool("regeneration", job.IsRegeneration()),
		logging.String(logging.FieldEventType, "job_claimed"),
	)

	var hbWG sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(jobCtx)
	hbWG.Add(1)
	go p.heartbeat.StartLoop(hbCtx, &hbWG, job.ID)

	start := time.Now()
	outcome, err := p.runner.Run(jobCtx, job)
	stopHeartbeat()
	hbWG.Wait()

	if err != nil {
		p.setLastError(err)
		logging.ErrorWithContext(logger, "job run aborted", "job_aborted",
			append(logging.ErrorAttrs(err),
				logging.String(logging.FieldErrorHint, "job stays processing until its heartbeat expires"),
			)...,
		)
		return err
	}
	logger.Info("job finished",
		logging.String("status", string(outcome.Status)),
		logging.String("primary", outcome.Primary),
		logging.Duration("elapsed", time.Since(start)),
		logging.String(logging.FieldEventType, "job_finished"),
	)
	p.notify(ctx, logger, job.ID, outcome)
	return nil
}

func (p *Pool) notify(ctx context.Context, logger *slog.Logger, jobID string, outcome *pipeline.Outcome) {
	if p.notifier == nil {
		return
	}
	report := notifications.JobReport{
		JobID:   jobID,
		Status:  outcome.Status,
		Primary: outcome.Primary,
		Results: outcome.Results,
	}
	if job, err := p.jobs.GetJob(ctx, jobID); err == nil {
		report.ListingID = job.ListingID
		report.OutputURL = job.OutputURL
		report.Error = job.ErrorMessage
	}
	if err := p.notifier.NotifyJobFinished(ctx, report); err != nil {
		logging.WarnWithContext(logger, "job notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "job outcome was not pushed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}

func (p *Pool) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

func (p *Pool) track(job *store.Job, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[job.ID] = cancel
	copied := *job
	p.lastJob = &copied
}

func (p *Pool) untrack(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, jobID)
	p.finished++
}

func (p *Pool) setLastError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}
