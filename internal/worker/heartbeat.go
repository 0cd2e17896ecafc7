package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"montage/internal/logging"
	"montage/internal/store"
)

// HeartbeatMonitor manages job heartbeats and stale job reclamation.
type HeartbeatMonitor struct {
	jobs     JobQueue
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewHeartbeatMonitor creates a new monitor. A zero timeout disables
// reclamation.
func NewHeartbeatMonitor(jobs JobQueue, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		jobs:     jobs,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// ReclaimStale returns PROCESSING jobs whose heartbeat expired to PENDING.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context) (int64, error) {
	if h.timeout <= 0 {
		return 0, nil
	}
	reclaimed, err := h.jobs.ReclaimStale(ctx, h.timeout)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		h.logger.Info("reclaimed stale jobs",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldEventType, "jobs_reclaimed"),
		)
	}
	return reclaimed, nil
}

// StartLoop refreshes jobID's heartbeat until ctx ends.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, jobID string) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String(logging.FieldJobID, jobID)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.jobs.UpdateHeartbeat(ctx, jobID); err != nil {
				switch {
				case errors.Is(err, context.Canceled):
					return
				case errors.Is(err, store.ErrNotFound):
					// The job left PROCESSING; the runner will notice on its own.
					logger.Debug("heartbeat target no longer processing")
				default:
					logger.Warn("heartbeat update failed", logging.Error(err))
				}
			}
		}
	}
}
