package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"montage/internal/config"
	"montage/internal/logging"
)

// Scheduler runs cleanup sweeps on the configured cron schedule.
type Scheduler struct {
	coordinator *Coordinator
	cron        *cron.Cron
	workDir     string
	staleAge    time.Duration
	purgers     []LockPurger
}

// LockPurger removes expired cache locks.
type LockPurger interface {
	PurgeExpiredLocks(ctx context.Context) (int64, error)
}

// NewScheduler parses cfg.Cleanup.Schedule and prepares the sweep job.
func NewScheduler(cfg *config.Config, coordinator *Coordinator) (*Scheduler, error) {
	s := &Scheduler{
		coordinator: coordinator,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		workDir:     cfg.Paths.WorkDir,
		staleAge:    time.Duration(cfg.Cleanup.StaleWorkDirHours) * time.Hour,
	}
	if purger, ok := coordinator.repo.(LockPurger); ok {
		s.purgers = append(s.purgers, purger)
	}
	if _, err := s.cron.AddFunc(cfg.Cleanup.Schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.Cleanup.Schedule, err)
	}
	return s, nil
}

// AddLockPurger registers another lock table swept after each pass.
func (s *Scheduler) AddLockPurger(p LockPurger) {
	if p != nil {
		s.purgers = append(s.purgers, p)
	}
}

// Start begins the schedule and stops it when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

// Sweep runs one non-forced cleanup pass followed by the stale work
// directory sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	logger := s.coordinator.logger
	if _, err := s.coordinator.ExecuteCleanup(ctx, false); err != nil {
		logging.WarnWithContext(logger, "scheduled cleanup failed", "cleanup_sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "transient storage kept until the next sweep"),
		)
	}
	CleanStaleWorkDirs(ctx, s.workDir, s.staleAge, s.coordinator.repo.JobIsActive, logger)
	for _, purger := range s.purgers {
		n, err := purger.PurgeExpiredLocks(ctx)
		if err != nil {
			logger.Warn("purge expired cache locks failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "cache_lock_purge_failed"),
			)
			continue
		}
		if n > 0 {
			logger.Debug("purged expired cache locks", logging.Int64("count", n))
		}
	}
}
