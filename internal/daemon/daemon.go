package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"montage/internal/api"
	"montage/internal/assetcache"
	"montage/internal/cleanup"
	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/metrics"
	"montage/internal/objectstore"
	"montage/internal/preflight"
	"montage/internal/store"
	"montage/internal/templates"
	"montage/internal/worker"
)

// Deps are the services a daemon drives. Scheduler, Metrics, Logs, and
// Encoder are optional.
type Deps struct {
	Store     *store.Store
	Pool      *worker.Pool
	Cleanup   *cleanup.Coordinator
	Scheduler *cleanup.Scheduler
	Cache     *assetcache.Cache
	Catalog   *templates.Catalog
	Objects   *objectstore.FileStore
	Metrics   *metrics.Metrics
	Logs      *logging.StreamHub
	// Encoder names the selected video encoder for status output.
	Encoder func(context.Context) string
}

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps
	jobs   *api.JobService

	lockPath string
	lock     *flock.Flock
	server   *apiServer

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Worker       worker.StatusSummary
	DatabasePath string
	LockFilePath string
	Encoder      string
	Database     store.DatabaseHealth
	Preflight    []preflight.Result
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Pool == nil || deps.Cleanup == nil || deps.Cache == nil || deps.Catalog == nil || deps.Objects == nil {
		return nil, errors.New("daemon requires config, store, worker pool, cleanup, cache, catalog, and object store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		deps:     deps,
		jobs:     api.NewJobService(deps.Store, deps.Catalog),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.server = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, then launches the worker pool, the cleanup
// schedule, and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another montage daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.deps.Pool.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := d.server.start(runCtx); err != nil {
		d.deps.Pool.Stop()
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	if d.deps.Scheduler != nil {
		d.deps.Scheduler.Start(runCtx)
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("montage daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.server.address()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.server.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.deps.Pool.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("montage daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.deps.Store.Close()
}

// Address returns the API listener address once started.
func (d *Daemon) Address() string {
	return d.server.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		Worker:       d.deps.Pool.Status(ctx),
		DatabasePath: d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		Preflight:    preflight.RunAll(ctx, d.cfg),
	}
	if d.deps.Encoder != nil {
		status.Encoder = d.deps.Encoder(ctx)
	}
	health, err := d.deps.Store.CheckHealth(ctx)
	if err != nil && health.Error == "" {
		health.Error = err.Error()
	}
	status.Database = health
	return status
}

func (d *Daemon) pid() int {
	return os.Getpid()
}
