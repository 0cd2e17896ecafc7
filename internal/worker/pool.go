package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/notifications"
	"montage/internal/pipeline"
	"montage/internal/store"
)

// ErrNotCancelable is returned when Cancel targets a job that is neither
// running here nor pending.
var ErrNotCancelable = errors.New("job is not pending or running")

// JobQueue is the store surface the pool drives.
type JobQueue interface {
	ClaimNextPending(ctx context.Context) (*store.Job, error)
	UpdateHeartbeat(ctx context.Context, id string) error
	ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error)
	GetJob(ctx context.Context, id string) (*store.Job, error)
	UpdateJob(ctx context.Context, job *store.Job) error
	Stats(ctx context.Context) (map[store.JobStatus]int, error)
}

// Runner executes one claimed job. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, job *store.Job) (*pipeline.Outcome, error)
}

// Option configures optional Pool behavior.
type Option func(*Pool)

// WithPreflight installs a readiness check run before each claim. A failing
// check pauses claiming until it passes.
func WithPreflight(check func(context.Context) error) Option {
	return func(p *Pool) {
		p.preflight = check
	}
}

// WithNotifier sends a notification after every finished job.
func WithNotifier(n notifications.Service) Option {
	return func(p *Pool) {
		if n != nil {
			p.notifier = n
		}
	}
}

// Pool coordinates job workers.
type Pool struct {
	cfg          *config.Config
	jobs         JobQueue
	runner       Runner
	logger       *slog.Logger
	pollInterval time.Duration
	preflight    func(context.Context) error
	notifier     notifications.Service

	heartbeat *HeartbeatMonitor

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	active   map[string]context.CancelFunc
	lastErr  error
	lastJob  *store.Job
	finished int
}

// New constructs a pool. It does not start any workers.
func New(cfg *config.Config, jobs JobQueue, runner Runner, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "worker")
	p := &Pool{
		cfg:          cfg,
		jobs:         jobs,
		runner:       runner,
		logger:       logger,
		pollInterval: seconds(cfg.Workflow.PollInterval, time.Second),
		heartbeat: NewHeartbeatMonitor(
			jobs,
			logger,
			seconds(cfg.Workflow.HeartbeatInterval, 15*time.Second),
			seconds(cfg.Workflow.HeartbeatTimeout, 0),
		),
		active: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func seconds(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}

// Concurrency reports the number of worker slots.
func (p *Pool) Concurrency() int {
	return max(p.cfg.Workflow.MaxConcurrentJobs, 1)
}
