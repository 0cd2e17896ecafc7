// Package cleanup reclaims transient storage registered during production:
// intermediate files, scratch directories, and storage objects. Tasks are
// persisted so a restart does not leak resources, and a cron schedule drives
// periodic sweeps.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/objectstore"
	"montage/internal/services"
	"montage/internal/store"
)

// MetadataJobID is the metadata key naming the owning job.
const MetadataJobID = "job_id"

// Repository persists cleanup tasks. *store.Store satisfies it.
type Repository interface {
	InsertCleanupTask(ctx context.Context, task *store.CleanupTask) error
	PendingCleanupTasks(ctx context.Context) ([]*store.CleanupTask, error)
	DeleteCleanupTask(ctx context.Context, id int64) error
	MarkCleanupFailure(ctx context.Context, id int64, cause error) (int, error)
	JobIsActive(ctx context.Context, id string) (bool, error)
}

// ObjectDeleter removes storage objects.
type ObjectDeleter interface {
	Delete(ctx context.Context, bucket, key string) error
}

// Recorder receives per-task outcomes for metrics.
type Recorder interface {
	CleanupOutcome(outcome string)
}

// Task outcomes reported to the Recorder.
const (
	OutcomeDeleted = "deleted"
	OutcomeSkipped = "skipped"
	OutcomeRetry   = "retry"
	OutcomeDropped = "dropped"
)

// Result summarizes one ExecuteCleanup pass.
type Result struct {
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
	Retried int `json:"retried"`
	Dropped int `json:"dropped"`
}

// Coordinator registers and executes cleanup tasks.
type Coordinator struct {
	repo        Repository
	objects     ObjectDeleter
	logger      *slog.Logger
	recorder    Recorder
	taskTimeout time.Duration
	maxRetries  int

	mu    sync.Mutex
	inUse map[string]int
	// run serializes ExecuteCleanup so overlapping sweeps cannot double-delete.
	run sync.Mutex
}

// New builds a coordinator. objects may be nil when no storage objects are
// ever registered.
func New(cfg *config.Config, repo Repository, objects ObjectDeleter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		repo:        repo,
		objects:     objects,
		logger:      logging.NewComponentLogger(logger, "cleanup"),
		recorder:    nopRecorder{},
		taskTimeout: cfg.CleanupTaskTimeout(),
		maxRetries:  cfg.Cleanup.MaxRetries,
		inUse:       make(map[string]int),
	}
}

// SetRecorder attaches a metrics recorder.
func (c *Coordinator) SetRecorder(r Recorder) {
	if r != nil {
		c.recorder = r
	}
}

// Register persists a cleanup task for path. The owning job comes from
// metadata[MetadataJobID].
func (c *Coordinator) Register(ctx context.Context, path string, kind store.CleanupKind, priority int, metadata map[string]string) (*store.CleanupTask, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, services.Wrap(services.ErrValidation, "cleanup", "register", "path is required", nil)
	}
	switch kind {
	case store.CleanupFile, store.CleanupDirectory, store.CleanupStorageObject:
	default:
		return nil, services.Wrap(services.ErrValidation, "cleanup", "register", fmt.Sprintf("unknown kind %q", kind), nil)
	}
	task := &store.CleanupTask{
		Path:     path,
		Kind:     kind,
		Priority: priority,
		JobID:    metadata[MetadataJobID],
		Metadata: metadata,
	}
	if err := c.repo.InsertCleanupTask(ctx, task); err != nil {
		return nil, services.Wrap(services.ErrTransient, "cleanup", "register", path, err)
	}
	c.logger.Debug("cleanup task registered",
		logging.String("path", path),
		logging.String("kind", string(kind)),
		logging.Int("priority", priority),
		logging.String(logging.FieldJobID, task.JobID),
	)
	return task, nil
}

// PendingTasks lists queued tasks in execution order.
func (c *Coordinator) PendingTasks(ctx context.Context) ([]*store.CleanupTask, error) {
	return c.repo.PendingCleanupTasks(ctx)
}

// Acquire marks path as in use. Calls nest.
func (c *Coordinator) Acquire(path string) {
	c.mu.Lock()
	c.inUse[path]++
	c.mu.Unlock()
}

// Release drops one Acquire reference to path.
func (c *Coordinator) Release(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.inUse[path]; n > 1 {
		c.inUse[path] = n - 1
		return
	}
	delete(c.inUse, path)
}

// InUse reports whether path holds at least one Acquire reference.
func (c *Coordinator) InUse(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse[path] > 0
}

// ExecuteCleanup runs every pending task in priority order. Unless force is
// set, tasks whose resource is in use or whose owning job is queued or
// processing are left for a later pass.
func (c *Coordinator) ExecuteCleanup(ctx context.Context, force bool) (Result, error) {
	c.run.Lock()
	defer c.run.Unlock()

	var result Result
	tasks, err := c.repo.PendingCleanupTasks(ctx)
	if err != nil {
		return result, services.Wrap(services.ErrTransient, "cleanup", "list tasks", "", err)
	}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !force && c.busy(ctx, task) {
			result.Skipped++
			c.recorder.CleanupOutcome(OutcomeSkipped)
			continue
		}

		taskErr := c.runTask(ctx, task)
		if taskErr == nil {
			if err := c.repo.DeleteCleanupTask(ctx, task.ID); err != nil {
				return result, services.Wrap(services.ErrTransient, "cleanup", "complete task", task.Path, err)
			}
			result.Deleted++
			c.recorder.CleanupOutcome(OutcomeDeleted)
			continue
		}

		retries, err := c.repo.MarkCleanupFailure(ctx, task.ID, taskErr)
		if err != nil {
			return result, services.Wrap(services.ErrTransient, "cleanup", "record failure", task.Path, err)
		}
		if retries > c.maxRetries {
			if err := c.repo.DeleteCleanupTask(ctx, task.ID); err != nil {
				return result, services.Wrap(services.ErrTransient, "cleanup", "drop task", task.Path, err)
			}
			result.Dropped++
			c.recorder.CleanupOutcome(OutcomeDropped)
			logging.ErrorWithContext(c.logger, "cleanup task failed permanently", "cleanup_dropped",
				logging.String("path", task.Path),
				logging.String("kind", string(task.Kind)),
				logging.Int("retries", retries),
				logging.Error(taskErr),
				logging.String(logging.FieldErrorHint, "remove the resource by hand and check permissions"),
				logging.String(logging.FieldImpact, "storage not reclaimed"),
			)
			continue
		}
		result.Retried++
		c.recorder.CleanupOutcome(OutcomeRetry)
		c.logger.Warn("cleanup task failed; will retry",
			logging.String("path", task.Path),
			logging.Int("retries", retries),
			logging.Error(taskErr),
			logging.String(logging.FieldEventType, "cleanup_retry"),
		)
	}
	if result.Deleted+result.Dropped > 0 {
		c.logger.Info("cleanup pass complete",
			logging.Int("deleted", result.Deleted),
			logging.Int("skipped", result.Skipped),
			logging.Int("retried", result.Retried),
			logging.Int("dropped", result.Dropped),
			logging.String(logging.FieldEventType, "cleanup_pass"),
		)
	}
	return result, nil
}

func (c *Coordinator) busy(ctx context.Context, task *store.CleanupTask) bool {
	if c.InUse(task.Path) {
		return true
	}
	if task.JobID == "" {
		return false
	}
	active, err := c.repo.JobIsActive(ctx, task.JobID)
	if err != nil {
		c.logger.Warn("cleanup could not check owning job; skipping task",
			logging.String("path", task.Path),
			logging.String(logging.FieldJobID, task.JobID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "cleanup_job_check_failed"),
		)
		return true
	}
	return active
}

func (c *Coordinator) runTask(ctx context.Context, task *store.CleanupTask) error {
	taskCtx := ctx
	if c.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.taskTimeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		done <- c.remove(taskCtx, task)
	}()
	select {
	case err := <-done:
		return err
	case <-taskCtx.Done():
		return services.Wrap(services.ErrTimeout, "cleanup", "remove", task.Path, taskCtx.Err())
	}
}

func (c *Coordinator) remove(ctx context.Context, task *store.CleanupTask) error {
	switch task.Kind {
	case store.CleanupFile:
		if err := os.Remove(task.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	case store.CleanupDirectory:
		return os.RemoveAll(task.Path)
	case store.CleanupStorageObject:
		if c.objects == nil {
			return services.Wrap(services.ErrConfiguration, "cleanup", "remove", "no object store configured", nil)
		}
		loc, err := objectstore.ParseURL(task.Path)
		if err != nil {
			return err
		}
		if err := c.objects.Delete(ctx, loc.Bucket, loc.Key); err != nil && !errors.Is(err, services.ErrNotFound) {
			return err
		}
		return nil
	default:
		return services.Wrap(services.ErrValidation, "cleanup", "remove", fmt.Sprintf("unknown kind %q", task.Kind), nil)
	}
}

type nopRecorder struct{}

func (nopRecorder) CleanupOutcome(string) {}
