package assetcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"montage/internal/config"
	"montage/internal/fileutil"
	"montage/internal/logging"
	"montage/internal/retry"
	"montage/internal/services"
	"montage/internal/store"
)

// Repository persists cache rows. *store.Store satisfies it.
type Repository interface {
	GetCachedAsset(ctx context.Context, key string) (*store.CachedAsset, error)
	GetCachedAssetByID(ctx context.Context, id string) (*store.CachedAsset, error)
	UpsertCachedAsset(ctx context.Context, asset *store.CachedAsset) error
	TouchCachedAsset(ctx context.Context, key string) error
	DeleteCachedAsset(ctx context.Context, key string) error
	CachedAssetsByType(ctx context.Context, assetType string) ([]*store.CachedAsset, error)
}

// Recorder receives cache outcomes for metrics.
type Recorder interface {
	CacheHit(assetType string)
	CacheMiss(assetType string)
	CacheLockFailure(scope string)
}

// Entry describes an artifact handed to Put.
type Entry struct {
	Type       string
	Settings   any
	SourcePath string
}

// Request describes an artifact GetOrProduce may need to build.
type Request struct {
	Type     string
	Settings any
	// Ext is the file extension of the produced artifact, including the dot.
	Ext string
}

// ProduceFunc writes a fresh artifact to outputPath.
type ProduceFunc func(ctx context.Context, outputPath string) error

// Pins reports artifact files a render is still reading.
// *cleanup.Coordinator satisfies it.
type Pins interface {
	InUse(path string) bool
}

// Cache coordinates cache rows, artifact files, and lease locks.
type Cache struct {
	repo       Repository
	locks      LockTable
	dir        string
	ttl        time.Duration
	lockPolicy retry.Policy
	logger     *slog.Logger
	recorder   Recorder
	pins       Pins
}

// Option customizes a Cache.
type Option func(*Cache)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithPins keeps invalidation from deleting artifact files that are pinned.
// The row is still dropped; the next producer for the key replaces the file.
func WithPins(p Pins) Option {
	return func(c *Cache) { c.pins = p }
}

// New builds a cache rooted at cfg.Paths.CacheDir.
func New(cfg *config.Config, repo Repository, locks LockTable, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Cache{
		repo:       repo,
		locks:      locks,
		dir:        cfg.Paths.CacheDir,
		ttl:        cfg.LockTTL(),
		lockPolicy: retry.Fixed(cfg.Cache.LockAttempts, cfg.LockRetryDelay()).WithRetryable(lockRetryable),
		logger:     logging.NewComponentLogger(logger, "asset-cache"),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the artifact root.
func (c *Cache) Dir() string {
	return c.dir
}

// Get returns the asset stored under key, or nil when the row is absent or
// its file has gone missing. Every hit is counted with a single atomic
// update, so readers never contend.
func (c *Cache) Get(ctx context.Context, key string) (*store.CachedAsset, error) {
	asset, err := c.repo.GetCachedAsset(ctx, key)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "cache", "get", key, err)
	}
	if asset == nil {
		return nil, nil
	}
	if !fileutil.Exists(asset.ArtifactPath) {
		c.logger.Debug("cached artifact missing on disk",
			logging.String("cache_key", key),
			logging.String("path", asset.ArtifactPath),
		)
		return nil, nil
	}
	c.touch(ctx, asset)
	c.recorder.CacheHit(asset.AssetType)
	return asset, nil
}

func (c *Cache) touch(ctx context.Context, asset *store.CachedAsset) {
	if err := c.repo.TouchCachedAsset(ctx, asset.CacheKey); err != nil {
		c.logger.Debug("cache bookkeeping failed", logging.String("cache_key", asset.CacheKey), logging.Error(err))
		return
	}
	asset.HitCount++
}

// Put copies entry.SourcePath into the cache and records it. The source file
// is left in place.
func (c *Cache) Put(ctx context.Context, entry Entry) (*store.CachedAsset, error) {
	key, err := CacheKey(entry.Type, entry.Settings)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "cache", "put", "cache key", err)
	}
	unlock, err := c.lockWrite(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.store(ctx, key, entry.Type, entry.Settings, entry.SourcePath, false)
}

// GetOrProduce returns the cached artifact for req, running produce at most
// once per key across every process sharing the lock table. The boolean
// reports a cache hit. A caller that finds another producer working on the
// same key waits for its artifact rather than failing; if that producer
// gives up, the waiter produces instead.
func (c *Cache) GetOrProduce(ctx context.Context, req Request, produce ProduceFunc) (*store.CachedAsset, bool, error) {
	key, err := CacheKey(req.Type, req.Settings)
	if err != nil {
		return nil, false, services.Wrap(services.ErrValidation, "cache", "produce", "cache key", err)
	}
	if asset, err := c.Get(ctx, key); err != nil || asset != nil {
		return asset, asset != nil, err
	}

	unlock, err := c.awaitWrite(ctx, key)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	// Another producer may have finished while this one waited.
	if asset, err := c.Get(ctx, key); err != nil || asset != nil {
		return asset, asset != nil, err
	}
	c.recorder.CacheMiss(req.Type)

	tmpDir := filepath.Join(c.dir, ".incoming")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, false, services.Wrap(services.ErrAsset, "cache", "produce", "create staging dir", err)
	}
	tmpPath := filepath.Join(tmpDir, key+"-"+uuid.NewString()[:8]+req.Ext)
	defer os.Remove(tmpPath)

	if err := produce(ctx, tmpPath); err != nil {
		return nil, false, err
	}
	if !fileutil.Exists(tmpPath) {
		return nil, false, services.Wrap(services.ErrAsset, "cache", "produce", "producer wrote no artifact", nil)
	}
	asset, err := c.store(ctx, key, req.Type, req.Settings, tmpPath, true)
	if err != nil {
		return nil, false, err
	}
	return asset, false, nil
}

// InvalidateKey removes the asset stored under key, if any.
func (c *Cache) InvalidateKey(ctx context.Context, key string) error {
	unlock, err := c.lockWrite(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	asset, err := c.repo.GetCachedAsset(ctx, key)
	if err != nil {
		return services.Wrap(services.ErrTransient, "cache", "invalidate", key, err)
	}
	if asset == nil {
		return nil
	}
	return c.remove(ctx, asset)
}

// Invalidate removes the asset with the given row id.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	asset, err := c.repo.GetCachedAssetByID(ctx, id)
	if err != nil {
		return services.Wrap(services.ErrTransient, "cache", "invalidate", id, err)
	}
	if asset == nil {
		return services.Wrap(services.ErrNotFound, "cache", "invalidate", fmt.Sprintf("cached asset %s", id), nil)
	}
	return c.InvalidateKey(ctx, asset.CacheKey)
}

// InvalidateByType removes every asset of one type and reports how many
// were removed.
func (c *Cache) InvalidateByType(ctx context.Context, assetType string) (int, error) {
	assets, err := c.repo.CachedAssetsByType(ctx, assetType)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "cache", "invalidate", assetType, err)
	}
	removed := 0
	var errs []error
	for _, asset := range assets {
		if err := c.InvalidateKey(ctx, asset.CacheKey); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("cache type invalidated",
			logging.String("asset_type", assetType),
			logging.Int("removed", removed),
		)
	}
	return removed, errors.Join(errs...)
}

func (c *Cache) store(ctx context.Context, key, assetType string, settings any, source string, move bool) (*store.CachedAsset, error) {
	settingsJSON, err := CanonicalJSON(settings)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "cache", "put", "settings", err)
	}
	dest := c.artifactPath(assetType, key, filepath.Ext(source))
	var (
		digest string
		size   int64
	)
	if move {
		digest, size, err = fileutil.MoveAtomic(source, dest)
	} else {
		digest, size, err = fileutil.CopyAtomic(source, dest)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrAsset, "cache", "put", "store artifact", err)
	}
	asset := &store.CachedAsset{
		CacheKey:     key,
		AssetType:    assetType,
		ArtifactPath: dest,
		ContentHash:  digest,
		SettingsJSON: string(settingsJSON),
		SizeBytes:    size,
	}
	if err := c.repo.UpsertCachedAsset(ctx, asset); err != nil {
		return nil, services.Wrap(services.ErrTransient, "cache", "put", "record artifact", err)
	}
	c.logger.Debug("artifact cached",
		logging.String("cache_key", key),
		logging.String("asset_type", assetType),
		logging.Int64("size_bytes", size),
	)
	return asset, nil
}

func (c *Cache) remove(ctx context.Context, asset *store.CachedAsset) error {
	if c.pins != nil && c.pins.InUse(asset.ArtifactPath) {
		c.logger.Info("cached artifact in use; leaving file for the next producer",
			logging.String("cache_key", asset.CacheKey),
			logging.String("path", asset.ArtifactPath),
		)
	} else if err := os.Remove(asset.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return services.Wrap(services.ErrAsset, "cache", "invalidate", "remove artifact", err)
	}
	if err := c.repo.DeleteCachedAsset(ctx, asset.CacheKey); err != nil {
		return services.Wrap(services.ErrTransient, "cache", "invalidate", "delete row", err)
	}
	return nil
}

func (c *Cache) artifactPath(assetType, key, ext string) string {
	ext = strings.ToLower(ext)
	return filepath.Join(c.dir, assetType, key[:2], key+ext)
}

var errLockBusy = errors.New("lock held by another owner")

func lockRetryable(err error) bool {
	return errors.Is(err, errLockBusy) || services.Retryable(err)
}

// lockWrite takes write:<key> and starts a lease extender. The returned
// function stops the extender and releases the lock.
func (c *Cache) lockWrite(ctx context.Context, key string) (func(), error) {
	lockKey := "write:" + key
	owner := uuid.NewString()
	err := c.lockPolicy.Do(ctx, func(ctx context.Context) error {
		ok, err := c.locks.TryAcquire(ctx, lockKey, owner, c.ttl)
		if err != nil {
			return err
		}
		if !ok {
			return errLockBusy
		}
		return nil
	})
	if err != nil {
		c.recorder.CacheLockFailure("write")
		return nil, services.Wrap(services.ErrLock, "cache", "acquire lock", key, err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.extend(ctx, lockKey, owner, stop)
	}()
	return func() {
		close(stop)
		wg.Wait()
		c.release(lockKey, owner)
	}, nil
}

// awaitWrite takes write:<key>, waiting for as long as a live producer keeps
// its lease. If the artifact lands meanwhile it returns a no-op unlock and the
// caller's recheck picks the artifact up.
func (c *Cache) awaitWrite(ctx context.Context, key string) (func(), error) {
	for {
		unlock, err := c.lockWrite(ctx, key)
		if err == nil || !errors.Is(err, errLockBusy) {
			return unlock, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		asset, getErr := c.Get(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		if asset != nil {
			return func() {}, nil
		}
		c.logger.Debug("waiting for concurrent producer", logging.String("cache_key", key))
	}
}

func (c *Cache) extend(ctx context.Context, lockKey, owner string, stop <-chan struct{}) {
	interval := c.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.locks.Extend(ctx, lockKey, owner, c.ttl); err != nil {
				c.logger.Warn("cache lease extension failed",
					logging.String("lock_key", lockKey),
					logging.Error(err),
					logging.String(logging.FieldEventType, "cache_lock_extend_failed"),
					logging.String(logging.FieldErrorHint, "raise cache.lock_ttl_seconds if producers outlive the lease"),
				)
				return
			}
		}
	}
}

func (c *Cache) release(lockKey, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.locks.Release(ctx, lockKey, owner); err != nil {
		c.logger.Warn("cache lock release failed",
			logging.String("lock_key", lockKey),
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_lock_release_failed"),
		)
	}
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string)         {}
func (nopRecorder) CacheMiss(string)        {}
func (nopRecorder) CacheLockFailure(string) {}
