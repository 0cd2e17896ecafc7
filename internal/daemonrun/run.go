// Package daemonrun wires the montage services together and runs the daemon
// until it receives a termination signal.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"montage/internal/assetcache"
	"montage/internal/cleanup"
	"montage/internal/config"
	"montage/internal/convert"
	"montage/internal/daemon"
	"montage/internal/deps"
	"montage/internal/flythrough"
	"montage/internal/lockpg"
	"montage/internal/logging"
	"montage/internal/media/assets"
	"montage/internal/media/encodequeue"
	"montage/internal/media/ffmpeg"
	"montage/internal/metrics"
	"montage/internal/notifications"
	"montage/internal/objectstore"
	"montage/internal/pipeline"
	"montage/internal/preflight"
	"montage/internal/render"
	"montage/internal/store"
	"montage/internal/templates"
	"montage/internal/worker"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the montage daemon and blocks until ctx ends or SIGINT/SIGTERM
// arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logHub := logging.NewStreamHub(4096)
	logger, err := logging.NewFromConfig(cfg, logHub)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logDependencySnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.StateDir, "montage.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return err
	}
	defer st.Close()

	locks, closeLocks, err := openLocks(signalCtx, cfg, st)
	if err != nil {
		return err
	}
	defer closeLocks()

	catalog, err := templates.Load(cfg)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	objects, err := objectstore.NewFileStore(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	coordinator := cleanup.New(cfg, st, objects, logger)
	coordinator.SetRecorder(m)
	cache := assetcache.New(cfg, st, locks, logger, assetcache.WithRecorder(m), assetcache.WithPins(coordinator))
	scheduler, err := cleanup.NewScheduler(cfg, coordinator)
	if err != nil {
		return err
	}
	if purger, ok := locks.(cleanup.LockPurger); ok {
		scheduler.AddLockPurger(purger)
	}

	selector := ffmpeg.NewSelector(cfg, logger)
	engine := render.New(cfg,
		assets.NewResolver(cfg, objects, logger, assets.WithTracker(coordinator)),
		selector,
		encodequeue.New(cfg.Encoding.MaxConcurrent, m),
		logger,
		render.WithObserver(m),
	)
	pipe, err := pipeline.New(cfg, pipeline.Deps{
		Store:      st,
		Catalog:    catalog,
		Cache:      cache,
		Preparer:   convert.NewNormalizer(cfg, objects),
		Converter:  convert.New(cfg, objects, logger),
		Flythrough: flythrough.New(cfg, objects, logger),
		Renderer:   engine,
		Uploader:   objects,
		Cleanup:    coordinator,
		Recorder:   m,
	}, logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	pool := worker.New(cfg, st, pipe, logger,
		worker.WithPreflight(func(ctx context.Context) error {
			return preflight.Failures(preflight.RunAll(ctx, cfg))
		}),
		worker.WithNotifier(notifications.NewService(cfg)),
	)

	d, err := daemon.New(cfg, daemon.Deps{
		Store:     st,
		Pool:      pool,
		Cleanup:   coordinator,
		Scheduler: scheduler,
		Cache:     cache,
		Catalog:   catalog,
		Objects:   objects,
		Metrics:   m,
		Logs:      logHub,
		Encoder: func(ctx context.Context) string {
			return selector.Select(ctx).Name
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Stop()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file, api.bind, and database access"),
			logging.String(logging.FieldImpact, "no jobs will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("montage daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func openLocks(ctx context.Context, cfg *config.Config, st *store.Store) (assetcache.LockTable, func(), error) {
	if cfg.Cache.LockBackend != "postgres" {
		return assetcache.StoreLocks(st), func() {}, nil
	}
	locks, err := lockpg.Open(ctx, cfg.Cache.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres cache locks: %w", err)
	}
	return locks, locks.Close, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	statuses := preflight.CheckMediaTools(cfg)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("conversion_endpoint", strings.TrimSpace(cfg.Conversion.Endpoint) != ""),
		logging.Bool("flythrough_endpoint", strings.TrimSpace(cfg.Flythrough.Endpoint) != ""),
		logging.String("lock_backend", cfg.Cache.LockBackend),
		logging.Bool("api_token_present", strings.TrimSpace(cfg.API.Token) != ""),
	}
	for _, status := range statuses {
		attrs = append(attrs,
			logging.Bool(status.Name+"_available", status.Available),
			logging.String(status.Name+"_binary", status.Path),
		)
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
	for _, missing := range deps.Missing(statuses) {
		logging.WarnWithContext(logger, "required media tool missing", "dependency_missing",
			logging.String("dependency", missing.Name),
			logging.String("detail", missing.Detail),
			logging.String(logging.FieldErrorHint, "install ffmpeg or set encoding.ffmpeg_binary / encoding.ffprobe_binary"),
			logging.String(logging.FieldImpact, "renders will fail preflight"),
		)
	}
}
