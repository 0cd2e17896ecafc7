// Package assets turns clip, music and watermark references into validated
// local files. Remote references are downloaded once into the asset cache
// directory under the SHA-256 of their normalized URL.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"montage/internal/config"
	"montage/internal/fileutil"
	"montage/internal/logging"
	"montage/internal/media/ffmpeg"
	"montage/internal/media/ffprobe"
	"montage/internal/objectstore"
	"montage/internal/retry"
	"montage/internal/services"
	"montage/internal/store"
)

// Downloader fetches a remote reference to a local path.
type Downloader interface {
	Download(ctx context.Context, ref, localPath string) error
}

// Tracker queues files for cleanup and pins files that are being read.
// *cleanup.Coordinator satisfies it.
type Tracker interface {
	Register(ctx context.Context, path string, kind store.CleanupKind, priority int, metadata map[string]string) (*store.CleanupTask, error)
	Acquire(path string)
	Release(path string)
}

// Resolver resolves and validates media references.
type Resolver struct {
	cacheDir   string
	ffprobe    string
	ffmpeg     string
	downloader Downloader
	policy     retry.Policy
	tracker    Tracker
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTracker registers downloaded and repaired files with t and lets Pin
// hold them while a render reads them.
func WithTracker(t Tracker) Option {
	return func(r *Resolver) { r.tracker = t }
}

// NewResolver builds a resolver rooted at paths.asset_cache_dir.
func NewResolver(cfg *config.Config, downloader Downloader, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Resolver{
		cacheDir:   cfg.Paths.AssetCacheDir,
		ffprobe:    cfg.FFprobeBinary(),
		ffmpeg:     cfg.FFmpegBinary(),
		downloader: downloader,
		policy:     retry.FromConfig(cfg),
		logger:     logging.NewComponentLogger(logger, "assets"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pin marks path in use until the returned func runs. Cleanup passes skip
// pinned files.
func (r *Resolver) Pin(path string) func() {
	if r.tracker == nil || path == "" {
		return func() {}
	}
	r.tracker.Acquire(path)
	var once sync.Once
	return func() { once.Do(func() { r.tracker.Release(path) }) }
}

// Resolve returns a local path for ref that holds a valid stream of kind.
// A file that fails validation gets one stream-copy repair attempt.
func (r *Resolver) Resolve(ctx context.Context, ref string, kind ffprobe.StreamKind) (string, error) {
	local, err := r.localize(ctx, ref)
	if err != nil {
		return "", err
	}
	probeErr := r.validate(ctx, local, kind)
	if probeErr == nil {
		return local, nil
	}
	if kind == ffprobe.KindImage {
		return "", services.Wrap(services.ErrAsset, "render", "validate asset", ref, probeErr)
	}

	r.logger.Info("asset failed validation; attempting repair",
		logging.String("asset", ref),
		logging.Error(probeErr),
	)
	repaired, repairErr := r.repair(ctx, local)
	if repairErr == nil {
		repairErr = r.validate(ctx, repaired, kind)
		if repairErr == nil {
			r.track(ctx, repaired, ref)
			return repaired, nil
		}
		_ = os.Remove(repaired)
	}
	logging.WarnWithContext(r.logger, "asset repair failed", "asset_invalid",
		logging.String("asset", ref),
		logging.Error(repairErr),
		logging.String(logging.FieldImpact, "render uses of this asset will fail"),
	)
	return "", services.Wrap(services.ErrAsset, "render", "validate asset", ref, probeErr)
}

func (r *Resolver) localize(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", services.Wrap(services.ErrAsset, "render", "resolve asset", "empty reference", nil)
	}
	if strings.HasPrefix(ref, "file://") {
		ref = strings.TrimPrefix(ref, "file://")
	}
	if !objectstore.IsRemote(ref) {
		info, err := os.Stat(ref)
		if err != nil || !info.Mode().IsRegular() {
			return "", services.Wrap(services.ErrAsset, "render", "resolve asset", "missing local file "+ref, err)
		}
		return ref, nil
	}

	target := filepath.Join(r.cacheDir, CacheName(ref))
	if fileutil.Exists(target) {
		return target, nil
	}
	if r.downloader == nil {
		return "", services.Wrap(services.ErrConfiguration, "render", "resolve asset", "no downloader for "+ref, nil)
	}
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return "", services.Wrap(services.ErrAsset, "render", "resolve asset", "create asset cache dir", err)
	}
	err := r.policy.DoNotify(ctx, func(ctx context.Context) error {
		return r.downloader.Download(ctx, ref, target)
	}, func(a retry.Attempt) {
		r.logger.Debug("asset download retry",
			logging.String("asset", ref),
			logging.Int("attempt", a.Number),
			logging.Error(a.Err),
		)
	})
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return "", services.Wrap(services.ErrAsset, "render", "download asset", ref, err)
		}
		return "", err
	}
	r.track(ctx, target, ref)
	return target, nil
}

// track queues a file the resolver created so a later cleanup pass can
// reclaim it once no render holds it.
func (r *Resolver) track(ctx context.Context, path, ref string) {
	if r.tracker == nil {
		return
	}
	_, err := r.tracker.Register(context.WithoutCancel(ctx), path, store.CleanupFile, 0,
		map[string]string{"source": ref})
	if err != nil {
		r.logger.Warn("asset cleanup registration failed",
			logging.String("path", path),
			logging.Error(err),
		)
	}
}

func (r *Resolver) validate(ctx context.Context, path string, kind ffprobe.StreamKind) error {
	result, err := ffprobe.Inspect(ctx, r.ffprobe, path)
	if err != nil {
		return err
	}
	return result.Check(kind)
}

// repair remuxes src with stream copy, which fixes truncated indexes and
// bad container timestamps.
func (r *Resolver) repair(ctx context.Context, src string) (string, error) {
	ext := filepath.Ext(src)
	dst := strings.TrimSuffix(src, ext) + ".repaired" + ext
	args := ffmpeg.BaseArgs()
	args = append(args, "-fflags", "+genpts+discardcorrupt", "-i", src, "-map", "0", "-c", "copy", dst)
	if _, err := ffmpeg.Run(ctx, ffmpeg.Command{Binary: r.ffmpeg, Args: args}); err != nil {
		return "", fmt.Errorf("stream-copy repair: %w", err)
	}
	if !fileutil.Exists(dst) {
		return "", fmt.Errorf("stream-copy repair produced no file")
	}
	return dst, nil
}

// CacheName is the on-disk name for a remote reference: the hex SHA-256 of
// the normalized URL plus the URL path's extension.
func CacheName(ref string) string {
	normalized := NormalizeURL(ref)
	sum := sha256.Sum256([]byte(normalized))
	name := hex.EncodeToString(sum[:])
	if u, err := url.Parse(normalized); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 6 {
			name += ext
		}
	}
	return name
}

// NormalizeURL lowercases the scheme and host and drops fragments so
// equivalent references share one cache file.
func NormalizeURL(ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
