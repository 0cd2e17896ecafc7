package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"montage/internal/assetcache"
	"montage/internal/convert"
	"montage/internal/fileutil"
	"montage/internal/logging"
	"montage/internal/retry"
	"montage/internal/services"
	"montage/internal/store"
)

// segment is one photo's converted clip.
type segment struct {
	PhotoID  string
	Position int
	Path     string
	Hash     string
}

// convertPhotos converts photos concurrently. It returns the segments that
// succeeded, in photo order, and the failures keyed by photo id. total sizes
// the runway progress band.
func (p *Pipeline) convertPhotos(ctx context.Context, r *run, photos []*store.Photo, total int) ([]segment, map[string]error) {
	var (
		mu       sync.Mutex
		segments []segment
		errs     = make(map[string]error)
		done     atomic.Int32
	)
	var g errgroup.Group
	g.SetLimit(max(p.cfg.Conversion.RequestConcurrency, 1))
	for _, photo := range photos {
		g.Go(func() error {
			seg, err := p.convertPhoto(ctx, r, photo)
			mu.Lock()
			if err != nil {
				errs[photo.ID] = err
			} else {
				segments = append(segments, seg)
			}
			mu.Unlock()
			n := done.Add(1)
			p.progress(ctx, r, StageRunway, runwayEnd*float64(n)/float64(max(total, 1)),
				fmt.Sprintf("Converted %d of %d photos", n, total))
			return nil
		})
	}
	_ = g.Wait()
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Position < segments[j].Position })
	return segments, errs
}

func (p *Pipeline) convertPhoto(ctx context.Context, r *run, photo *store.Photo) (segment, error) {
	logger := r.log(ctx).With(logging.String("photo_id", photo.ID))
	photo.Status = store.PhotoProcessing
	photo.ErrorMessage = ""
	p.savePhoto(ctx, r, photo)

	req := assetcache.Request{Type: assetcache.TypePhotoSegment, Settings: p.segmentSettings(photo), Ext: ".mp4"}
	asset, hit, err := p.deps.Cache.GetOrProduce(ctx, req, func(ctx context.Context, out string) error {
		return p.policy.DoNotify(ctx, func(ctx context.Context) error {
			source := photo.SourceURL
			if p.deps.Preparer != nil {
				prepared, err := p.deps.Preparer.Prepare(ctx, photo.ID, photo.SourceURL, r.path("photos"))
				if err != nil {
					return err
				}
				source = prepared
			}
			_, err := p.deps.Converter.Convert(ctx, convert.Request{
				PhotoID:    photo.ID,
				ImageURL:   source,
				OutputPath: out,
				Seconds:    p.cfg.Conversion.ClipSeconds,
			})
			return err
		}, func(a retry.Attempt) {
			logger.Info("photo conversion retry",
				logging.Int("attempt", a.Number),
				logging.Duration("delay", a.Delay),
				logging.Error(a.Err),
			)
		})
	})
	if err != nil {
		photo.Status = store.PhotoFailed
		photo.ErrorMessage = err.Error()
		p.savePhoto(ctx, r, photo)
		logging.WarnWithContext(logger, "photo conversion failed", "photo_failed",
			logging.String(logging.FieldErrorKind, services.Kind(err)),
			logging.String(logging.FieldImpact, "photo omitted from reels"),
			logging.Error(err),
		)
		return segment{}, err
	}

	photo.Status = store.PhotoCompleted
	photo.ProcessedPath = asset.ArtifactPath
	p.savePhoto(ctx, r, photo)
	logger.Debug("photo segment ready", logging.Bool("cached", hit))
	return segment{PhotoID: photo.ID, Position: photo.Position, Path: asset.ArtifactPath, Hash: asset.ContentHash}, nil
}

func (p *Pipeline) savePhoto(ctx context.Context, r *run, photo *store.Photo) {
	if err := p.deps.Store.UpdatePhoto(context.WithoutCancel(ctx), photo); err != nil {
		r.logger.Warn("photo update failed", logging.String("photo_id", photo.ID), logging.Error(err))
	}
}

// segmentSettings are the inputs that determine a photo segment.
func (p *Pipeline) segmentSettings(photo *store.Photo) map[string]any {
	converter := "still"
	if p.cfg.Conversion.Endpoint != "" {
		converter = p.cfg.Conversion.Endpoint
	}
	return map[string]any{
		"source":        photo.SourceURL,
		"seconds":       p.cfg.Conversion.ClipSeconds,
		"converter":     converter,
		"max_dimension": p.cfg.Conversion.MaxImageDimension,
	}
}

func (p *Pipeline) invalidateSegment(ctx context.Context, photo *store.Photo) error {
	key, err := assetcache.CacheKey(assetcache.TypePhotoSegment, p.segmentSettings(photo))
	if err != nil {
		return err
	}
	return p.deps.Cache.InvalidateKey(ctx, key)
}

// existingSegment reuses a photo's processed clip when it is still on disk.
func existingSegment(photo *store.Photo) (segment, bool) {
	if photo.Status != store.PhotoCompleted || photo.ProcessedPath == "" {
		return segment{}, false
	}
	hash, _, err := fileutil.HashFile(photo.ProcessedPath)
	if err != nil {
		return segment{}, false
	}
	return segment{PhotoID: photo.ID, Position: photo.Position, Path: photo.ProcessedPath, Hash: hash}, true
}

func sortPhotos(photos []*store.Photo) []*store.Photo {
	out := make([]*store.Photo, 0, len(photos))
	for _, photo := range photos {
		if photo != nil {
			out = append(out, photo)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
