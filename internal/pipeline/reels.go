package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"montage/internal/assetcache"
	"montage/internal/logging"
	"montage/internal/render"
	"montage/internal/retry"
	"montage/internal/services"
	"montage/internal/store"
	"montage/internal/templates"
)

// mapClip renders the flythrough once when coordinates are present and a
// requested template uses the map slot. It returns the clip path or the
// failure that map templates should report.
func (p *Pipeline) mapClip(ctx context.Context, r *run, coords *store.Coordinates, keys []string) (string, error) {
	needed := false
	for _, k := range keys {
		if def, err := p.deps.Catalog.Get(k); err == nil && def.RequiresMap() {
			needed = true
			break
		}
	}
	if !needed || coords == nil {
		return "", nil
	}
	ctx = services.WithStage(ctx, StageMap)
	p.progress(ctx, r, StageMap, runwayEnd, "Rendering map flythrough")
	if p.deps.Flythrough == nil {
		return "", services.Wrap(services.ErrConfiguration, StageMap, "render map", "no flythrough renderer configured", nil)
	}

	settings := map[string]any{
		"lat":      coords.Lat,
		"lng":      coords.Lng,
		"seconds":  p.cfg.Flythrough.Seconds,
		"endpoint": p.cfg.Flythrough.Endpoint,
	}
	asset, hit, err := p.deps.Cache.GetOrProduce(ctx, assetcache.Request{Type: assetcache.TypeMapClip, Settings: settings, Ext: ".mp4"},
		func(ctx context.Context, out string) error {
			return p.policy.Do(ctx, func(ctx context.Context) error {
				return p.deps.Flythrough.Render(ctx, r.job.ID, *coords, out)
			})
		})
	if err != nil {
		err = services.Wrap(services.ErrUpstream, StageMap, "render map", "map flythrough failed", err)
		r.mu.Lock()
		r.job.Metadata.MapError = err.Error()
		r.mu.Unlock()
		logging.WarnWithContext(r.log(ctx), "map flythrough failed", "map_failed",
			logging.String(logging.FieldImpact, "map templates will fail"),
			logging.Error(err),
		)
		p.progress(ctx, r, StageMap, mapEnd, "Map flythrough failed")
		return "", err
	}
	r.mu.Lock()
	r.job.Metadata.MapClip = asset.ArtifactPath
	r.mu.Unlock()
	r.log(ctx).Info("map clip ready", logging.Bool("cached", hit))
	p.progress(ctx, r, StageMap, mapEnd, "Map flythrough ready")
	return asset.ArtifactPath, nil
}

// renderTemplates processes keys in batches of pipeline.template_batch_size.
// Every template yields a result; the returned error is only set when job
// state could not be persisted between batches.
func (p *Pipeline) renderTemplates(ctx context.Context, r *run, keys []string, segments []segment, mapClip string, mapErr error, watermark string) (map[string]store.TemplateResult, error) {
	results := make(map[string]store.TemplateResult, len(keys))
	batchSize := max(p.cfg.Pipeline.TemplateBatchSize, 1)
	completed := 0
	ctx = services.WithStage(ctx, StageTemplate)
	p.progress(ctx, r, StageTemplate, mapEnd, fmt.Sprintf("Rendering %d templates", len(keys)))

	for start := 0; start < len(keys); start += batchSize {
		batch := keys[start:min(start+batchSize, len(keys))]
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, key := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := p.renderTemplate(services.WithTemplate(ctx, key), r, key, segments, mapClip, mapErr, watermark)
				mu.Lock()
				results[key] = res
				completed++
				done := completed
				mu.Unlock()
				p.progress(ctx, r, StageTemplate, mapEnd+(templateEnd-mapEnd)*float64(done)/float64(len(keys)),
					fmt.Sprintf("Rendered %d of %d templates", done, len(keys)))
			}()
		}
		wg.Wait()

		r.mu.Lock()
		r.job.Metadata.Templates = mergeResults(r.job.Metadata.Templates, results, keys)
		r.mu.Unlock()
		if err := p.persist(ctx, r); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (p *Pipeline) renderTemplate(ctx context.Context, r *run, key string, segments []segment, mapClip string, mapErr error, watermark string) store.TemplateResult {
	start := time.Now()
	logger := r.log(ctx)
	result := store.TemplateResult{Template: key}

	url, cached, err := p.produceReel(ctx, r, key, segments, mapClip, mapErr, watermark)
	result.DurationSeconds = time.Since(start).Seconds()
	result.CompletedAt = time.Now().UTC()
	if err != nil {
		result.Status = store.ResultFailed
		result.Error = err.Error()
		result.ErrorKind = services.Kind(err)
		logging.WarnWithContext(logger, "template failed", "template_failed",
			logging.String(logging.FieldErrorKind, result.ErrorKind),
			logging.String(logging.FieldImpact, "template omitted from job outputs"),
			logging.Error(err),
		)
		return result
	}
	result.Status = store.ResultSuccess
	result.OutputURL = url
	result.Cached = cached
	logger.Info("template delivered",
		logging.String("output_url", url),
		logging.Bool("cached", cached),
		logging.Float64("seconds", result.DurationSeconds),
		logging.String(logging.FieldEventType, "template_delivered"),
	)
	return result
}

// produceReel composes, renders (through the template_render cache), and
// uploads one template.
func (p *Pipeline) produceReel(ctx context.Context, r *run, key string, segments []segment, mapClip string, mapErr error, watermark string) (string, bool, error) {
	def, err := p.deps.Catalog.Get(key)
	if err != nil {
		return "", false, err
	}
	if def.RequiresMap() && mapErr != nil {
		return "", false, services.Wrap(services.ErrUpstream, StageTemplate, "compose",
			fmt.Sprintf("template %q needs the map flythrough", key), mapErr)
	}
	paths := make([]string, len(segments))
	hashes := make(map[string]string, len(segments))
	for i, seg := range segments {
		paths[i] = seg.Path
		hashes[seg.Path] = seg.Hash
	}
	comp, err := def.Compose(paths, mapClip)
	if err != nil {
		return "", false, err
	}

	clipHashes := make([]string, len(comp.Clips))
	for i, clip := range comp.Clips {
		if clip.IsMap {
			clipHashes[i] = "map:" + mapClip
			continue
		}
		clipHashes[i] = hashes[clip.Path]
	}
	settings := map[string]any{
		"template":   def,
		"clips":      clipHashes,
		"durations":  comp.Durations,
		"watermark":  watermark,
		"encoder":    p.cfg.Encoding.Encoder,
		"crf":        p.cfg.Encoding.CRF,
		"hw_setting": p.cfg.Encoding.Hardware,
	}
	asset, cached, err := p.deps.Cache.GetOrProduce(ctx,
		assetcache.Request{Type: assetcache.TypeTemplateRender, Settings: settings, Ext: ".mp4"},
		func(ctx context.Context, out string) error {
			_, err := p.deps.Renderer.Render(ctx, render.Request{
				JobID:      r.job.ID,
				Template:   def,
				Clips:      comp.Clips,
				Watermark:  watermark,
				OutputPath: out,
			})
			return err
		})
	if err != nil {
		return "", false, err
	}

	url, err := p.upload(ctx, r, def, asset.ArtifactPath)
	if err != nil {
		return "", cached, err
	}
	return url, cached, nil
}

func (p *Pipeline) upload(ctx context.Context, r *run, def *templates.Definition, artifact string) (string, error) {
	objectKey := path.Join("jobs", r.job.ID, def.Key+".mp4")
	var url string
	err := p.policy.DoNotify(ctx, func(ctx context.Context) error {
		f, err := os.Open(artifact)
		if err != nil {
			return services.Wrap(services.ErrAsset, StageUpload, "open render", artifact, err)
		}
		defer f.Close()
		url, err = p.deps.Uploader.Upload(ctx, f, objectKey)
		return err
	}, func(a retry.Attempt) {
		r.log(ctx).Info("upload retry",
			logging.Int("attempt", a.Number),
			logging.Error(a.Err),
		)
	})
	if err != nil {
		return "", err
	}
	return url, nil
}
