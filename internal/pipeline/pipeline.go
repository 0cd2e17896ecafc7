package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"montage/internal/assetcache"
	"montage/internal/config"
	"montage/internal/convert"
	"montage/internal/flythrough"
	"montage/internal/logging"
	"montage/internal/render"
	"montage/internal/retry"
	"montage/internal/store"
	"montage/internal/templates"
)

// Progress stages persisted with the job.
const (
	StageRunway   = "runway"
	StageMap      = "map"
	StageTemplate = "template"
	StageUpload   = "upload"
)

// Progress bands per stage.
const (
	runwayEnd   = 40.0
	mapEnd      = 50.0
	templateEnd = 95.0
)

// NoTemplatesMessage is the job error when every template failed.
const NoTemplatesMessage = "no templates were successfully generated"

// JobStore is the persistence surface the pipeline needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	UpdateJob(ctx context.Context, job *store.Job) error
	UpdateProgress(ctx context.Context, id, stage string, percent float64, message string) error
	PhotosByJob(ctx context.Context, jobID string) ([]*store.Photo, error)
	UpdatePhoto(ctx context.Context, photo *store.Photo) error
}

// AssetCache is the derived-artifact cache.
type AssetCache interface {
	GetOrProduce(ctx context.Context, req assetcache.Request, produce assetcache.ProduceFunc) (*store.CachedAsset, bool, error)
	InvalidateKey(ctx context.Context, key string) error
}

// Renderer encodes one composition.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (string, error)
}

// Uploader publishes a finished reel and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, data io.Reader, key string) (string, error)
}

// PhotoPreparer localizes and normalizes a source photo.
type PhotoPreparer interface {
	Prepare(ctx context.Context, photoID, ref, dir string) (string, error)
}

// CleanupRegistrar schedules transient paths for reclamation.
type CleanupRegistrar interface {
	Register(ctx context.Context, path string, kind store.CleanupKind, priority int, metadata map[string]string) (*store.CleanupTask, error)
}

// Recorder counts finished jobs.
type Recorder interface {
	JobFinished(status string)
}

// Deps are the pipeline's collaborators. Cleanup and Recorder are optional.
type Deps struct {
	Store      JobStore
	Catalog    *templates.Catalog
	Cache      AssetCache
	Preparer   PhotoPreparer
	Converter  convert.Converter
	Flythrough flythrough.Renderer
	Renderer   Renderer
	Uploader   Uploader
	Cleanup    CleanupRegistrar
	Recorder   Recorder
}

// Pipeline runs jobs.
type Pipeline struct {
	cfg    *config.Config
	deps   Deps
	policy retry.Policy
	logger *slog.Logger
}

// Outcome summarizes a finished run.
type Outcome struct {
	Status    store.JobStatus
	Results   map[string]store.TemplateResult
	Primary   string
	OutputURL string
	Error     string
}

// New validates deps and builds a pipeline.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline requires a job store")
	case deps.Catalog == nil:
		return nil, errors.New("pipeline requires a template catalog")
	case deps.Cache == nil:
		return nil, errors.New("pipeline requires an asset cache")
	case deps.Converter == nil:
		return nil, errors.New("pipeline requires a converter")
	case deps.Renderer == nil:
		return nil, errors.New("pipeline requires a renderer")
	case deps.Uploader == nil:
		return nil, errors.New("pipeline requires an uploader")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		policy: retry.FromConfig(cfg),
		logger: logging.NewComponentLogger(logger, "pipeline"),
	}, nil
}

// Run dispatches a claimed job: jobs carrying regenerate photo ids go to
// Regenerate, everything else to Execute.
func (p *Pipeline) Run(ctx context.Context, job *store.Job) (*Outcome, error) {
	if job.IsRegeneration() {
		return p.Regenerate(ctx, job.ID, job.RegeneratePhotoIDs)
	}
	photos, err := p.deps.Store.PhotosByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, Input{
		JobID:       job.ID,
		Photos:      photos,
		Templates:   job.Templates,
		Coordinates: job.Coordinates,
		Watermark:   job.Watermark,
	})
}
