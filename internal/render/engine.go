package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/media/assets"
	"montage/internal/media/encodequeue"
	"montage/internal/media/ffmpeg"
	"montage/internal/media/ffprobe"
	"montage/internal/media/filtergraph"
	"montage/internal/services"
	"montage/internal/templates"
)

// Observer receives encode outcomes. class is empty on success.
type Observer interface {
	EncodeFinished(template string, elapsed time.Duration, class services.EncodeClass)
}

// Request is one template render.
type Request struct {
	JobID      string
	Template   *templates.Definition
	Clips      []templates.Clip
	Watermark  string
	OutputPath string
	// OnProgress receives encode percentages (0-100).
	OnProgress func(percent float64)
}

// Engine renders compositions.
type Engine struct {
	resolver *assets.Resolver
	selector *ffmpeg.Selector
	queue    *encodequeue.Queue
	ffmpeg   string
	ffprobe  string
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver records encode outcomes.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New builds an engine sharing queue with every other engine in the process.
func New(cfg *config.Config, resolver *assets.Resolver, selector *ffmpeg.Selector, queue *encodequeue.Queue, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Engine{
		resolver: resolver,
		selector: selector,
		queue:    queue,
		ffmpeg:   cfg.FFmpegBinary(),
		ffprobe:  cfg.FFprobeBinary(),
		timeout:  cfg.EncodeTimeout(),
		logger:   logging.NewComponentLogger(logger, "render"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type inputs struct {
	clips     []templates.Clip
	music     string
	watermark string
}

// Render encodes req and returns the output path.
func (e *Engine) Render(ctx context.Context, req Request) (string, error) {
	if req.Template == nil {
		return "", services.Wrap(services.ErrValidation, "render", "render", "template is required", nil)
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return "", services.Wrap(services.ErrValidation, "render", "render", "output path is required", nil)
	}
	logger := e.logger.With(
		logging.String(logging.FieldJobID, req.JobID),
		logging.String(logging.FieldTemplate, req.Template.Key),
	)

	in, release, err := e.resolve(ctx, req)
	defer release()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return "", services.Wrap(services.ErrAsset, "render", "render", "create output dir", err)
	}

	enc := e.selector.Select(ctx)
	partial, err := e.encode(ctx, logger, req, in, enc)
	var encErr *services.EncodeError
	if err != nil && enc.Hardware && errors.As(err, &encErr) && encErr.Class != services.EncodeClassTimeout {
		logging.WarnWithContext(logger, "hardware encode failed; retrying with software encoder", "encode_fallback",
			logging.String("encoder", enc.Name),
			logging.String(logging.FieldErrorKind, string(encErr.Class)),
			logging.String(logging.FieldImpact, "render continues on libx264"),
		)
		partial, err = e.encode(ctx, logger, req, in, e.selector.Software())
	}
	if err != nil {
		return "", err
	}

	if err := e.validateOutput(ctx, partial); err != nil {
		_ = os.Remove(partial)
		return "", err
	}
	if err := os.Rename(partial, req.OutputPath); err != nil {
		_ = os.Remove(partial)
		return "", services.Wrap(services.ErrAsset, "render", "finalize output", req.OutputPath, err)
	}
	return req.OutputPath, nil
}

// resolve localizes every input. Each reference and resolved path stays
// pinned against cleanup until release runs.
func (e *Engine) resolve(ctx context.Context, req Request) (inputs, func(), error) {
	var unpins []func()
	release := func() {
		for _, unpin := range unpins {
			unpin()
		}
	}
	get := func(ref string, kind ffprobe.StreamKind) (string, error) {
		unpins = append(unpins, e.resolver.Pin(ref))
		path, err := e.resolver.Resolve(ctx, ref, kind)
		if err != nil {
			return "", err
		}
		if path != ref {
			unpins = append(unpins, e.resolver.Pin(path))
		}
		return path, nil
	}

	var in inputs
	for i, clip := range req.Clips {
		path, err := get(clip.Path, ffprobe.KindVideo)
		if err != nil {
			return inputs{}, release, fmt.Errorf("clip %d: %w", i, err)
		}
		clip.Path = path
		in.clips = append(in.clips, clip)
	}
	if music := strings.TrimSpace(req.Template.Music); music != "" {
		path, err := get(music, ffprobe.KindAudio)
		if err != nil {
			return inputs{}, release, fmt.Errorf("music: %w", err)
		}
		in.music = path
	}
	watermark := strings.TrimSpace(req.Watermark)
	if watermark == "" {
		watermark = strings.TrimSpace(req.Template.Watermark)
	}
	if watermark != "" {
		path, err := get(watermark, ffprobe.KindImage)
		if err != nil {
			return inputs{}, release, fmt.Errorf("watermark: %w", err)
		}
		in.watermark = path
	}
	return in, release, nil
}

func (e *Engine) encode(ctx context.Context, logger *slog.Logger, req Request, in inputs, enc ffmpeg.Encoder) (string, error) {
	graph, err := filtergraph.Build(in.clips, graphOptions(req.Template, in, enc))
	if err != nil {
		return "", err
	}
	partial := partialPath(req.OutputPath)
	args := BuildArgs(in, enc, graph, partial)

	sampler := logging.NewProgressSampler(10)
	total := time.Duration(graph.Duration * float64(time.Second))
	start := time.Now()
	var result ffmpeg.Result
	err = e.queue.Submit(ctx, func(ctx context.Context) error {
		logger.Info("encode started",
			logging.String("encoder", enc.Name),
			logging.Int("clips", len(in.clips)),
			logging.Float64("duration_seconds", graph.Duration),
			logging.String(logging.FieldEventType, "encode_started"),
		)
		var runErr error
		result, runErr = ffmpeg.Run(ctx, ffmpeg.Command{
			Binary:  e.ffmpeg,
			Args:    args,
			Total:   total,
			Timeout: e.timeout,
			OnProgress: func(p ffmpeg.Progress) {
				if sampler.ShouldLog(p.Percent, "encode") {
					logger.Info("encode progress",
						logging.Float64("percent", p.Percent),
						logging.String("speed", p.Speed),
					)
				}
				if req.OnProgress != nil {
					req.OnProgress(p.Percent)
				}
			},
		})
		return runErr
	})

	class := services.EncodeClass("")
	var encErr *services.EncodeError
	if errors.As(err, &encErr) {
		class = encErr.Class
	}
	if e.observer != nil && (err == nil || class != "") {
		e.observer.EncodeFinished(req.Template.Key, time.Since(start), class)
	}
	if err != nil {
		_ = os.Remove(partial)
		if class != "" {
			logging.ErrorWithContext(logger, "encode failed", "encode_failed",
				logging.String(logging.FieldErrorKind, string(class)),
				logging.String(logging.FieldErrorHint, class.Hint()),
				logging.String("encoder", enc.Name),
				logging.Error(err),
			)
		}
		return "", err
	}
	logger.Info("encode finished",
		logging.Duration("elapsed", result.Elapsed),
		logging.String(logging.FieldEventType, "encode_finished"),
	)
	return partial, nil
}

func graphOptions(def *templates.Definition, in inputs, enc ffmpeg.Encoder) filtergraph.Options {
	opts := filtergraph.Options{
		Width:             def.Width,
		Height:            def.Height,
		FPS:               def.FPS,
		Simplified:        def.Simplified,
		MusicInput:        -1,
		MusicFadeSeconds:  def.MusicFadeSeconds,
		WatermarkInput:    -1,
		WatermarkPosition: def.WatermarkPosition,
		VideoSuffix:       enc.FilterSuffix,
	}
	for _, c := range in.clips {
		if c.IsMap {
			opts.Simplified = true
		}
	}
	next := len(in.clips)
	if in.music != "" {
		opts.MusicInput = next
		next++
	}
	if in.watermark != "" {
		opts.WatermarkInput = next
	}
	return opts
}

// BuildArgs assembles the ffmpeg argument list for one render.
func BuildArgs(in inputs, enc ffmpeg.Encoder, graph filtergraph.Graph, output string) []string {
	args := ffmpeg.BaseArgs()
	args = append(args, enc.InputArgs...)
	for _, c := range in.clips {
		args = append(args, "-i", c.Path)
	}
	if in.music != "" {
		args = append(args, "-i", in.music)
	}
	if in.watermark != "" {
		args = append(args, "-i", in.watermark)
	}
	args = append(args, "-filter_complex", graph.Filter, "-map", "["+filtergraph.VideoLabel+"]")
	if graph.HasAudio {
		args = append(args, "-map", "["+filtergraph.AudioLabel+"]")
	}
	args = append(args, enc.Args()...)
	if graph.HasAudio {
		args = append(args, ffmpeg.AudioArgs()...)
	} else {
		args = append(args, "-an")
	}
	args = append(args, "-t", strconv.FormatFloat(graph.Duration, 'f', 3, 64))
	args = append(args, ffmpeg.OutputArgs()...)
	return append(args, output)
}

func (e *Engine) validateOutput(ctx context.Context, path string) error {
	result, err := ffprobe.Inspect(ctx, e.ffprobe, path)
	if err == nil {
		err = result.Check(ffprobe.KindVideo)
	}
	if err != nil {
		return services.Wrap(services.ErrEncode, "render", "validate output", path, err)
	}
	return nil
}

func partialPath(output string) string {
	ext := filepath.Ext(output)
	if ext == "" {
		ext = ".mp4"
	}
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".partial" + ext
}
