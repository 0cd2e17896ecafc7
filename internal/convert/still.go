package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/media/ffmpeg"
	"montage/internal/services"
)

// Still clip geometry matches the default template canvas.
const (
	stillWidth  = 1080
	stillHeight = 1920
	stillFPS    = 30
	stillZoom   = 1.25
)

// StillConverter renders a slow Ken Burns push-in over the photo.
type StillConverter struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewStillConverter builds the offline converter.
func NewStillConverter(cfg *config.Config, logger *slog.Logger) *StillConverter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StillConverter{
		binary:  cfg.FFmpegBinary(),
		timeout: time.Duration(cfg.Conversion.TimeoutSeconds) * time.Second,
		logger:  logging.NewComponentLogger(logger, "still-converter"),
	}
}

// Convert implements Converter.
func (s *StillConverter) Convert(ctx context.Context, req Request) (string, error) {
	source := strings.TrimPrefix(req.ImageURL, "file://")
	if _, err := os.Stat(source); err != nil {
		return "", services.Wrap(services.ErrAsset, "convert", "open photo", source, err)
	}
	if req.Seconds <= 0 {
		return "", services.Wrap(services.ErrValidation, "convert", "still clip", "seconds must be positive", nil)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return "", services.Wrap(services.ErrAsset, "convert", "still clip", "create output dir", err)
	}

	args := ffmpeg.BaseArgs()
	args = append(args, "-loop", "1", "-i", source, "-vf", ZoompanFilter(req.Seconds),
		"-t", strconv.FormatFloat(req.Seconds, 'f', 3, 64),
		"-an", "-c:v", ffmpeg.SoftwareEncoder, "-preset", "veryfast", "-crf", "20", "-pix_fmt", "yuv420p")
	args = append(args, ffmpeg.OutputArgs()...)
	args = append(args, req.OutputPath)

	result, err := ffmpeg.Run(ctx, ffmpeg.Command{
		Binary:  s.binary,
		Args:    args,
		Total:   time.Duration(req.Seconds * float64(time.Second)),
		Timeout: s.timeout,
	})
	if err != nil {
		return "", fmt.Errorf("still clip for photo %s: %w", req.PhotoID, err)
	}
	s.logger.Debug("still clip rendered",
		logging.String("photo_id", req.PhotoID),
		logging.Duration("elapsed", result.Elapsed),
	)
	return req.OutputPath, nil
}

// ZoompanFilter upscales the still for smooth motion and zooms toward the
// center over the clip.
func ZoompanFilter(seconds float64) string {
	frames := max(int(seconds*stillFPS), 1)
	step := (stillZoom - 1) / float64(frames)
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,"+
			"zoompan=z='min(zoom+%.5f,%.2f)':d=%d:x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':s=%dx%d:fps=%d,format=yuv420p",
		stillWidth*2, stillHeight*2, stillWidth*2, stillHeight*2,
		step, stillZoom, frames, stillWidth, stillHeight, stillFPS)
}
