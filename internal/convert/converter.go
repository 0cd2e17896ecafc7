package convert

import (
	"context"
	"log/slog"

	"montage/internal/config"
)

// Request describes one photo conversion.
type Request struct {
	PhotoID string
	// ImageURL is a local path or a remote reference to the source image.
	ImageURL   string
	OutputPath string
	Seconds    float64
}

// Converter produces a video segment for one photo and returns its path.
type Converter interface {
	Convert(ctx context.Context, req Request) (string, error)
}

// New returns the HTTP converter when conversion.endpoint is set and the
// still converter otherwise.
func New(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) Converter {
	if cfg.Conversion.Endpoint != "" {
		return NewHTTPConverter(cfg, fetcher, logger)
	}
	return NewStillConverter(cfg, logger)
}
