// Package flythrough renders the neighborhood map clip for a listing.
package flythrough

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"montage/internal/config"
	"montage/internal/fileutil"
	"montage/internal/logging"
	"montage/internal/media/ffmpeg"
	"montage/internal/services"
	"montage/internal/store"
)

// Renderer produces a map flythrough clip at outputPath.
type Renderer interface {
	Render(ctx context.Context, jobID string, coords store.Coordinates, outputPath string) error
}

// Fetcher downloads a remote clip.
type Fetcher interface {
	Download(ctx context.Context, ref, localPath string) error
}

// New returns the HTTP renderer when flythrough.endpoint is set and the
// coordinate card renderer otherwise.
func New(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) Renderer {
	if cfg.Flythrough.Endpoint != "" {
		return NewHTTPRenderer(cfg, fetcher, logger)
	}
	return NewCardRenderer(cfg, logger)
}

// ValidateCoordinates rejects out-of-range coordinates.
func ValidateCoordinates(c store.Coordinates) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return services.Wrap(services.ErrValidation, "map", "validate coordinates",
			fmt.Sprintf("coordinates %.6f,%.6f out of range", c.Lat, c.Lng), nil)
	}
	return nil
}

// HTTPRenderer asks a remote flythrough service for the clip.
type HTTPRenderer struct {
	endpoint string
	apiKey   string
	seconds  float64
	client   *http.Client
	fetcher  Fetcher
	logger   *slog.Logger
}

// NewHTTPRenderer builds a renderer for flythrough.endpoint.
func NewHTTPRenderer(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) *HTTPRenderer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPRenderer{
		endpoint: strings.TrimRight(cfg.Flythrough.Endpoint, "/"),
		apiKey:   cfg.Flythrough.APIKey,
		seconds:  cfg.Flythrough.Seconds,
		client:   &http.Client{Timeout: time.Duration(cfg.Flythrough.TimeoutSeconds) * time.Second},
		fetcher:  fetcher,
		logger:   logging.NewComponentLogger(logger, "flythrough"),
	}
}

type renderRequest struct {
	JobID   string  `json:"job_id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Seconds float64 `json:"seconds"`
}

type renderResponse struct {
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// Render implements Renderer.
func (r *HTTPRenderer) Render(ctx context.Context, jobID string, coords store.Coordinates, outputPath string) error {
	if err := ValidateCoordinates(coords); err != nil {
		return err
	}
	payload, err := json.Marshal(renderRequest{JobID: jobID, Lat: coords.Lat, Lng: coords.Lng, Seconds: r.seconds})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/flythrough", bytes.NewReader(payload))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "map", "build request", r.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrTransient, "map", "request flythrough", jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return services.Wrap(services.ErrTransient, "map", "request flythrough", msg, nil)
		}
		return services.Wrap(services.ErrUpstream, "map", "request flythrough", msg, nil)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "video/") {
		if _, _, err := fileutil.WriteAtomic(outputPath, resp.Body); err != nil {
			return services.Wrap(services.ErrTransient, "map", "write clip", outputPath, err)
		}
		return nil
	}
	var decoded renderResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return services.Wrap(services.ErrUpstream, "map", "decode response", jobID, err)
	}
	if decoded.VideoURL == "" {
		return services.Wrap(services.ErrUpstream, "map", "decode response", "no video_url: "+decoded.Error, nil)
	}
	if r.fetcher == nil {
		return services.Wrap(services.ErrConfiguration, "map", "fetch clip", "no fetcher configured", nil)
	}
	return r.fetcher.Download(ctx, decoded.VideoURL, outputPath)
}

// CardRenderer draws the coordinates on a plain color card. It stands in
// for the flythrough service in offline deployments.
type CardRenderer struct {
	binary  string
	seconds float64
	timeout time.Duration
	logger  *slog.Logger
}

// NewCardRenderer builds the offline renderer.
func NewCardRenderer(cfg *config.Config, logger *slog.Logger) *CardRenderer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CardRenderer{
		binary:  cfg.FFmpegBinary(),
		seconds: cfg.Flythrough.Seconds,
		timeout: time.Duration(cfg.Flythrough.TimeoutSeconds) * time.Second,
		logger:  logging.NewComponentLogger(logger, "flythrough-card"),
	}
}

// Render implements Renderer.
func (r *CardRenderer) Render(ctx context.Context, jobID string, coords store.Coordinates, outputPath string) error {
	if err := ValidateCoordinates(coords); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return services.Wrap(services.ErrAsset, "map", "card", "create output dir", err)
	}
	seconds := strconv.FormatFloat(r.seconds, 'f', 3, 64)
	args := ffmpeg.BaseArgs()
	args = append(args,
		"-f", "lavfi", "-i", "color=c=0x1d3557:s=1080x1920:r=30:d="+seconds,
		"-vf", CardFilter(coords),
		"-t", seconds, "-an",
		"-c:v", ffmpeg.SoftwareEncoder, "-preset", "veryfast", "-pix_fmt", "yuv420p")
	args = append(args, ffmpeg.OutputArgs()...)
	args = append(args, outputPath)
	_, err := ffmpeg.Run(ctx, ffmpeg.Command{
		Binary:  r.binary,
		Args:    args,
		Total:   time.Duration(r.seconds * float64(time.Second)),
		Timeout: r.timeout,
	})
	if err != nil {
		return fmt.Errorf("map card for job %s: %w", jobID, err)
	}
	r.logger.Debug("map card rendered", logging.String(logging.FieldJobID, jobID))
	return nil
}

// CardFilter draws the coordinate label centered on the card.
func CardFilter(c store.Coordinates) string {
	label := FormatCoordinates(c)
	// drawtext treats ':' and '\'' specially inside text.
	label = strings.ReplaceAll(label, ":", `\:`)
	return "drawtext=text='" + label + "':fontcolor=white:fontsize=64:x=(w-text_w)/2:y=(h-text_h)/2," +
		"drawbox=x=(iw/2-6):y=(ih/2+80):w=12:h=12:color=white@0.9:t=fill,format=yuv420p"
}

// FormatCoordinates renders c as degrees with hemisphere letters.
func FormatCoordinates(c store.Coordinates) string {
	ns, ew := "N", "E"
	lat, lng := c.Lat, c.Lng
	if lat < 0 {
		ns, lat = "S", -lat
	}
	if lng < 0 {
		ew, lng = "W", -lng
	}
	return fmt.Sprintf("%.4f° %s  %.4f° %s", lat, ns, lng, ew)
}
