package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"montage/internal/config"
	"montage/internal/fileutil"
	"montage/internal/logging"
	"montage/internal/objectstore"
	"montage/internal/services"
)

const userAgent = "Montage/0.1"

// HTTPConverter posts photos to an image-to-video service. The service
// answers either with the clip bytes (video/*) or a JSON body naming a clip
// URL, which is then fetched.
type HTTPConverter struct {
	endpoint string
	apiKey   string
	client   *http.Client
	fetcher  Fetcher
	slots    chan struct{}
	logger   *slog.Logger
}

type convertResponse struct {
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

// NewHTTPConverter builds a converter for conversion.endpoint.
func NewHTTPConverter(cfg *config.Config, fetcher Fetcher, logger *slog.Logger) *HTTPConverter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPConverter{
		endpoint: strings.TrimRight(cfg.Conversion.Endpoint, "/"),
		apiKey:   cfg.Conversion.APIKey,
		client:   &http.Client{Timeout: time.Duration(cfg.Conversion.TimeoutSeconds) * time.Second},
		fetcher:  fetcher,
		slots:    make(chan struct{}, max(cfg.Conversion.RequestConcurrency, 1)),
		logger:   logging.NewComponentLogger(logger, "converter"),
	}
}

// Convert implements Converter.
func (c *HTTPConverter) Convert(ctx context.Context, req Request) (string, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("conversion wait: %w", ctx.Err())
	}
	defer func() { <-c.slots }()

	body, contentType, err := c.encode(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/convert", body)
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "convert", "build request", c.endpoint, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", services.Wrap(services.ErrTransient, "convert", "post photo", req.PhotoID, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, req.PhotoID); err != nil {
		return "", err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "video/") || mediaType == "application/octet-stream" {
		if _, _, err := fileutil.WriteAtomic(req.OutputPath, resp.Body); err != nil {
			return "", services.Wrap(services.ErrTransient, "convert", "write clip", req.OutputPath, err)
		}
	} else {
		var decoded convertResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
			return "", services.Wrap(services.ErrUpstream, "convert", "decode response", req.PhotoID, err)
		}
		if decoded.VideoURL == "" {
			return "", services.Wrap(services.ErrUpstream, "convert", "decode response",
				fmt.Sprintf("photo %s: no video_url (%s)", req.PhotoID, decoded.Error), nil)
		}
		if err := c.fetcher.Download(ctx, decoded.VideoURL, req.OutputPath); err != nil {
			return "", err
		}
	}
	c.logger.Debug("photo converted",
		logging.String("photo_id", req.PhotoID),
		logging.Duration("elapsed", time.Since(start)),
	)
	return req.OutputPath, nil
}

// encode sends local images as multipart uploads and remote ones by URL.
func (c *HTTPConverter) encode(req Request) (io.Reader, string, error) {
	seconds := strconv.FormatFloat(req.Seconds, 'f', -1, 64)
	source := strings.TrimPrefix(req.ImageURL, "file://")
	if objectstore.IsRemote(source) {
		payload, err := json.Marshal(map[string]any{
			"photo_id":  req.PhotoID,
			"image_url": source,
			"seconds":   req.Seconds,
		})
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(payload), "application/json", nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, "", services.Wrap(services.ErrAsset, "convert", "open photo", source, err)
	}
	defer f.Close()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("photo_id", req.PhotoID)
	_ = w.WriteField("seconds", seconds)
	part, err := w.CreateFormFile("image", filepath.Base(source))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", services.Wrap(services.ErrAsset, "convert", "read photo", source, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func statusError(resp *http.Response, photoID string) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("photo %s: status %d: %s", photoID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return services.Wrap(services.ErrTransient, "convert", "post photo", msg, nil)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return services.Wrap(services.ErrValidation, "convert", "post photo", msg, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, "convert", "post photo", msg, nil)
	default:
		return services.Wrap(services.ErrUpstream, "convert", "post photo", msg, nil)
	}
}
