package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// StreamKind is an ffprobe codec_type.
type StreamKind string

const (
	KindVideo StreamKind = "video"
	KindAudio StreamKind = "audio"
	// KindImage accepts a single-frame video stream without a duration.
	KindImage StreamKind = "image"
)

// ErrInvalidMedia marks a probe that succeeded but failed a media check.
var ErrInvalidMedia = errors.New("invalid media")

// Result holds the subset of `ffprobe -show_format -show_streams` output
// montage reads.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

type Format struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

type Stream struct {
	CodecType string `json:"codec_type"`
	Duration  string `json:"duration"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Inspect runs binary (ffprobe when empty) on path. A failed run reports
// ffprobe's stderr.
func Inspect(ctx context.Context, binary, path string) (Result, error) {
	if path = strings.TrimSpace(path); path == "" {
		return Result{}, errors.New("ffprobe: empty path")
	}
	if binary = strings.TrimSpace(binary); binary == "" {
		binary = "ffprobe"
	}
	out, err := exec.CommandContext(ctx, binary,
		"-v", "error", "-hide_banner", "-of", "json", "-show_format", "-show_streams", "--", path,
	).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, bytes.TrimSpace(exitErr.Stderr))
	}
	if err != nil {
		return Result{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return Parse(out)
}

// Parse decodes ffprobe -of json output.
func Parse(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// StreamCount returns the number of streams of kind.
func (r Result) StreamCount(kind StreamKind) int {
	if kind == KindImage {
		kind = KindVideo
	}
	count := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, string(kind)) {
			count++
		}
	}
	return count
}

// HasAudio reports whether any audio stream is present.
func (r Result) HasAudio() bool {
	return r.StreamCount(KindAudio) > 0
}

// DurationSeconds returns the container duration, falling back to the
// longest stream duration. It returns 0 when neither is usable.
func (r Result) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d > 0 {
		return d
	}
	longest := 0.0
	for _, stream := range r.Streams {
		if d := parseFloat(stream.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if size <= 0 {
		return 0
	}
	return int64(size)
}

// Check verifies that the expected stream kind is present and, except for
// images, that the duration is positive.
func (r Result) Check(kind StreamKind) error {
	if r.StreamCount(kind) == 0 {
		return fmt.Errorf("%w: no %s stream", ErrInvalidMedia, kind)
	}
	if kind == KindImage {
		return nil
	}
	if r.DurationSeconds() <= 0 {
		return fmt.Errorf("%w: duration is not positive", ErrInvalidMedia)
	}
	return nil
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || cleaned == "N/A" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}
	return parsed
}
