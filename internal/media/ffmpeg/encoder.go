package ffmpeg

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"montage/internal/config"
	"montage/internal/logging"
)

// SoftwareEncoder is the fallback H.264 encoder.
const SoftwareEncoder = "libx264"

// Encoder is the chosen video encoder and the arguments it needs.
type Encoder struct {
	Name     string
	Hardware bool
	// InputArgs go before the first -i (device setup).
	InputArgs []string
	// FilterSuffix is appended to the final video chain (hwupload).
	FilterSuffix string
	// CodecArgs follow -c:v Name.
	CodecArgs []string
}

// Args renders the video codec arguments.
func (e Encoder) Args() []string {
	args := []string{"-c:v", e.Name}
	return append(args, e.CodecArgs...)
}

// ProbeFunc runs a short test encode with enc and reports success.
type ProbeFunc func(ctx context.Context, binary string, enc Encoder) bool

// Selector picks an encoder once and caches the decision.
type Selector struct {
	binary   string
	mode     string
	explicit string
	crf      int
	preset   string
	goos     string
	probe    ProbeFunc
	logger   *slog.Logger

	once   sync.Once
	chosen Encoder
}

// NewSelector builds a selector from the encoding section.
func NewSelector(cfg *config.Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Selector{
		binary:   cfg.FFmpegBinary(),
		mode:     strings.ToLower(cfg.Encoding.Hardware),
		explicit: strings.TrimSpace(cfg.Encoding.Encoder),
		crf:      cfg.Encoding.CRF,
		preset:   cfg.Encoding.Preset,
		goos:     runtime.GOOS,
		probe:    testEncode,
		logger:   logging.NewComponentLogger(logger, "encoder-probe"),
	}
}

// WithProbe replaces the test-encode probe. It must be called before Select.
func (s *Selector) WithProbe(probe ProbeFunc) *Selector {
	s.probe = probe
	return s
}

// WithPlatform overrides the detected GOOS. It must be called before Select.
func (s *Selector) WithPlatform(goos string) *Selector {
	s.goos = goos
	return s
}

// Select returns the cached encoder decision, probing on first use.
func (s *Selector) Select(ctx context.Context) Encoder {
	s.once.Do(func() {
		s.chosen = s.decide(ctx)
		s.logger.Info("video encoder selected",
			logging.String("encoder", s.chosen.Name),
			logging.Bool("hardware", s.chosen.Hardware),
			logging.String(logging.FieldEventType, "encoder_selected"),
		)
	})
	return s.chosen
}

// Software returns the libx264 encoder with the configured quality.
func (s *Selector) Software() Encoder {
	return s.softwareEncoder()
}

func (s *Selector) decide(ctx context.Context) Encoder {
	software := s.softwareEncoder()
	if s.explicit != "" {
		if s.explicit == SoftwareEncoder {
			return software
		}
		enc := s.hardwareEncoder(s.explicit)
		enc.Name = s.explicit
		return enc
	}
	if s.mode == "none" {
		return software
	}
	for _, name := range s.candidates() {
		enc := s.hardwareEncoder(name)
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		ok := s.probe(probeCtx, s.binary, enc)
		cancel()
		if ok {
			return enc
		}
		s.logger.Debug("hardware encoder unavailable", logging.String("encoder", name))
	}
	return software
}

func (s *Selector) candidates() []string {
	var all []string
	switch s.goos {
	case "darwin":
		all = []string{"h264_videotoolbox"}
	case "linux":
		all = []string{"h264_nvenc", "h264_qsv", "h264_vaapi"}
	case "windows":
		all = []string{"h264_nvenc", "h264_qsv"}
	}
	if s.mode == "" || s.mode == "auto" {
		return all
	}
	want := "h264_" + s.mode
	for _, name := range all {
		if name == want {
			return []string{name}
		}
	}
	return nil
}

func (s *Selector) softwareEncoder() Encoder {
	preset := s.preset
	if preset == "" {
		preset = "medium"
	}
	return Encoder{
		Name:      SoftwareEncoder,
		CodecArgs: []string{"-preset", preset, "-crf", strconv.Itoa(s.crf), "-pix_fmt", "yuv420p", "-profile:v", "high"},
	}
}

func (s *Selector) hardwareEncoder(name string) Encoder {
	quality := strconv.Itoa(s.crf)
	enc := Encoder{Name: name, Hardware: true}
	switch {
	case strings.HasSuffix(name, "_videotoolbox"):
		enc.CodecArgs = []string{"-q:v", strconv.Itoa(max(1, 100-2*s.crf)), "-allow_sw", "1", "-pix_fmt", "yuv420p"}
	case strings.HasSuffix(name, "_nvenc"):
		enc.CodecArgs = []string{"-preset", "p5", "-rc", "vbr", "-cq", quality, "-pix_fmt", "yuv420p"}
	case strings.HasSuffix(name, "_qsv"):
		enc.CodecArgs = []string{"-global_quality", quality, "-pix_fmt", "nv12"}
	case strings.HasSuffix(name, "_vaapi"):
		enc.InputArgs = []string{"-init_hw_device", "vaapi=va:" + renderDevice(), "-filter_hw_device", "va"}
		enc.FilterSuffix = "format=nv12,hwupload"
		enc.CodecArgs = []string{"-qp", quality}
	}
	return enc
}

func renderDevice() string {
	matches, _ := filepath.Glob("/dev/dri/renderD*")
	for _, m := range matches {
		if _, err := os.Stat(m); err == nil {
			return m
		}
	}
	return "/dev/dri/renderD128"
}

// testEncode runs a tenth of a second of lavfi color through enc.
func testEncode(ctx context.Context, binary string, enc Encoder) bool {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	args = append(args, enc.InputArgs...)
	args = append(args, "-f", "lavfi", "-i", "color=black:s=256x256:d=0.1")
	if enc.FilterSuffix != "" {
		args = append(args, "-vf", enc.FilterSuffix)
	}
	args = append(args, enc.Args()...)
	args = append(args, "-f", "null", "-")
	cmd := exec.CommandContext(ctx, binary, args...)
	return cmd.Run() == nil
}
