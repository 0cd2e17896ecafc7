package ffmpeg

import (
	"context"
	"sync/atomic"
	"testing"

	"montage/internal/config"
	"montage/internal/testsupport"
)

func TestSelectorFallsBackToSoftware(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	var probes atomic.Int32
	sel := NewSelector(cfg, nil).WithPlatform("linux").WithProbe(func(context.Context, string, Encoder) bool {
		probes.Add(1)
		return false
	})

	enc := sel.Select(context.Background())
	if enc.Name != SoftwareEncoder || enc.Hardware {
		t.Fatalf("expected libx264 fallback, got %+v", enc)
	}
	if probes.Load() != 3 {
		t.Fatalf("expected 3 linux candidates probed, got %d", probes.Load())
	}
	sel.Select(context.Background())
	if probes.Load() != 3 {
		t.Fatal("expected decision to be cached")
	}
}

func TestSelectorPicksFirstWorkingCandidate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sel := NewSelector(cfg, nil).WithPlatform("linux").WithProbe(func(_ context.Context, _ string, enc Encoder) bool {
		return enc.Name == "h264_qsv"
	})
	enc := sel.Select(context.Background())
	if enc.Name != "h264_qsv" || !enc.Hardware {
		t.Fatalf("expected qsv, got %+v", enc)
	}
}

func TestSelectorHardwareNoneSkipsProbe(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Encoding.Hardware = "none"
	}))
	sel := NewSelector(cfg, nil).WithProbe(func(context.Context, string, Encoder) bool {
		t.Fatal("probe should not run")
		return true
	})
	if enc := sel.Select(context.Background()); enc.Name != SoftwareEncoder {
		t.Fatalf("expected software encoder, got %s", enc.Name)
	}
}

func TestSelectorExplicitEncoder(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Encoding.Encoder = "h264_vaapi"
	}))
	enc := NewSelector(cfg, nil).Select(context.Background())
	if enc.Name != "h264_vaapi" || enc.FilterSuffix == "" || len(enc.InputArgs) == 0 {
		t.Fatalf("expected vaapi setup, got %+v", enc)
	}
}

func TestSelectorSpecificHardwareMode(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Encoding.Hardware = "videotoolbox"
	}))
	var names []string
	sel := NewSelector(cfg, nil).WithPlatform("darwin").WithProbe(func(_ context.Context, _ string, enc Encoder) bool {
		names = append(names, enc.Name)
		return true
	})
	if enc := sel.Select(context.Background()); enc.Name != "h264_videotoolbox" {
		t.Fatalf("expected videotoolbox, got %s", enc.Name)
	}
	if len(names) != 1 {
		t.Fatalf("expected single probe, got %v", names)
	}
}

func TestSoftwareEncoderArgs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	enc := NewSelector(cfg, nil).WithProbe(func(context.Context, string, Encoder) bool { return false }).Select(context.Background())
	args := enc.Args()
	if args[0] != "-c:v" || args[1] != SoftwareEncoder {
		t.Fatalf("unexpected args %v", args)
	}
}
