package ffmpeg

import (
	"context"
	"errors"
	"testing"
	"time"

	"montage/internal/services"
	"montage/internal/testsupport"
)

func TestRunReportsProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubScript("ffmpeg", `
printf 'out_time_us=1000000\nprogress=continue\n'
printf 'out_time_us=2000000\nprogress=end\n'
exit 0`))

	var seen []float64
	_, err := Run(context.Background(), Command{
		Binary:     cfg.FFmpegBinary(),
		Args:       []string{"-i", "in.mp4", "out.mp4"},
		Total:      2 * time.Second,
		OnProgress: func(p Progress) { seen = append(seen, p.Percent) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 || seen[0] != 50 || seen[1] != 100 {
		t.Fatalf("unexpected progress sequence: %v", seen)
	}
}

func TestRunClassifiesFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubScript("ffmpeg", `
echo "Error while filtering: Cannot allocate memory" >&2
exit 1`))

	result, err := Run(context.Background(), Command{Binary: cfg.FFmpegBinary(), Args: []string{"out.mp4"}})
	if err == nil {
		t.Fatal("expected failure")
	}
	var encErr *services.EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodeError, got %T: %v", err, err)
	}
	if encErr.Class != services.EncodeClassOOM {
		t.Fatalf("expected oom class, got %s", encErr.Class)
	}
	if !errors.Is(err, services.ErrEncode) {
		t.Fatal("expected error to match ErrEncode")
	}
	if result.Stderr == "" {
		t.Fatal("expected stderr tail in result")
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubScript("ffmpeg", "exec sleep 5"))

	start := time.Now()
	_, err := Run(context.Background(), Command{
		Binary:  cfg.FFmpegBinary(),
		Timeout: 100 * time.Millisecond,
	})
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout did not kill ffmpeg promptly")
	}
	var encErr *services.EncodeError
	if !errors.As(err, &encErr) || encErr.Class != services.EncodeClassTimeout {
		t.Fatalf("expected timeout class, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("expected timeout to be retryable")
	}
}

func TestRunParentCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubScript("ffmpeg", "exec sleep 5"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, Command{Binary: cfg.FFmpegBinary()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Fatalf("tail = %q", got)
	}
}
