package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"montage/internal/services"
)

const stderrTailBytes = 32 * 1024

// Command is one ffmpeg invocation.
type Command struct {
	Binary string
	// Args excludes the binary. Run adds the progress flags.
	Args []string
	// Total is the expected output duration, used for percentages.
	Total      time.Duration
	Timeout    time.Duration
	OnProgress func(Progress)
}

// Result describes a finished invocation.
type Result struct {
	Elapsed time.Duration
	Stderr  string
}

// Run executes cmd. A timeout force-kills ffmpeg and yields an EncodeError
// of class timeout; cancellation of ctx kills it too and returns the context
// error.
func Run(ctx context.Context, cmd Command) (Result, error) {
	binary := strings.TrimSpace(cmd.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(cmd.Args)+4)
	args = append(args, "-progress", "pipe:1", "-nostats")
	args = append(args, cmd.Args...)

	proc := exec.CommandContext(runCtx, binary, args...)
	proc.Cancel = func() error {
		return proc.Process.Kill()
	}
	proc.WaitDelay = 5 * time.Second

	stderr := &tailBuffer{limit: stderrTailBytes}
	proc.Stderr = stderr
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}

	start := time.Now()
	if err := proc.Start(); err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "encode", "start ffmpeg", binary, err)
	}
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		_ = ParseProgress(stdout, cmd.Total, cmd.OnProgress)
		_, _ = io.Copy(io.Discard, stdout)
	}()
	<-progressDone
	waitErr := proc.Wait()

	result := Result{Elapsed: time.Since(start), Stderr: stderr.String()}
	if waitErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("encode canceled: %w", ctx.Err())
	}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	return result, &services.EncodeError{
		Class:  Classify(result.Stderr, timedOut),
		Stderr: result.Stderr,
		Err:    waitErr,
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
