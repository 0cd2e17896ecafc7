package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"montage/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.AssetCacheDir = filepath.Join(base, "cache", "assets")
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache", "derived")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Storage.Root = filepath.Join(base, "objects")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.API.PresignSecret = "test-secret"
	cfgVal.Cache.LockRetryMS = 10
	cfgVal.Retry.InitialBackoffMS = 1
	cfgVal.Retry.MaxBackoffMS = 5
	cfgVal.Workflow.MinFreeDiskGiB = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithConfig applies an arbitrary mutation to the test config.
func WithConfig(fn func(*config.Config)) ConfigOption {
	return func(b *configBuilder) {
		fn(b.cfg)
	}
}

// WithStubbedBinaries writes stub executables that exit 0 for the provided
// names and prepends them to PATH. If names is empty, ffmpeg and ffprobe are
// stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe"}
		}
		for _, name := range names {
			writeStub(b, name, "#!/bin/sh\nexit 0\n")
		}
	}
}

// WithStubScript installs a named stub with a custom shell body and points the
// matching encoding binary at it when the name is ffmpeg or ffprobe.
func WithStubScript(name, body string) ConfigOption {
	return func(b *configBuilder) {
		path := writeStub(b, name, "#!/bin/sh\n"+body+"\n")
		switch name {
		case "ffmpeg":
			b.cfg.Encoding.FFmpegBinary = path
		case "ffprobe":
			b.cfg.Encoding.FFprobeBinary = path
		}
	}
}

func writeStub(b *configBuilder, name, script string) string {
	binDir := filepath.Join(b.baseDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		b.t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(binDir, name)
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		b.t.Fatalf("write stub %s: %v", name, err)
	}
	oldPath := os.Getenv("PATH")
	if filepath.SplitList(oldPath)[0] != binDir {
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath)
	}
	return target
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
