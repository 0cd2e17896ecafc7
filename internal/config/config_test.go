package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"montage/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("XDG_CACHE_HOME", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantWork := filepath.Join(tempHome, ".local", "share", "montage", "work")
	if cfg.Paths.WorkDir != wantWork {
		t.Fatalf("unexpected work dir: got %q want %q", cfg.Paths.WorkDir, wantWork)
	}
	wantAssets := filepath.Join(tempHome, ".cache", "montage", "assets")
	if cfg.Paths.AssetCacheDir != wantAssets {
		t.Fatalf("unexpected asset cache dir: got %q want %q", cfg.Paths.AssetCacheDir, wantAssets)
	}
	if cfg.API.Bind != "127.0.0.1:7590" {
		t.Fatalf("unexpected api bind: %q", cfg.API.Bind)
	}
	if cfg.Pipeline.TemplateBatchSize != 2 {
		t.Fatalf("expected template batch size 2, got %d", cfg.Pipeline.TemplateBatchSize)
	}
	if cfg.Cache.LockAttempts != 10 || cfg.Cache.LockRetryMS != 500 {
		t.Fatalf("unexpected lock retry defaults: %+v", cfg.Cache)
	}
	if cfg.Cache.LockBackend != "sqlite" {
		t.Fatalf("expected sqlite lock backend, got %q", cfg.Cache.LockBackend)
	}
	if cfg.DatabasePath() != filepath.Join(tempHome, ".local", "share", "montage", "montage.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if got := cfg.JobWorkDir("abc"); got != filepath.Join(wantWork, "job-abc") {
		t.Fatalf("unexpected job work dir: %q", got)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.WorkDir, cfg.Paths.AssetCacheDir, cfg.Paths.CacheDir, cfg.Storage.Root} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "montage.toml")

	type payload struct {
		Conversion struct {
			Endpoint string `toml:"endpoint"`
			APIKey   string `toml:"api_key"`
		} `toml:"conversion"`
		Pipeline struct {
			TemplateBatchSize int      `toml:"template_batch_size"`
			PrimaryPriority   []string `toml:"primary_priority"`
		} `toml:"pipeline"`
		Workflow struct {
			HeartbeatInterval int `toml:"heartbeat_interval"`
			HeartbeatTimeout  int `toml:"heartbeat_timeout"`
		} `toml:"workflow"`
	}
	custom := payload{}
	custom.Conversion.Endpoint = "https://convert.example.com/v1/"
	custom.Conversion.APIKey = "abc123"
	custom.Pipeline.TemplateBatchSize = 4
	custom.Pipeline.PrimaryPriority = []string{" Modern", "modern", "", "classic"}
	custom.Workflow.HeartbeatInterval = 20
	custom.Workflow.HeartbeatTimeout = 200
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Conversion.Endpoint != "https://convert.example.com/v1" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Conversion.Endpoint)
	}
	if cfg.Conversion.APIKey != "abc123" {
		t.Fatalf("expected conversion key from file, got %q", cfg.Conversion.APIKey)
	}
	if cfg.Pipeline.TemplateBatchSize != 4 {
		t.Fatalf("expected batch size 4, got %d", cfg.Pipeline.TemplateBatchSize)
	}
	if strings.Join(cfg.Pipeline.PrimaryPriority, ",") != "modern,classic" {
		t.Fatalf("unexpected priority normalization: %v", cfg.Pipeline.PrimaryPriority)
	}
	if cfg.Workflow.HeartbeatInterval != 20 || cfg.Workflow.HeartbeatTimeout != 200 {
		t.Fatalf("unexpected heartbeat settings: %+v", cfg.Workflow)
	}
}

func TestEnvVarOverridesConfigFileForSecrets(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "montage.toml")
	contents := `
[api]
token = "file-token"

[conversion]
api_key = "file-conversion"

[flythrough]
api_key = "file-flythrough"

[cache]
lock_backend = "postgres"
postgres_dsn = "postgres://file"
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MONTAGE_API_TOKEN", "env-token")
	t.Setenv("MONTAGE_CONVERSION_API_KEY", "env-conversion")
	t.Setenv("MONTAGE_FLYTHROUGH_API_KEY", "env-flythrough")
	t.Setenv("MONTAGE_POSTGRES_DSN", "postgres://env")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("expected api token from env, got %q", cfg.API.Token)
	}
	if cfg.Conversion.APIKey != "env-conversion" {
		t.Errorf("expected conversion key from env, got %q", cfg.Conversion.APIKey)
	}
	if cfg.Flythrough.APIKey != "env-flythrough" {
		t.Errorf("expected flythrough key from env, got %q", cfg.Flythrough.APIKey)
	}
	if cfg.Cache.PostgresDSN != "postgres://env" {
		t.Errorf("expected postgres dsn from env, got %q", cfg.Cache.PostgresDSN)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "your_conversion_api_key_here") {
		t.Fatalf("sample config missing placeholder conversion key: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if !strings.Contains(cfg.Paths.WorkDir, "montage") {
		t.Fatalf("expected work dir to contain montage, got %q", cfg.Paths.WorkDir)
	}
	if cfg.Cleanup.Schedule != "@every 1m" {
		t.Fatalf("unexpected sample cleanup schedule: %q", cfg.Cleanup.Schedule)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"encode concurrency", func(c *config.Config) { c.Encoding.MaxConcurrent = 0 }},
		{"heartbeat interval", func(c *config.Config) { c.Workflow.HeartbeatInterval = 0 }},
		{"heartbeat timeout", func(c *config.Config) { c.Workflow.HeartbeatTimeout = c.Workflow.HeartbeatInterval }},
		{"postgres without dsn", func(c *config.Config) { c.Cache.LockBackend = "postgres" }},
		{"unknown lock backend", func(c *config.Config) { c.Cache.LockBackend = "redis" }},
		{"bad schedule", func(c *config.Config) { c.Cleanup.Schedule = "every now and then" }},
		{"bad crf", func(c *config.Config) { c.Encoding.CRF = 70 }},
		{"bad hardware", func(c *config.Config) { c.Encoding.Hardware = "amf" }},
		{"conversion endpoint scheme", func(c *config.Config) { c.Conversion.Endpoint = "ftp://convert" }},
		{"retry ceiling", func(c *config.Config) { c.Retry.MaxBackoffMS = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
