package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir      string `toml:"state_dir"`
	WorkDir       string `toml:"work_dir"`
	AssetCacheDir string `toml:"asset_cache_dir"`
	CacheDir      string `toml:"cache_dir"`
	LogDir        string `toml:"log_dir"`
}

// API contains the daemon HTTP API settings.
type API struct {
	Bind          string `toml:"bind"`
	Token         string `toml:"token"`
	PresignSecret string `toml:"presign_secret"`
}

// Storage configures the object storage backend.
type Storage struct {
	Root          string `toml:"root"`
	Bucket        string `toml:"bucket"`
	PublicBaseURL string `toml:"public_base_url"`
}

// Conversion configures the per-photo video conversion collaborator.
// An empty endpoint selects the local still-image converter.
type Conversion struct {
	Endpoint           string  `toml:"endpoint"`
	APIKey             string  `toml:"api_key"`
	ClipSeconds        float64 `toml:"clip_seconds"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	MaxImageDimension  int     `toml:"max_image_dimension"`
	NormalizeQuality   int     `toml:"normalize_quality"`
	RequestConcurrency int     `toml:"request_concurrency"`
}

// Flythrough configures the map flythrough collaborator.
// An empty endpoint selects the local coordinate card renderer.
type Flythrough struct {
	Endpoint       string  `toml:"endpoint"`
	APIKey         string  `toml:"api_key"`
	Seconds        float64 `toml:"seconds"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// Templates configures the template catalog source.
type Templates struct {
	CatalogPath string `toml:"catalog_path"`
}

// Pipeline controls orchestration behaviour.
type Pipeline struct {
	TemplateBatchSize int      `toml:"template_batch_size"`
	PrimaryPriority   []string `toml:"primary_priority"`
	Watermark         string   `toml:"watermark"`
}

// Encoding controls ffmpeg execution.
type Encoding struct {
	MaxConcurrent  int    `toml:"max_concurrent"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Hardware       string `toml:"hardware"`
	Encoder        string `toml:"encoder"`
	CRF            int    `toml:"crf"`
	Preset         string `toml:"preset"`
	FFmpegBinary   string `toml:"ffmpeg_binary"`
	FFprobeBinary  string `toml:"ffprobe_binary"`
}

// Cache configures the asset cache lease locks.
type Cache struct {
	LockBackend    string `toml:"lock_backend"`
	PostgresDSN    string `toml:"postgres_dsn"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds"`
	LockAttempts   int    `toml:"lock_attempts"`
	LockRetryMS    int    `toml:"lock_retry_ms"`
}

// Cleanup configures the resource cleanup coordinator.
type Cleanup struct {
	Schedule           string `toml:"schedule"`
	TaskTimeoutSeconds int    `toml:"task_timeout_seconds"`
	MaxRetries         int    `toml:"max_retries"`
	StaleWorkDirHours  int    `toml:"stale_workdir_hours"`
}

// Retry configures the unified retry policy used for downloads, uploads, and
// collaborator calls.
type Retry struct {
	MaxAttempts      int `toml:"max_attempts"`
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	MaxBackoffMS     int `toml:"max_backoff_ms"`
}

// Workflow contains configuration for daemon timing and concurrency.
type Workflow struct {
	PollInterval      int `toml:"poll_interval"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	HeartbeatTimeout  int `toml:"heartbeat_timeout"`
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
	MinFreeDiskGiB    int `toml:"min_free_disk_gib"`
}

// Notifications configures job-finished push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	NotifySuccess  bool   `toml:"notify_success"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Montage.
//
// Configuration sections by subsystem:
//   - Paths: state, work, cache, and log directories
//   - API: daemon HTTP bind address and credentials
//   - Storage: object storage root and bucket
//   - Conversion / Flythrough: external media collaborators
//   - Templates: catalog override
//   - Pipeline: batch size and primary output priority
//   - Encoding: ffmpeg limits and encoder selection
//   - Cache: lease lock backend and timing
//   - Cleanup: sweep schedule and retry bounds
//   - Retry: shared backoff policy
//   - Workflow: daemon polling, heartbeats, and job concurrency
//   - Notifications: ntfy job alerts
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Storage       Storage       `toml:"storage"`
	Conversion    Conversion    `toml:"conversion"`
	Flythrough    Flythrough    `toml:"flythrough"`
	Templates     Templates     `toml:"templates"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Encoding      Encoding      `toml:"encoding"`
	Cache         Cache         `toml:"cache"`
	Cleanup       Cleanup       `toml:"cleanup"`
	Retry         Retry         `toml:"retry"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/montage/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("montage.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and CLI operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.WorkDir, c.Paths.AssetCacheDir, c.Paths.CacheDir, c.Paths.LogDir, c.Storage.Root} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite job store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "montage.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "montaged.lock")
}

// JobWorkDir returns the per-job scratch directory. Paths are namespaced by
// job id so concurrently running jobs never collide.
func (c *Config) JobWorkDir(jobID string) string {
	return filepath.Join(c.Paths.WorkDir, "job-"+jobID)
}

// FFmpegBinary returns the ffmpeg executable used for composition.
func (c *Config) FFmpegBinary() string {
	if strings.TrimSpace(c.Encoding.FFmpegBinary) == "" {
		return defaultFFmpegBinary
	}
	return c.Encoding.FFmpegBinary
}

// FFprobeBinary returns the ffprobe executable name used for media validation.
func (c *Config) FFprobeBinary() string {
	if strings.TrimSpace(c.Encoding.FFprobeBinary) == "" {
		return defaultFFprobeBinary
	}
	return c.Encoding.FFprobeBinary
}

// EncodeTimeout returns the per-encode hard deadline.
func (c *Config) EncodeTimeout() time.Duration {
	return time.Duration(c.Encoding.TimeoutSeconds) * time.Second
}

// LockTTL returns the lease duration for cache locks.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Cache.LockTTLSeconds) * time.Second
}

// LockRetryDelay returns the fixed delay between lock acquisition attempts.
func (c *Config) LockRetryDelay() time.Duration {
	return time.Duration(c.Cache.LockRetryMS) * time.Millisecond
}

// CleanupTaskTimeout returns the per-task cleanup deadline.
func (c *Config) CleanupTaskTimeout() time.Duration {
	return time.Duration(c.Cleanup.TaskTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "montage")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/montage"
	}
	return filepath.Join(home, ".cache", "montage")
}

// Sample returns the annotated sample configuration.
func Sample() string {
	return sampleConfig
}

// CreateSample writes the sample configuration to path, creating its
// directory.
func CreateSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
