package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeConversion()
	c.normalizeFlythrough()
	if err := c.normalizeTemplates(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeEncoding()
	c.normalizeCache()
	c.normalizeCleanup()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.AssetCacheDir) == "" || strings.TrimSpace(c.Paths.CacheDir) == "" {
		defaults := Default()
		if strings.TrimSpace(c.Paths.AssetCacheDir) == "" {
			c.Paths.AssetCacheDir = defaults.Paths.AssetCacheDir
		}
		if strings.TrimSpace(c.Paths.CacheDir) == "" {
			c.Paths.CacheDir = defaults.Paths.CacheDir
		}
	}
	if c.Paths.AssetCacheDir, err = expandPath(c.Paths.AssetCacheDir); err != nil {
		return fmt.Errorf("paths.asset_cache_dir: %w", err)
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStorage() error {
	var err error
	if strings.TrimSpace(c.Storage.Root) == "" {
		c.Storage.Root = defaultStorageRoot
	}
	if c.Storage.Root, err = expandPath(c.Storage.Root); err != nil {
		return fmt.Errorf("storage.root: %w", err)
	}
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = defaultStorageBucket
	}
	c.Storage.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Storage.PublicBaseURL), "/")
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	c.API.Token = envOverride("MONTAGE_API_TOKEN", c.API.Token)
	c.API.PresignSecret = strings.TrimSpace(c.API.PresignSecret)
}

func (c *Config) normalizeConversion() {
	c.Conversion.Endpoint = strings.TrimRight(strings.TrimSpace(c.Conversion.Endpoint), "/")
	c.Conversion.APIKey = envOverride("MONTAGE_CONVERSION_API_KEY", c.Conversion.APIKey)
	if c.Conversion.ClipSeconds <= 0 {
		c.Conversion.ClipSeconds = defaultClipSeconds
	}
	if c.Conversion.TimeoutSeconds <= 0 {
		c.Conversion.TimeoutSeconds = defaultConversionTimeout
	}
	if c.Conversion.MaxImageDimension <= 0 {
		c.Conversion.MaxImageDimension = defaultMaxImageDimension
	}
	if c.Conversion.NormalizeQuality <= 0 || c.Conversion.NormalizeQuality > 100 {
		c.Conversion.NormalizeQuality = defaultNormalizeQuality
	}
	if c.Conversion.RequestConcurrency <= 0 {
		c.Conversion.RequestConcurrency = defaultConversionConcurrency
	}
}

func (c *Config) normalizeFlythrough() {
	c.Flythrough.Endpoint = strings.TrimRight(strings.TrimSpace(c.Flythrough.Endpoint), "/")
	c.Flythrough.APIKey = envOverride("MONTAGE_FLYTHROUGH_API_KEY", c.Flythrough.APIKey)
	if c.Flythrough.Seconds <= 0 {
		c.Flythrough.Seconds = defaultFlythroughSeconds
	}
	if c.Flythrough.TimeoutSeconds <= 0 {
		c.Flythrough.TimeoutSeconds = defaultFlythroughTimeout
	}
}

func (c *Config) normalizeTemplates() error {
	if strings.TrimSpace(c.Templates.CatalogPath) == "" {
		c.Templates.CatalogPath = ""
		return nil
	}
	var err error
	if c.Templates.CatalogPath, err = expandPath(c.Templates.CatalogPath); err != nil {
		return fmt.Errorf("templates.catalog_path: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.TemplateBatchSize <= 0 {
		c.Pipeline.TemplateBatchSize = defaultTemplateBatchSize
	}
	priority := make([]string, 0, len(c.Pipeline.PrimaryPriority))
	seen := make(map[string]struct{}, len(c.Pipeline.PrimaryPriority))
	for _, name := range c.Pipeline.PrimaryPriority {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		priority = append(priority, normalized)
	}
	c.Pipeline.PrimaryPriority = priority
	c.Pipeline.Watermark = strings.TrimSpace(c.Pipeline.Watermark)
}

func (c *Config) normalizeEncoding() {
	c.Encoding.Hardware = strings.ToLower(strings.TrimSpace(c.Encoding.Hardware))
	switch c.Encoding.Hardware {
	case "", "auto":
		c.Encoding.Hardware = "auto"
	case "none", "off", "false":
		c.Encoding.Hardware = "none"
	}
	c.Encoding.Encoder = strings.TrimSpace(c.Encoding.Encoder)
	c.Encoding.Preset = strings.TrimSpace(c.Encoding.Preset)
	if c.Encoding.Preset == "" {
		c.Encoding.Preset = defaultEncodePreset
	}
	c.Encoding.FFmpegBinary = strings.TrimSpace(c.Encoding.FFmpegBinary)
	c.Encoding.FFprobeBinary = strings.TrimSpace(c.Encoding.FFprobeBinary)
}

func (c *Config) normalizeCache() {
	c.Cache.LockBackend = strings.ToLower(strings.TrimSpace(c.Cache.LockBackend))
	if c.Cache.LockBackend == "" {
		c.Cache.LockBackend = defaultLockBackend
	}
	c.Cache.PostgresDSN = envOverride("MONTAGE_POSTGRES_DSN", c.Cache.PostgresDSN)
}

func (c *Config) normalizeCleanup() {
	c.Cleanup.Schedule = strings.TrimSpace(c.Cleanup.Schedule)
	if c.Cleanup.Schedule == "" {
		c.Cleanup.Schedule = defaultCleanupSchedule
	}
	if c.Cleanup.StaleWorkDirHours < 0 {
		c.Cleanup.StaleWorkDirHours = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = envOverride("MONTAGE_NTFY_TOPIC", c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// envOverride returns the trimmed environment value for key when set and
// non-empty, otherwise the trimmed fallback.
func envOverride(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(fallback)
}
