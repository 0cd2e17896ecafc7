package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCollaborators(); err != nil {
		return err
	}
	if err := c.validateEncoding(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateCleanup(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		return errors.New("paths.work_dir must be set")
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		return errors.New("storage.root must be set")
	}
	if c.Storage.PublicBaseURL != "" {
		if err := validateHTTPURL("storage.public_base_url", c.Storage.PublicBaseURL); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateCollaborators() error {
	if c.Conversion.Endpoint != "" {
		if err := validateHTTPURL("conversion.endpoint", c.Conversion.Endpoint); err != nil {
			return err
		}
	}
	if c.Flythrough.Endpoint != "" {
		if err := validateHTTPURL("flythrough.endpoint", c.Flythrough.Endpoint); err != nil {
			return err
		}
	}
	if c.Pipeline.TemplateBatchSize <= 0 {
		return errors.New("pipeline.template_batch_size must be positive")
	}
	return nil
}

func (c *Config) validateEncoding() error {
	if err := ensurePositiveMap(map[string]int{
		"encoding.max_concurrent":  c.Encoding.MaxConcurrent,
		"encoding.timeout_seconds": c.Encoding.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Encoding.CRF < 0 || c.Encoding.CRF > 51 {
		return errors.New("encoding.crf must be between 0 and 51")
	}
	switch c.Encoding.Hardware {
	case "auto", "none", "videotoolbox", "nvenc", "qsv", "vaapi":
	default:
		return fmt.Errorf("encoding.hardware %q is not supported (auto, none, videotoolbox, nvenc, qsv, vaapi)", c.Encoding.Hardware)
	}
	return nil
}

func (c *Config) validateCache() error {
	switch c.Cache.LockBackend {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Cache.PostgresDSN) == "" {
			return errors.New("cache.postgres_dsn must be set when cache.lock_backend is postgres (or set MONTAGE_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("cache.lock_backend %q is not supported (sqlite, postgres)", c.Cache.LockBackend)
	}
	return ensurePositiveMap(map[string]int{
		"cache.lock_ttl_seconds": c.Cache.LockTTLSeconds,
		"cache.lock_attempts":    c.Cache.LockAttempts,
		"cache.lock_retry_ms":    c.Cache.LockRetryMS,
	})
}

func (c *Config) validateCleanup() error {
	if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
		return fmt.Errorf("cleanup.schedule: %w", err)
	}
	return ensurePositiveMap(map[string]int{
		"cleanup.task_timeout_seconds": c.Cleanup.TaskTimeoutSeconds,
		"cleanup.max_retries":          c.Cleanup.MaxRetries,
	})
}

func (c *Config) validateRetry() error {
	if err := ensurePositiveMap(map[string]int{
		"retry.max_attempts":       c.Retry.MaxAttempts,
		"retry.initial_backoff_ms": c.Retry.InitialBackoffMS,
		"retry.max_backoff_ms":     c.Retry.MaxBackoffMS,
	}); err != nil {
		return err
	}
	if c.Retry.MaxBackoffMS < c.Retry.InitialBackoffMS {
		return errors.New("retry.max_backoff_ms must be at least retry.initial_backoff_ms")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.poll_interval":       c.Workflow.PollInterval,
		"workflow.max_concurrent_jobs": c.Workflow.MaxConcurrentJobs,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.MinFreeDiskGiB < 0 {
		return errors.New("workflow.min_free_disk_gib must not be negative")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.NtfyTopic == "" {
		return nil
	}
	return validateHTTPURL("notifications.ntfy_topic", c.Notifications.NtfyTopic)
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not supported (debug, info, warn, error)", c.Logging.Level)
	}
}

func validateHTTPURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", field)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
