package config

import "path/filepath"

const (
	defaultStateDir                  = "~/.local/share/montage"
	defaultWorkDir                   = "~/.local/share/montage/work"
	defaultLogDir                    = "~/.local/share/montage/logs"
	defaultStorageRoot               = "~/.local/share/montage/objects"
	defaultStorageBucket             = "montage"
	defaultAPIBind                   = "127.0.0.1:7590"
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultFFmpegBinary              = "ffmpeg"
	defaultFFprobeBinary             = "ffprobe"
	defaultClipSeconds               = 5.0
	defaultConversionTimeout         = 300
	defaultMaxImageDimension         = 2048
	defaultNormalizeQuality          = 90
	defaultConversionConcurrency     = 3
	defaultFlythroughSeconds         = 6.0
	defaultFlythroughTimeout         = 300
	defaultTemplateBatchSize         = 2
	defaultEncodeMaxConcurrent       = 2
	defaultEncodeTimeoutSeconds      = 900
	defaultEncodeHardware            = "auto"
	defaultEncodeCRF                 = 20
	defaultEncodePreset              = "medium"
	defaultNotifyTimeout             = 10
	defaultLockBackend               = "sqlite"
	defaultLockTTLSeconds            = 120
	defaultLockAttempts              = 10
	defaultLockRetryMS               = 500
	defaultCleanupSchedule           = "@every 1m"
	defaultCleanupTaskTimeout        = 30
	defaultCleanupMaxRetries         = 5
	defaultStaleWorkDirHours         = 48
	defaultRetryMaxAttempts          = 3
	defaultRetryInitialBackoffMS     = 500
	defaultRetryMaxBackoffMS         = 10000
	defaultWorkflowPollInterval      = 5
	defaultWorkflowHeartbeatInterval = 15
	defaultWorkflowHeartbeatTimeout  = 120
	defaultWorkflowMaxConcurrentJobs = 2
	defaultMinFreeDiskGiB            = 5
)

var defaultPrimaryPriority = []string{"luxury", "modern", "classic", "story", "map_tour"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	cacheDir := defaultCacheDir()
	return Config{
		Paths: Paths{
			StateDir:      defaultStateDir,
			WorkDir:       defaultWorkDir,
			AssetCacheDir: filepath.Join(cacheDir, "assets"),
			CacheDir:      filepath.Join(cacheDir, "derived"),
			LogDir:        defaultLogDir,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Storage: Storage{
			Root:   defaultStorageRoot,
			Bucket: defaultStorageBucket,
		},
		Conversion: Conversion{
			ClipSeconds:        defaultClipSeconds,
			TimeoutSeconds:     defaultConversionTimeout,
			MaxImageDimension:  defaultMaxImageDimension,
			NormalizeQuality:   defaultNormalizeQuality,
			RequestConcurrency: defaultConversionConcurrency,
		},
		Flythrough: Flythrough{
			Seconds:        defaultFlythroughSeconds,
			TimeoutSeconds: defaultFlythroughTimeout,
		},
		Pipeline: Pipeline{
			TemplateBatchSize: defaultTemplateBatchSize,
			PrimaryPriority:   append([]string(nil), defaultPrimaryPriority...),
		},
		Encoding: Encoding{
			MaxConcurrent:  defaultEncodeMaxConcurrent,
			TimeoutSeconds: defaultEncodeTimeoutSeconds,
			Hardware:       defaultEncodeHardware,
			CRF:            defaultEncodeCRF,
			Preset:         defaultEncodePreset,
			FFmpegBinary:   defaultFFmpegBinary,
			FFprobeBinary:  defaultFFprobeBinary,
		},
		Cache: Cache{
			LockBackend:    defaultLockBackend,
			LockTTLSeconds: defaultLockTTLSeconds,
			LockAttempts:   defaultLockAttempts,
			LockRetryMS:    defaultLockRetryMS,
		},
		Cleanup: Cleanup{
			Schedule:           defaultCleanupSchedule,
			TaskTimeoutSeconds: defaultCleanupTaskTimeout,
			MaxRetries:         defaultCleanupMaxRetries,
			StaleWorkDirHours:  defaultStaleWorkDirHours,
		},
		Retry: Retry{
			MaxAttempts:      defaultRetryMaxAttempts,
			InitialBackoffMS: defaultRetryInitialBackoffMS,
			MaxBackoffMS:     defaultRetryMaxBackoffMS,
		},
		Workflow: Workflow{
			PollInterval:      defaultWorkflowPollInterval,
			HeartbeatInterval: defaultWorkflowHeartbeatInterval,
			HeartbeatTimeout:  defaultWorkflowHeartbeatTimeout,
			MaxConcurrentJobs: defaultWorkflowMaxConcurrentJobs,
			MinFreeDiskGiB:    defaultMinFreeDiskGiB,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			NotifySuccess:  true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
