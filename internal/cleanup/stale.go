package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"montage/internal/logging"
)

// JobDirPrefix prefixes per-job scratch directories under work_dir.
const JobDirPrefix = "job-"

// StaleResult contains the outcome of a stale directory sweep.
type StaleResult struct {
	Removed []string
	Errors  []DirError
}

// DirError pairs a directory path with its removal error.
type DirError struct {
	Path  string
	Error error
}

// ActiveFunc reports whether the job owning a scratch directory is still
// running.
type ActiveFunc func(ctx context.Context, jobID string) (bool, error)

// CleanStaleWorkDirs removes job-<id> directories under workDir older than
// maxAge, leaving directories of active jobs alone.
func CleanStaleWorkDirs(ctx context.Context, workDir string, maxAge time.Duration, active ActiveFunc, logger *slog.Logger) StaleResult {
	result := StaleResult{}

	workDir = strings.TrimSpace(workDir)
	if workDir == "" || maxAge <= 0 {
		return result
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, DirError{Path: workDir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), JobDirPrefix) {
			continue
		}
		dirPath := filepath.Join(workDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, DirError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if active != nil {
			jobID := strings.TrimPrefix(entry.Name(), JobDirPrefix)
			if running, err := active(ctx, jobID); err != nil || running {
				continue
			}
		}

		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, DirError{Path: dirPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove stale work directory",
					logging.String("path", dirPath),
					logging.Error(err),
					logging.String(logging.FieldEventType, "workdir_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check work_dir permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed stale work directory",
				logging.String("path", dirPath),
				logging.Duration("age", time.Since(info.ModTime())),
				logging.String(logging.FieldEventType, "workdir_cleanup"),
			)
		}
	}
	return result
}
