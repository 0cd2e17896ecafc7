package preflight

import (
	"context"
	"fmt"
	"strings"

	"montage/internal/config"
	"montage/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable check for cfg. Remote endpoint checks only
// run when the endpoint is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	for _, status := range CheckMediaTools(cfg) {
		r := Result{Name: status.Name, Passed: status.Available, Detail: status.Path}
		if !status.Available {
			r.Detail = status.Detail
		}
		results = append(results, r)
	}
	results = append(results,
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckDirectoryAccess("Asset cache directory", cfg.Paths.AssetCacheDir),
		CheckFreeSpace("Work directory free space", cfg.Paths.WorkDir, cfg.Workflow.MinFreeDiskGiB),
	)
	if cfg.Conversion.Endpoint != "" {
		results = append(results, CheckEndpoint(ctx, "Conversion service", cfg.Conversion.Endpoint, cfg.Conversion.APIKey))
	}
	if cfg.Flythrough.Endpoint != "" {
		results = append(results, CheckEndpoint(ctx, "Flythrough service", cfg.Flythrough.Endpoint, cfg.Flythrough.APIKey))
	}
	return results
}

// CheckMediaTools resolves the configured ffmpeg and ffprobe binaries.
func CheckMediaTools(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.MediaRequirements(cfg.FFmpegBinary(), cfg.FFprobeBinary()))
}

// Failures folds failed results into one error, or nil when all passed.
func Failures(results []Result) error {
	var failures []string
	for _, r := range results {
		if !r.Passed {
			failures = append(failures, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("preflight checks failed: %s", strings.Join(failures, "; "))
}
