package api

import (
	"sort"
	"time"

	"montage/internal/store"
	"montage/internal/templates"
)

// FromJob converts a store job into its DTO.
func FromJob(job *store.Job) Job {
	dto := Job{
		ID:          job.ID,
		ListingID:   job.ListingID,
		Status:      string(job.Status),
		Templates:   append([]string(nil), job.Templates...),
		Coordinates: job.Coordinates,
		Watermark:   job.Watermark,
		Progress: JobProgress{
			Stage:   job.ProgressStage,
			Percent: job.ProgressPercent,
			Message: job.ProgressMessage,
		},
		OutputURL:          job.OutputURL,
		Primary:            job.Metadata.Primary,
		ErrorMessage:       job.ErrorMessage,
		Results:            job.Metadata.Templates,
		Regeneration:       job.Metadata.Regeneration,
		RegeneratePhotoIDs: job.RegeneratePhotoIDs,
		MapError:           job.Metadata.MapError,
		CreatedAt:          formatTime(job.CreatedAt),
		UpdatedAt:          formatTime(job.UpdatedAt),
	}
	if job.StartedAt != nil {
		dto.StartedAt = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		dto.CompletedAt = formatTime(*job.CompletedAt)
	}
	return dto
}

// FromJobs converts a slice of jobs.
func FromJobs(jobs []*store.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if job != nil {
			out = append(out, FromJob(job))
		}
	}
	return out
}

// FromCachedAssets converts cache rows.
func FromCachedAssets(assets []*store.CachedAsset) []CacheEntry {
	out := make([]CacheEntry, 0, len(assets))
	for _, a := range assets {
		out = append(out, CacheEntry{
			ID:          a.ID,
			Type:        a.AssetType,
			CacheKey:    a.CacheKey,
			Path:        a.ArtifactPath,
			ContentHash: a.ContentHash,
			SizeBytes:   a.SizeBytes,
			HitCount:    a.HitCount,
			CreatedAt:   formatTime(a.CreatedAt),
			AccessedAt:  formatTime(a.AccessedAt),
		})
	}
	return out
}

// FromCleanupTasks converts cleanup rows.
func FromCleanupTasks(tasks []*store.CleanupTask) []CleanupTask {
	out := make([]CleanupTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, CleanupTask{
			ID:         t.ID,
			Path:       t.Path,
			Kind:       string(t.Kind),
			Priority:   t.Priority,
			RetryCount: t.RetryCount,
			JobID:      t.JobID,
			LastError:  t.LastError,
			CreatedAt:  formatTime(t.CreatedAt),
		})
	}
	return out
}

// FromCatalog lists catalog templates in catalog order.
func FromCatalog(catalog *templates.Catalog) []Template {
	defs := catalog.Definitions()
	out := make([]Template, 0, len(defs))
	for _, def := range defs {
		out = append(out, Template{
			Key:         def.Key,
			Name:        def.DisplayName(),
			Description: def.Description,
			Slots:       def.RequiredSlots(),
			RequiresMap: def.RequiresMap(),
			Duration:    nominalDuration(def),
			Simplified:  def.Simplified,
		})
	}
	return out
}

// nominalDuration is the reel length with every photo slot filled.
func nominalDuration(def *templates.Definition) float64 {
	paths := make([]string, max(def.RequiredSlots(), 1))
	for i := range paths {
		paths[i] = "slot"
	}
	comp, err := def.Compose(paths, "map")
	if err != nil {
		return 0
	}
	return comp.TotalDuration()
}

// SortJobsNewestFirst orders jobs by CreatedAt descending, breaking ties by ID.
func SortJobsNewestFirst(jobs []Job) []Job {
	if len(jobs) == 0 {
		return nil
	}
	sorted := make([]Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti := ParseTime(sorted[i].CreatedAt)
		tj := ParseTime(sorted[j].CreatedAt)
		if ti.Equal(tj) {
			return sorted[i].ID > sorted[j].ID
		}
		return ti.After(tj)
	})
	return sorted
}

// ParseTime parses an API timestamp; it returns the zero time on failure.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
