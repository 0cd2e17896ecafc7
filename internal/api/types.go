package api

import (
	"montage/internal/logging"
	"montage/internal/store"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a production job in a transport-friendly format.
type Job struct {
	ID                 string                          `json:"id"`
	ListingID          string                          `json:"listingId"`
	Status             string                          `json:"status"`
	Templates          []string                        `json:"templates"`
	Coordinates        *store.Coordinates              `json:"coordinates,omitempty"`
	Watermark          string                          `json:"watermark,omitempty"`
	Progress           JobProgress                     `json:"progress"`
	OutputURL          string                          `json:"outputUrl,omitempty"`
	Primary            string                          `json:"primary,omitempty"`
	ErrorMessage       string                          `json:"errorMessage,omitempty"`
	Results            map[string]store.TemplateResult `json:"results,omitempty"`
	Regeneration       *store.RegenerationContext      `json:"regeneration,omitempty"`
	RegeneratePhotoIDs []string                        `json:"regeneratePhotoIds,omitempty"`
	MapError           string                          `json:"mapError,omitempty"`
	CreatedAt          string                          `json:"createdAt,omitempty"`
	UpdatedAt          string                          `json:"updatedAt,omitempty"`
	StartedAt          string                          `json:"startedAt,omitempty"`
	CompletedAt        string                          `json:"completedAt,omitempty"`
}

// JobProgress captures stage progress for a job.
type JobProgress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// PhotoInput is one photo of a submission.
type PhotoInput struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

// SubmitRequest creates a job. Photo order is the slideshow order.
type SubmitRequest struct {
	ListingID   string             `json:"listingId"`
	Photos      []PhotoInput       `json:"photos"`
	Templates   []string           `json:"templates"`
	Coordinates *store.Coordinates `json:"coordinates,omitempty"`
	Watermark   string             `json:"watermark,omitempty"`
}

// RegenerateRequest reprocesses a subset of a job's photos.
type RegenerateRequest struct {
	PhotoIDs []string `json:"photoIds"`
}

// CacheEntry describes a cached derived artifact.
type CacheEntry struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	CacheKey    string `json:"cacheKey"`
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"`
	SizeBytes   int64  `json:"sizeBytes"`
	HitCount    int64  `json:"hitCount"`
	CreatedAt   string `json:"createdAt,omitempty"`
	AccessedAt  string `json:"accessedAt,omitempty"`
}

// CleanupTask describes a pending reclamation.
type CleanupTask struct {
	ID         int64  `json:"id"`
	Path       string `json:"path"`
	Kind       string `json:"kind"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retryCount"`
	JobID      string `json:"jobId,omitempty"`
	LastError  string `json:"lastError,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
}

// Template describes a catalog entry.
type Template struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Slots       int     `json:"slots"`
	RequiresMap bool    `json:"requiresMap"`
	Duration    float64 `json:"duration"`
	Simplified  bool    `json:"simplified"`
}

// WorkerStatus summarizes worker pool state.
type WorkerStatus struct {
	Running    bool           `json:"running"`
	Slots      int            `json:"slots"`
	ActiveJobs []string       `json:"activeJobs"`
	Finished   int            `json:"finished"`
	LastError  string         `json:"lastError,omitempty"`
	JobStats   map[string]int `json:"jobStats"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
	Component string `json:"component,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool                  `json:"running"`
	PID          int                   `json:"pid"`
	DatabasePath string                `json:"databasePath"`
	LockFilePath string                `json:"lockFilePath"`
	Encoder      string                `json:"encoder,omitempty"`
	Database     *store.DatabaseHealth `json:"database,omitempty"`
	Worker       WorkerStatus          `json:"worker"`
	Dependencies []DependencyStatus    `json:"dependencies"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job Job `json:"job"`
}

// CacheListResponse wraps cache entries.
type CacheListResponse struct {
	Entries []CacheEntry `json:"entries"`
}

// CleanupListResponse wraps pending cleanup tasks.
type CleanupListResponse struct {
	Tasks []CleanupTask `json:"tasks"`
}

// TemplateListResponse wraps the template catalog.
type TemplateListResponse struct {
	Templates []Template `json:"templates"`
}

// LogStreamResponse carries buffered daemon log events.
type LogStreamResponse struct {
	Events []logging.LogEvent `json:"events"`
	Next   uint64             `json:"next"`
}
