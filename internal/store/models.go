package store

import (
	"encoding/json"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// AllJobStatuses lists every job status in lifecycle order.
func AllJobStatuses() []JobStatus {
	return []JobStatus{JobPending, JobProcessing, JobCompleted, JobFailed}
}

// ParseJobStatus converts a user-supplied string into a JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range AllJobStatuses() {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PhotoStatus represents the processing state of a listing photo.
type PhotoStatus string

const (
	PhotoPending    PhotoStatus = "pending"
	PhotoProcessing PhotoStatus = "processing"
	PhotoCompleted  PhotoStatus = "completed"
	PhotoFailed     PhotoStatus = "failed"
)

// Template result statuses persisted in job metadata.
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// Coordinates locate a listing for the map flythrough.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Job is one production request for a listing.
type Job struct {
	ID                 string
	ListingID          string
	Status             JobStatus
	Templates          []string
	Coordinates        *Coordinates
	Watermark          string
	ProgressStage      string
	ProgressPercent    float64
	ProgressMessage    string
	Metadata           JobMetadata
	OutputURL          string
	ErrorMessage       string
	RegeneratePhotoIDs []string
	LastHeartbeat      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// IsRegeneration reports whether the job targets a subset of photos.
func (j *Job) IsRegeneration() bool {
	return j != nil && len(j.RegeneratePhotoIDs) > 0
}

// JobMetadata is the structured metadata document stored with each job.
type JobMetadata struct {
	Stage        string                    `json:"stage,omitempty"`
	Templates    map[string]TemplateResult `json:"templates,omitempty"`
	Primary      string                    `json:"primary,omitempty"`
	Regeneration *RegenerationContext      `json:"regeneration,omitempty"`
	MapClip      string                    `json:"map_clip,omitempty"`
	MapError     string                    `json:"map_error,omitempty"`
}

// TemplateResult records the outcome of one template attempt.
type TemplateResult struct {
	Template        string    `json:"template"`
	Status          string    `json:"status"`
	OutputURL       string    `json:"output_url,omitempty"`
	Error           string    `json:"error,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Cached          bool      `json:"cached,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

// RegenerationContext describes which photos are reprocessed versus reused.
type RegenerationContext struct {
	PhotosToRegenerate  []string          `json:"photos_to_regenerate"`
	ExistingPhotos      map[string]string `json:"existing_photos"`
	RegeneratedPhotoIDs []string          `json:"regenerated_photo_ids"`
	TotalPhotos         int               `json:"total_photos"`
}

// SuccessCount returns the number of successful template results.
func (m JobMetadata) SuccessCount() int {
	count := 0
	for _, result := range m.Templates {
		if result.Status == ResultSuccess {
			count++
		}
	}
	return count
}

// Photo is one listing image and its derived video segment.
type Photo struct {
	ID            string
	JobID         string
	ListingID     string
	Position      int
	SourceURL     string
	ProcessedPath string
	Status        PhotoStatus
	ErrorMessage  string
	UpdatedAt     time.Time
}

// CachedAsset is a content-addressed derived artifact.
type CachedAsset struct {
	ID           string
	CacheKey     string
	AssetType    string
	ArtifactPath string
	ContentHash  string
	SettingsJSON string
	SizeBytes    int64
	HitCount     int64
	CreatedAt    time.Time
	AccessedAt   time.Time
}

// CleanupKind identifies the type of resource a cleanup task reclaims.
type CleanupKind string

const (
	CleanupFile          CleanupKind = "file"
	CleanupStorageObject CleanupKind = "storage-object"
	CleanupDirectory     CleanupKind = "directory"
)

// CleanupTask is a pending reclamation of transient storage.
type CleanupTask struct {
	ID         int64
	Path       string
	Kind       CleanupKind
	Priority   int
	RetryCount int
	JobID      string
	Metadata   map[string]string
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DatabaseHealth reports on the SQLite file and connection.
type DatabaseHealth struct {
	DBPath           string `json:"db_path"`
	DatabaseExists   bool   `json:"database_exists"`
	DatabaseReadable bool   `json:"database_readable"`
	SchemaVersion    int    `json:"schema_version"`
	CachedAssets     int    `json:"cached_assets"`
	PendingCleanup   int    `json:"pending_cleanup"`
	HeldLocks        int    `json:"held_locks"`
	Error            string `json:"error,omitempty"`
}

func encodeJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
