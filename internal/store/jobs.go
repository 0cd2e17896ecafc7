package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobColumns = "id, listing_id, status, templates_json, coordinates_json, watermark, progress_stage, progress_percent, progress_message, metadata_json, output_url, error_message, regenerate_photo_ids_json, last_heartbeat, created_at, updated_at, started_at, completed_at"

var (
	// ErrJobBusy is returned when a job is mutated while a worker holds it.
	ErrJobBusy = errors.New("job is processing")
	// ErrPhotoExists rejects a submitted photo id that another job owns.
	ErrPhotoExists = errors.New("photo id already in use")
)

// CreateJob inserts a job and the photos it was submitted with in one
// transaction. The photos belong to that job alone; photos without an ID are
// assigned one.
func (s *Store) CreateJob(ctx context.Context, job *Job, photos []*Photo) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(job.ListingID) == "" {
		return errors.New("job listing id is required")
	}
	if len(job.Templates) == 0 {
		return errors.New("job requires at least one template")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	job.Status = JobPending
	job.CreatedAt = now
	job.UpdatedAt = now

	templatesJSON, err := encodeJSON(job.Templates)
	if err != nil {
		return fmt.Errorf("encode templates: %w", err)
	}
	coordsJSON, err := encodeCoordinates(job.Coordinates)
	if err != nil {
		return err
	}
	metadataJSON, err := encodeJSON(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, listing_id, status, templates_json, coordinates_json, watermark,
                progress_percent, metadata_json, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			job.ID, job.ListingID, job.Status, templatesJSON, coordsJSON, nullableString(job.Watermark),
			metadataJSON, formatTime(now), formatTime(now),
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for _, photo := range photos {
			if photo == nil {
				continue
			}
			if photo.ID == "" {
				photo.ID = uuid.NewString()
			} else {
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM photos WHERE id = ?`, photo.ID).Scan(&n); err != nil {
					return fmt.Errorf("check photo %s: %w", photo.ID, err)
				}
				if n > 0 {
					return fmt.Errorf("photo %s: %w", photo.ID, ErrPhotoExists)
				}
			}
			photo.JobID = job.ID
			photo.ListingID = job.ListingID
			if photo.Status == "" {
				photo.Status = PhotoPending
			}
			photo.UpdatedAt = now
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO photos (id, job_id, listing_id, position, source_url, processed_path, status, error_message, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				photo.ID, photo.JobID, photo.ListingID, photo.Position, photo.SourceURL,
				nullableString(photo.ProcessedPath), photo.Status, nullableString(photo.ErrorMessage), formatTime(now),
			); err != nil {
				return fmt.Errorf("insert photo %s: %w", photo.ID, err)
			}
		}
		return nil
	})
}

// GetJob fetches a job by identifier. It returns ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob persists every mutable column of an existing job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = s.now()
	metadataJSON, err := encodeJSON(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var regenJSON any
	if len(job.RegeneratePhotoIDs) > 0 {
		encoded, err := encodeJSON(job.RegeneratePhotoIDs)
		if err != nil {
			return fmt.Errorf("encode regenerate ids: %w", err)
		}
		regenJSON = encoded
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET status = ?, progress_stage = ?, progress_percent = ?, progress_message = ?,
             metadata_json = ?, output_url = ?, error_message = ?, regenerate_photo_ids_json = ?,
             last_heartbeat = ?, updated_at = ?, started_at = ?, completed_at = ?
         WHERE id = ?`,
		job.Status,
		nullableString(job.ProgressStage),
		job.ProgressPercent,
		nullableString(job.ProgressMessage),
		metadataJSON,
		nullableString(job.OutputURL),
		nullableString(job.ErrorMessage),
		regenJSON,
		nullableTime(job.LastHeartbeat),
		formatTime(job.UpdatedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// UpdateProgress records stage and progress. The stored percent never
// decreases while the job is processing.
func (s *Store) UpdateProgress(ctx context.Context, id, stage string, percent float64, message string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET progress_stage = ?, progress_percent = MAX(progress_percent, ?), progress_message = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(stage), percent, nullableString(message), s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// ListJobs returns jobs filtered by status set (or all jobs), newest first.
func (s *Store) ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextPending atomically moves the oldest pending job to processing and
// returns it. It returns nil when no job is pending.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, error) {
	ctx = ensureContext(ctx)
	now := s.timestamp()
	var id string
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`UPDATE jobs
             SET status = ?, progress_percent = 0, progress_stage = NULL, progress_message = NULL,
                 error_message = NULL, last_heartbeat = ?, started_at = ?, completed_at = NULL, updated_at = ?
             WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY created_at LIMIT 1)
               AND status = ?
             RETURNING id`,
			JobProcessing, now, now, now, JobPending, JobPending,
		).Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next pending: %w", err)
	}
	return s.GetJob(ctx, id)
}

// UpdateHeartbeat refreshes the liveness timestamp of a processing job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND status = ?`,
		s.timestamp(), id, JobProcessing,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReclaimStale returns processing jobs whose heartbeat is older than timeout
// to pending and reports how many were reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-timeout))
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET status = ?, progress_message = 'Reclaimed after stale heartbeat', last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		JobPending, s.timestamp(), JobProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequestRegeneration re-queues a finished job to reprocess the given photos.
func (s *Store) RequestRegeneration(ctx context.Context, id string, photoIDs []string) (*Job, error) {
	if len(photoIDs) == 0 {
		return nil, errors.New("regeneration requires at least one photo id")
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == JobProcessing || job.Status == JobPending {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobBusy)
	}
	photos, err := s.PhotosByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(photos))
	for _, photo := range photos {
		known[photo.ID] = struct{}{}
	}
	for _, photoID := range photoIDs {
		if _, ok := known[photoID]; !ok {
			return nil, fmt.Errorf("photo %s is not part of job %s: %w", photoID, job.ID, ErrNotFound)
		}
	}

	job.Status = JobPending
	job.RegeneratePhotoIDs = append([]string(nil), photoIDs...)
	job.ErrorMessage = ""
	job.ProgressStage = ""
	job.ProgressPercent = 0
	job.ProgressMessage = "Regeneration requested"
	job.CompletedAt = nil
	job.LastHeartbeat = nil
	if err := s.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RemoveJob deletes a job that is not processing.
func (s *Store) RemoveJob(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ? AND status != ?`, id, JobProcessing)
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("job %s: %w", id, ErrJobBusy)
	}
	return nil
}

// JobIsActive reports whether the job exists and is processing or queued to
// run. A finished job re-queued for regeneration counts as active.
func (s *Store) JobIsActive(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("job status: %w", err)
	}
	switch JobStatus(status) {
	case JobProcessing, JobPending:
		return true, nil
	default:
		return false, nil
	}
}

func encodeCoordinates(coords *Coordinates) (any, error) {
	if coords == nil {
		return nil, nil
	}
	encoded, err := encodeJSON(coords)
	if err != nil {
		return nil, fmt.Errorf("encode coordinates: %w", err)
	}
	return encoded, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job             Job
		status          string
		templatesJSON   string
		coordsJSON      sql.NullString
		watermark       sql.NullString
		progressStage   sql.NullString
		progressMessage sql.NullString
		metadataJSON    sql.NullString
		outputURL       sql.NullString
		errorMessage    sql.NullString
		regenJSON       sql.NullString
		lastHeartbeat   sql.NullString
		createdRaw      string
		updatedRaw      string
		startedRaw      sql.NullString
		completedRaw    sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.ListingID,
		&status,
		&templatesJSON,
		&coordsJSON,
		&watermark,
		&progressStage,
		&job.ProgressPercent,
		&progressMessage,
		&metadataJSON,
		&outputURL,
		&errorMessage,
		&regenJSON,
		&lastHeartbeat,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.Watermark = watermark.String
	job.ProgressStage = progressStage.String
	job.ProgressMessage = progressMessage.String
	job.OutputURL = outputURL.String
	job.ErrorMessage = errorMessage.String
	if err := json.Unmarshal([]byte(templatesJSON), &job.Templates); err != nil {
		return nil, fmt.Errorf("decode templates for job %s: %w", job.ID, err)
	}
	if coordsJSON.Valid && coordsJSON.String != "" {
		var coords Coordinates
		if err := json.Unmarshal([]byte(coordsJSON.String), &coords); err != nil {
			return nil, fmt.Errorf("decode coordinates for job %s: %w", job.ID, err)
		}
		job.Coordinates = &coords
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for job %s: %w", job.ID, err)
		}
	}
	if regenJSON.Valid && regenJSON.String != "" {
		if err := json.Unmarshal([]byte(regenJSON.String), &job.RegeneratePhotoIDs); err != nil {
			return nil, fmt.Errorf("decode regenerate ids for job %s: %w", job.ID, err)
		}
	}
	job.LastHeartbeat = parseNullTime(lastHeartbeat)
	job.StartedAt = parseNullTime(startedRaw)
	job.CompletedAt = parseNullTime(completedRaw)
	if created, ok := parseTime(createdRaw); ok {
		job.CreatedAt = created
	}
	if updated, ok := parseTime(updatedRaw); ok {
		job.UpdatedAt = updated
	}
	return &job, nil
}
