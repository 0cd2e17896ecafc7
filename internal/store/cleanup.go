package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const cleanupColumns = "id, path, kind, priority, retry_count, job_id, metadata_json, last_error, created_at, updated_at"

// InsertCleanupTask records a pending reclamation. Registering the same path
// and kind twice keeps one task with the higher priority.
func (s *Store) InsertCleanupTask(ctx context.Context, task *CleanupTask) error {
	if task == nil {
		return errors.New("cleanup task is nil")
	}
	var metadataJSON any
	if len(task.Metadata) > 0 {
		encoded, err := encodeJSON(task.Metadata)
		if err != nil {
			return fmt.Errorf("encode cleanup metadata: %w", err)
		}
		metadataJSON = encoded
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	var id int64
	err := retryOnBusy(ensureContext(ctx), func() error {
		return s.db.QueryRowContext(ensureContext(ctx),
			`INSERT INTO cleanup_tasks (path, kind, priority, retry_count, job_id, metadata_json, created_at, updated_at)
             VALUES (?, ?, ?, 0, ?, ?, ?, ?)
             ON CONFLICT(path, kind) DO UPDATE SET
                priority = MAX(cleanup_tasks.priority, excluded.priority),
                job_id = COALESCE(excluded.job_id, cleanup_tasks.job_id),
                metadata_json = COALESCE(excluded.metadata_json, cleanup_tasks.metadata_json),
                updated_at = excluded.updated_at
             RETURNING id`,
			task.Path, task.Kind, task.Priority, nullableString(task.JobID), metadataJSON, formatTime(now), formatTime(now),
		).Scan(&id)
	})
	if err != nil {
		return fmt.Errorf("insert cleanup task: %w", err)
	}
	task.ID = id
	return nil
}

// PendingCleanupTasks returns queued tasks by descending priority, then FIFO.
func (s *Store) PendingCleanupTasks(ctx context.Context) ([]*CleanupTask, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+cleanupColumns+` FROM cleanup_tasks ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("pending cleanup tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*CleanupTask
	for rows.Next() {
		task, err := scanCleanupTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteCleanupTask removes a task after success or permanent failure.
func (s *Store) DeleteCleanupTask(ctx context.Context, id int64) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM cleanup_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete cleanup task: %w", err)
	}
	return nil
}

// MarkCleanupFailure increments the retry count and stores the error. It
// returns the new retry count.
func (s *Store) MarkCleanupFailure(ctx context.Context, id int64, cause error) (int, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	var retries int
	err := retryOnBusy(ensureContext(ctx), func() error {
		return s.db.QueryRowContext(ensureContext(ctx),
			`UPDATE cleanup_tasks SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
             WHERE id = ? RETURNING retry_count`,
			nullableString(message), s.timestamp(), id,
		).Scan(&retries)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("cleanup task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("mark cleanup failure: %w", err)
	}
	return retries, nil
}

func scanCleanupTask(scanner interface{ Scan(dest ...any) error }) (*CleanupTask, error) {
	var (
		task      CleanupTask
		kind      string
		jobID     sql.NullString
		metadata  sql.NullString
		lastError sql.NullString
		created   string
		updated   string
	)
	if err := scanner.Scan(&task.ID, &task.Path, &kind, &task.Priority, &task.RetryCount, &jobID, &metadata, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	task.Kind = CleanupKind(kind)
	task.JobID = jobID.String
	task.LastError = lastError.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("decode cleanup metadata %d: %w", task.ID, err)
		}
	}
	if t, ok := parseTime(created); ok {
		task.CreatedAt = t
	}
	if t, ok := parseTime(updated); ok {
		task.UpdatedAt = t
	}
	return &task, nil
}
