package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const photoColumns = "id, job_id, listing_id, position, source_url, processed_path, status, error_message, updated_at"

// PhotosByJob returns the photos a job was submitted with, in position order.
func (s *Store) PhotosByJob(ctx context.Context, jobID string) ([]*Photo, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+photoColumns+` FROM photos WHERE job_id = ? ORDER BY position, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("photos by job: %w", err)
	}
	defer rows.Close()
	return collectPhotos(rows)
}

// GetPhotos returns the photos with the given identifiers in position order.
// Unknown identifiers are ignored.
func (s *Store) GetPhotos(ctx context.Context, ids []string) ([]*Photo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+photoColumns+` FROM photos WHERE id IN (`+makePlaceholders(len(ids))+`) ORDER BY position, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("get photos: %w", err)
	}
	defer rows.Close()
	return collectPhotos(rows)
}

// GetPhoto fetches one photo. It returns ErrNotFound when absent.
func (s *Store) GetPhoto(ctx context.Context, id string) (*Photo, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+photoColumns+` FROM photos WHERE id = ?`, id)
	photo, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return photo, nil
}

// UpdatePhoto persists the processing state of a photo.
func (s *Store) UpdatePhoto(ctx context.Context, photo *Photo) error {
	if photo == nil {
		return errors.New("photo is nil")
	}
	photo.UpdatedAt = s.now()
	res, err := s.execWithRetry(ctx,
		`UPDATE photos SET processed_path = ?, status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		nullableString(photo.ProcessedPath), photo.Status, nullableString(photo.ErrorMessage), formatTime(photo.UpdatedAt), photo.ID,
	)
	if err != nil {
		return fmt.Errorf("update photo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("photo %s: %w", photo.ID, ErrNotFound)
	}
	return nil
}

func collectPhotos(rows *sql.Rows) ([]*Photo, error) {
	var photos []*Photo
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, photo)
	}
	return photos, rows.Err()
}

func scanPhoto(scanner interface{ Scan(dest ...any) error }) (*Photo, error) {
	var (
		photo     Photo
		status    string
		processed sql.NullString
		errMsg    sql.NullString
		updated   string
	)
	if err := scanner.Scan(&photo.ID, &photo.JobID, &photo.ListingID, &photo.Position, &photo.SourceURL, &processed, &status, &errMsg, &updated); err != nil {
		return nil, err
	}
	photo.Status = PhotoStatus(status)
	photo.ProcessedPath = processed.String
	photo.ErrorMessage = errMsg.String
	if t, ok := parseTime(updated); ok {
		photo.UpdatedAt = t
	}
	return &photo, nil
}
