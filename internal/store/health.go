package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Stats returns job counts grouped by status.
func (s *Store) Stats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// CheckHealth returns diagnostic information about the database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.DatabaseReadable = true

	counts := []struct {
		query string
		dest  *int
	}{
		{"PRAGMA user_version", &health.SchemaVersion},
		{"SELECT COUNT(1) FROM cached_assets", &health.CachedAssets},
		{"SELECT COUNT(1) FROM cleanup_tasks", &health.PendingCleanup},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(connCtx, c.query).Scan(c.dest); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("health query: %w", err)
		}
	}
	if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(1) FROM cache_locks WHERE expires_at >= ?", s.timestamp()).Scan(&health.HeldLocks); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("health query: %w", err)
	}
	return health, nil
}
