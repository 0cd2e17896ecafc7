package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// currentSchema is stored in PRAGMA user_version. A fresh database reads 0.
const currentSchema = 2

// ErrSchemaMismatch reports a database written by a different schema.
var ErrSchemaMismatch = errors.New("schema version mismatch")

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	switch version {
	case currentSchema:
		return nil
	case 0:
	default:
		return fmt.Errorf("%w: %s is at v%d, montage expects v%d; remove the file to start over",
			ErrSchemaMismatch, s.path, version, currentSchema)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchema)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	})
}
