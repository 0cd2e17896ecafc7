package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const cachedAssetColumns = "id, cache_key, asset_type, artifact_path, content_hash, settings_json, size_bytes, hit_count, created_at, accessed_at"

// ErrLockNotHeld is returned when extending or releasing a lock the caller does not own.
var ErrLockNotHeld = errors.New("lock not held")

// GetCachedAsset returns the cached asset row for key, or nil when absent.
func (s *Store) GetCachedAsset(ctx context.Context, key string) (*CachedAsset, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+cachedAssetColumns+` FROM cached_assets WHERE cache_key = ?`, key)
	asset, err := scanCachedAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached asset: %w", err)
	}
	return asset, nil
}

// GetCachedAssetByID returns the cached asset row by id, or nil when absent.
func (s *Store) GetCachedAssetByID(ctx context.Context, id string) (*CachedAsset, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+cachedAssetColumns+` FROM cached_assets WHERE id = ?`, id)
	asset, err := scanCachedAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached asset: %w", err)
	}
	return asset, nil
}

// UpsertCachedAsset inserts or replaces the row for asset.CacheKey. The row id
// is preserved across replacements.
func (s *Store) UpsertCachedAsset(ctx context.Context, asset *CachedAsset) error {
	if asset == nil {
		return errors.New("cached asset is nil")
	}
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	now := s.now()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.AccessedAt = now
	_, err := s.execWithRetry(ctx,
		`INSERT INTO cached_assets (id, cache_key, asset_type, artifact_path, content_hash, settings_json, size_bytes, hit_count, created_at, accessed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
         ON CONFLICT(cache_key) DO UPDATE SET
            asset_type = excluded.asset_type,
            artifact_path = excluded.artifact_path,
            content_hash = excluded.content_hash,
            settings_json = excluded.settings_json,
            size_bytes = excluded.size_bytes,
            accessed_at = excluded.accessed_at`,
		asset.ID, asset.CacheKey, asset.AssetType, asset.ArtifactPath, asset.ContentHash, asset.SettingsJSON,
		asset.SizeBytes, formatTime(asset.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert cached asset: %w", err)
	}
	stored, err := s.GetCachedAsset(ctx, asset.CacheKey)
	if err != nil {
		return err
	}
	if stored != nil {
		*asset = *stored
	}
	return nil
}

// TouchCachedAsset bumps the hit count and access time of a row.
func (s *Store) TouchCachedAsset(ctx context.Context, key string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE cached_assets SET hit_count = hit_count + 1, accessed_at = ? WHERE cache_key = ?`,
		s.timestamp(), key,
	)
	if err != nil {
		return fmt.Errorf("touch cached asset: %w", err)
	}
	return nil
}

// DeleteCachedAsset removes the row for key.
func (s *Store) DeleteCachedAsset(ctx context.Context, key string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM cached_assets WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete cached asset: %w", err)
	}
	return nil
}

// CachedAssetsByType returns every row of one asset type.
func (s *Store) CachedAssetsByType(ctx context.Context, assetType string) ([]*CachedAsset, error) {
	return s.queryCachedAssets(ctx, `SELECT `+cachedAssetColumns+` FROM cached_assets WHERE asset_type = ? ORDER BY created_at`, assetType)
}

// ListCachedAssets returns every cached asset, most recently accessed first.
func (s *Store) ListCachedAssets(ctx context.Context) ([]*CachedAsset, error) {
	return s.queryCachedAssets(ctx, `SELECT `+cachedAssetColumns+` FROM cached_assets ORDER BY accessed_at DESC`)
}

func (s *Store) queryCachedAssets(ctx context.Context, query string, args ...any) ([]*CachedAsset, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cached assets: %w", err)
	}
	defer rows.Close()
	var assets []*CachedAsset
	for rows.Next() {
		asset, err := scanCachedAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func scanCachedAsset(scanner interface{ Scan(dest ...any) error }) (*CachedAsset, error) {
	var (
		asset            CachedAsset
		created, touched string
	)
	if err := scanner.Scan(&asset.ID, &asset.CacheKey, &asset.AssetType, &asset.ArtifactPath, &asset.ContentHash,
		&asset.SettingsJSON, &asset.SizeBytes, &asset.HitCount, &created, &touched); err != nil {
		return nil, err
	}
	if t, ok := parseTime(created); ok {
		asset.CreatedAt = t
	}
	if t, ok := parseTime(touched); ok {
		asset.AccessedAt = t
	}
	return &asset, nil
}

// TryAcquireLock claims lockKey for owner until now+ttl. An existing unexpired
// lock held by anyone blocks the claim; an expired lock is reclaimed in the
// same statement.
func (s *Store) TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.execWithRetry(ctx,
		`INSERT INTO cache_locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
         ON CONFLICT(lock_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
         WHERE cache_locks.expires_at < ?`,
		lockKey, owner, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	return n == 1, nil
}

// ExtendLock pushes the expiry of a lock owner still holds.
func (s *Store) ExtendLock(ctx context.Context, lockKey, owner string, ttl time.Duration) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE cache_locks SET expires_at = ? WHERE lock_key = ? AND owner = ?`,
		formatTime(s.now().Add(ttl)), lockKey, owner,
	)
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", lockKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("extend lock %s: %w", lockKey, ErrLockNotHeld)
	}
	return nil
}

// ReleaseLock deletes a lock held by owner. Releasing a lock that was already
// reclaimed by another owner is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM cache_locks WHERE lock_key = ? AND owner = ?`, lockKey, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", lockKey, err)
	}
	return nil
}

// PurgeExpiredLocks removes abandoned locks and reports how many were removed.
func (s *Store) PurgeExpiredLocks(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM cache_locks WHERE expires_at < ?`, s.timestamp())
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return res.RowsAffected()
}
