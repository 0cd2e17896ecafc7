// Package objectstore uploads finished renders and resolves object
// references for downloads. The bundled backend keeps objects on the local
// filesystem and hands out HMAC-signed links the daemon serves.
package objectstore

import (
	"context"
	"io"
	"time"
)

// Store is the object storage collaborator used by the pipeline.
type Store interface {
	// Upload stores data under key in the default bucket and returns its
	// reference URL.
	Upload(ctx context.Context, data io.Reader, key string) (string, error)
	// Download fetches ref into localPath.
	Download(ctx context.Context, ref, localPath string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, bucket, key string) error
	// Presign returns a time-limited download link for key in the default
	// bucket.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}
