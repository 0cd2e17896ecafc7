package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"montage/internal/config"
	"montage/internal/fileutil"
	"montage/internal/services"
)

// FileStore keeps objects under root/<bucket>/<key>. References with any
// bucket-style scheme resolve to the same layout, so s3:// and gs:// inputs
// can be mirrored locally; other http(s) references are fetched over HTTP.
type FileStore struct {
	root    string
	bucket  string
	baseURL string
	signer  *Signer
	client  *http.Client
}

// NewFileStore builds the filesystem backend from config.
func NewFileStore(cfg *config.Config) (*FileStore, error) {
	root := strings.TrimSpace(cfg.Storage.Root)
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "storage", "init", "storage.root is required", nil)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure root: %w", err)
	}
	baseURL := cfg.Storage.PublicBaseURL
	if baseURL == "" {
		baseURL = "http://" + cfg.API.Bind
	}
	var signer *Signer
	if cfg.API.PresignSecret != "" {
		signer = NewSigner([]byte(cfg.API.PresignSecret))
	}
	return &FileStore{
		root:    root,
		bucket:  cfg.Storage.Bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// Root returns the storage root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Signer returns the presign signer, or nil when no secret is configured.
func (s *FileStore) Signer() *Signer {
	return s.signer
}

// Upload writes data to the default bucket and returns a store:// reference.
func (s *FileStore) Upload(ctx context.Context, data io.Reader, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, cleanKey, err := s.ObjectPath(s.bucket, key)
	if err != nil {
		return "", err
	}
	if _, _, err := fileutil.WriteAtomic(path, data); err != nil {
		return "", services.Wrap(services.ErrTransient, "storage", "upload", cleanKey, err)
	}
	return Location{Scheme: LocalScheme, Bucket: s.bucket, Key: cleanKey}.String(), nil
}

// Download copies ref into localPath. Bucket-style references are read from
// the local root; other http(s) URLs are fetched.
func (s *FileStore) Download(ctx context.Context, ref, localPath string) error {
	loc, err := ParseURL(ref)
	if err == nil {
		src, _, pathErr := s.ObjectPath(loc.Bucket, loc.Key)
		if pathErr != nil {
			return pathErr
		}
		if fileutil.Exists(src) {
			_, _, err := fileutil.CopyAtomic(src, localPath)
			if err != nil {
				return services.Wrap(services.ErrTransient, "storage", "download", ref, err)
			}
			return nil
		}
		if !loc.HTTP {
			return services.Wrap(services.ErrNotFound, "storage", "download", ref, nil)
		}
	}
	lower := strings.ToLower(strings.TrimSpace(ref))
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if err != nil {
			return err
		}
		return services.Wrap(services.ErrValidation, "storage", "download", "unsupported reference "+ref, nil)
	}
	return s.fetch(ctx, ref, localPath)
}

func (s *FileStore) fetch(ctx context.Context, ref, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return services.Wrap(services.ErrValidation, "storage", "download", ref, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "download", ref, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, "storage", "download", ref, nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return services.Wrap(services.ErrTransient, "storage", "download", fmt.Sprintf("%s: status %d", ref, resp.StatusCode), nil)
	case resp.StatusCode >= 300:
		return services.Wrap(services.ErrAsset, "storage", "download", fmt.Sprintf("%s: status %d", ref, resp.StatusCode), nil)
	}
	if _, _, err := fileutil.WriteAtomic(localPath, resp.Body); err != nil {
		return services.Wrap(services.ErrTransient, "storage", "download", ref, err)
	}
	return nil
}

// Exists reports whether bucket/key is present.
func (s *FileStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	path, _, err := s.ObjectPath(bucket, key)
	if err != nil {
		return false, err
	}
	return fileutil.Exists(path), nil
}

// Delete removes bucket/key and prunes empty parent directories up to the
// bucket root.
func (s *FileStore) Delete(_ context.Context, bucket, key string) error {
	path, _, err := s.ObjectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return services.Wrap(services.ErrTransient, "storage", "delete", bucket+"/"+key, err)
	}
	bucketRoot := filepath.Join(s.root, bucket)
	for dir := filepath.Dir(path); dir != bucketRoot && strings.HasPrefix(dir, bucketRoot); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Presign returns a signed link to key in the default bucket.
func (s *FileStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", services.Wrap(services.ErrConfiguration, "storage", "presign", "api.presign_secret is not set", nil)
	}
	_, cleanKey, err := s.ObjectPath(s.bucket, key)
	if err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	sig := s.signer.Sign(s.bucket, cleanKey, expires)
	return fmt.Sprintf("%s/objects/%s/%s?expires=%d&sig=%s", s.baseURL, s.bucket, cleanKey, expires, sig), nil
}

// ObjectPath maps bucket/key to a file under root, rejecting keys that would
// escape it.
func (s *FileStore) ObjectPath(bucket, key string) (string, string, error) {
	cleanBucket, err := sanitizeKey(bucket)
	if err != nil || strings.Contains(cleanBucket, "/") {
		return "", "", services.Wrap(services.ErrValidation, "storage", "resolve", fmt.Sprintf("invalid bucket %q", bucket), nil)
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", "", services.Wrap(services.ErrValidation, "storage", "resolve", fmt.Sprintf("invalid key %q", key), err)
	}
	return filepath.Join(s.root, cleanBucket, filepath.FromSlash(cleanKey)), cleanKey, nil
}

func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("key escapes storage root")
	}
	return cleaned, nil
}
