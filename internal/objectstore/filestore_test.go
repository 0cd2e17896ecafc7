package objectstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"montage/internal/services"
	"montage/internal/testsupport"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	fs, err := NewFileStore(cfg)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	ref, err := fs.Upload(ctx, strings.NewReader("render"), "jobs/j1/luxury.mp4")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "store://montage/jobs/j1/luxury.mp4" {
		t.Fatalf("unexpected ref %q", ref)
	}
	ok, err := fs.Exists(ctx, "montage", "jobs/j1/luxury.mp4")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	dst := filepath.Join(t.TempDir(), "out.mp4")
	if err := fs.Download(ctx, ref, dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "render" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestObjectPathRejectsTraversal(t *testing.T) {
	fs := newTestStore(t)
	for _, key := range []string{"../escape", "a/../../escape", ""} {
		if _, _, err := fs.ObjectPath("montage", key); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("key %q: expected validation error, got %v", key, err)
		}
	}
	if _, _, err := fs.ObjectPath("../other", "k"); err == nil {
		t.Fatal("expected bucket traversal to be rejected")
	}
	path, key, err := fs.ObjectPath("montage", "/leading/./slash.mp4")
	if err != nil {
		t.Fatalf("ObjectPath: %v", err)
	}
	if key != "leading/slash.mp4" || !strings.HasPrefix(path, fs.Root()) {
		t.Fatalf("unexpected path %q key %q", path, key)
	}
}

func TestDeleteMissingObjectSucceeds(t *testing.T) {
	fs := newTestStore(t)
	if err := fs.Delete(context.Background(), "montage", "never/there.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestDeletePrunesEmptyDirectories(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()
	if _, err := fs.Upload(ctx, strings.NewReader("x"), "a/b/c.mp4"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := fs.Delete(ctx, "montage", "a/b/c.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fs.Root(), "montage", "a")); !os.IsNotExist(err) {
		t.Fatalf("expected empty parents to be pruned, stat err = %v", err)
	}
}

func TestDownloadFetchesHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	fs := newTestStore(t)
	dst := filepath.Join(t.TempDir(), "photo.jpg")
	if err := fs.Download(context.Background(), srv.URL+"/photo.jpg", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "jpeg" {
		t.Fatalf("unexpected content %q", data)
	}
	err := fs.Download(context.Background(), srv.URL+"/missing.jpg", dst)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDownloadMirroredBucketReference(t *testing.T) {
	fs := newTestStore(t)
	testsupport.WriteText(t, filepath.Join(fs.Root(), "media", "photos", "1.jpg"), "mirror")
	dst := filepath.Join(t.TempDir(), "1.jpg")
	if err := fs.Download(context.Background(), "s3://media/photos/1.jpg", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	err := fs.Download(context.Background(), "s3://media/photos/absent.jpg", dst)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for absent mirror, got %v", err)
	}
}

func TestPresignVerify(t *testing.T) {
	fs := newTestStore(t)
	link, err := fs.Presign(context.Background(), "jobs/j1/luxury.mp4", time.Hour)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Path != "/objects/montage/jobs/j1/luxury.mp4" {
		t.Fatalf("unexpected path %q", u.Path)
	}
	q := u.Query()
	if err := fs.Signer().Verify("montage", "jobs/j1/luxury.mp4", q.Get("expires"), q.Get("sig")); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := fs.Signer().Verify("montage", "jobs/j1/other.mp4", q.Get("expires"), q.Get("sig")); !errors.Is(err, ErrLinkSignature) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer := NewSigner([]byte("k"))
	expires := time.Now().Add(-time.Minute).Unix()
	sig := signer.Sign("b", "k", expires)
	err := signer.Verify("b", "k", strconv.FormatInt(expires, 10), sig)
	if !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestPresignRequiresSecret(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.API.PresignSecret = ""
	fs, err := NewFileStore(cfg)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := fs.Presign(context.Background(), "k", time.Minute); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
