package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"montage/internal/config"
	"montage/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_Missing(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "absent"))
	if result.Passed || !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCheckDirectoryAccess_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	result := CheckDirectoryAccess("test", path)
	if result.Passed || !strings.Contains(result.Detail, "not a directory") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("disk", dir, 0); !result.Passed {
		t.Fatalf("zero minimum should pass: %+v", result)
	}
	if result := CheckFreeSpace("disk", dir, 1<<20); result.Passed {
		t.Fatalf("a petabyte minimum should fail: %+v", result)
	}
	if result := CheckFreeSpace("disk", filepath.Join(dir, "absent"), 1); result.Passed {
		t.Fatalf("missing path should fail: %+v", result)
	}
}

func TestCheckEndpoint(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := CheckEndpoint(context.Background(), "svc", srv.URL+"/", "key")
	if !result.Passed {
		t.Fatalf("expected pass, got %+v", result)
	}
	if gotAuth != "Bearer key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
}

func TestCheckEndpoint_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	result := CheckEndpoint(context.Background(), "svc", srv.URL, "bad-key")
	if result.Passed {
		t.Fatal("expected failure for bad key")
	}
}

func TestCheckEndpoint_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if result := CheckEndpoint(context.Background(), "svc", srv.URL, ""); result.Passed {
		t.Fatal("expected failure for 502")
	}
}

func TestCheckEndpoint_MissingURL(t *testing.T) {
	if result := CheckEndpoint(context.Background(), "svc", " ", ""); result.Passed {
		t.Fatal("expected failure for missing URL")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_StubbedTools(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	results := RunAll(context.Background(), cfg)
	// ffmpeg, ffprobe, work dir, asset cache dir, free space
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d: %+v", len(results), results)
	}
	if err := Failures(results); err != nil {
		t.Fatalf("unexpected failures: %v", err)
	}
}

func TestRunAll_IncludesConfiguredEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Conversion.Endpoint = srv.URL
	}))
	results := RunAll(context.Background(), cfg)
	err := Failures(results)
	if err == nil || !strings.Contains(err.Error(), "Conversion service") {
		t.Fatalf("expected conversion failure, got %v", err)
	}
}
