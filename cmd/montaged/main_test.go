package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvSetsUnsetVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("MONTAGE_API_TOKEN=from-file\nMONTAGE_CONVERSION_API_KEY=file-key\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("MONTAGE_API_TOKEN", "from-shell")
	t.Setenv("MONTAGE_CONVERSION_API_KEY", "")
	os.Unsetenv("MONTAGE_CONVERSION_API_KEY")

	if err := loadEnv(path); err != nil {
		t.Fatalf("loadEnv: %v", err)
	}
	if got := os.Getenv("MONTAGE_API_TOKEN"); got != "from-shell" {
		t.Fatalf("shell value overridden: %q", got)
	}
	if got := os.Getenv("MONTAGE_CONVERSION_API_KEY"); got != "file-key" {
		t.Fatalf("file value not applied: %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
	if err := loadEnv(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}
