package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestWriteAtomicCreatesParentsAndHashes(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "nested", "out.bin")
	digest, size, err := WriteAtomic(dst, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if size != 11 || digest != digestOf("hello world") {
		t.Fatalf("unexpected digest/size: %s %d", digest, size)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "hello world" {
		t.Fatalf("unexpected content %q: %v", got, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Fatalf("expected temp file to be renamed away, found %d entries", len(entries))
	}
}

func TestCopyAtomicKeepsSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	dst := filepath.Join(dir, "cache", "dst.mp4")
	if err := os.WriteFile(src, []byte("clip"), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, size, err := CopyAtomic(src, dst)
	if err != nil {
		t.Fatalf("CopyAtomic: %v", err)
	}
	if size != 4 || digest != digestOf("clip") {
		t.Fatalf("unexpected digest/size: %s %d", digest, size)
	}
	if !Exists(src) || !Exists(dst) {
		t.Fatal("expected both source and destination to exist")
	}
}

func TestMoveAtomicRemovesSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "render.mp4")
	dst := filepath.Join(dir, "store", "render.mp4")
	if err := os.WriteFile(src, []byte("render"), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, _, err := MoveAtomic(src, dst)
	if err != nil {
		t.Fatalf("MoveAtomic: %v", err)
	}
	if digest != digestOf("render") {
		t.Fatalf("unexpected digest %s", digest)
	}
	if Exists(src) {
		t.Fatal("expected source to be gone")
	}
}

func TestCopyAtomicMissingSource(t *testing.T) {
	if _, _, err := CopyAtomic(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "dst")); err == nil {
		t.Fatal("expected error for missing source")
	}
}
