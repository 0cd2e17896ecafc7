// Package fileutil holds atomic file helpers shared by the asset cache, the
// object store, and remote asset downloads.
package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// WriteAtomic streams r into dst through a temp file in the same directory and
// renames it into place. It returns the SHA-256 hex digest and byte count.
func WriteAtomic(dst string, r io.Reader) (string, int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return "", 0, fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", 0, fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", 0, fmt.Errorf("rename into %s: %w", dst, err)
	}
	committed = true
	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}

// CopyAtomic copies src to dst via WriteAtomic and verifies the byte count
// against the source size.
func CopyAtomic(src, dst string) (string, int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", 0, fmt.Errorf("stat source: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	digest, written, err := WriteAtomic(dst, in)
	if err != nil {
		return "", 0, err
	}
	if written != info.Size() {
		_ = os.Remove(dst)
		return "", 0, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	return digest, written, nil
}

// MoveAtomic renames src to dst, falling back to copy and delete across
// filesystems. It returns the digest and size of dst.
func MoveAtomic(src, dst string) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("create directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
			return "", 0, fmt.Errorf("move %s: %w", src, err)
		}
		digest, size, copyErr := CopyAtomic(src, dst)
		if copyErr != nil {
			return "", 0, copyErr
		}
		_ = os.Remove(src)
		return digest, size, nil
	}
	return HashFile(dst)
}

// HashFile returns the SHA-256 hex digest and size of path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
