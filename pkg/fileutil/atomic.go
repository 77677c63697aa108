package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BackupTimeFormat is the suffix layout used by BackupFile.
const BackupTimeFormat = "20060102-150405"

// WriteFileAtomic writes data to path using the "write temp, then rename"
// pattern, so readers only ever observe the old or the new content.
//
// The temporary file is created in the same directory as path so the
// rename never crosses a filesystem boundary.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on any failure below
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename file atomically: %w", err)
	}
	committed = true

	return nil
}

// BackupFile copies path to "<path>.backup.<timestamp>" and returns the
// backup path. A missing source is not an error: it returns "" and nil.
func BackupFile(path string, now time.Time) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open %s for backup: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	backupPath := path + ".backup." + now.Format(BackupTimeFormat)
	dst, err := os.OpenFile(backupPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to close backup file: %w", err)
	}

	return backupPath, nil
}

// RestoreFile atomically replaces path with the contents of backupPath.
func RestoreFile(backupPath, path string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(backupPath); err == nil {
		perm = info.Mode().Perm()
	}

	return WriteFileAtomic(path, data, perm)
}
