// Package persistence provides atomic file persistence for index state.
//
// An index persists as sibling files inside one directory. All files of a
// snapshot are written to temp files first and renamed together, so a crash
// mid-write never leaves a half-updated snapshot behind.
package persistence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrCorrupted marks persisted state that exists but cannot be decoded.
// It is deliberately distinct from a missing file, which simply means a
// fresh (empty) index. Corruption is surfaced, never auto-repaired.
var ErrCorrupted = errors.New("corrupted persistence")

// Corrupted wraps cause as an ErrCorrupted for the given file.
func Corrupted(filename string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrCorrupted, filename, cause)
}

// ReadFile reads a persisted file. A missing file returns (nil, false, nil).
func ReadFile(dir, filename string) ([]byte, bool, error) {
	b, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("persistence: read %s: %w", filename, err)
	}
	return b, true, nil
}

// AtomicSaveToDir saves multiple files atomically to a directory.
// All files are written to temp files first, then renamed together.
func AtomicSaveToDir(dir string, files map[string]func(io.Writer) error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: failed to create directory %s: %w", dir, err)
	}

	// Track temp files for cleanup on error.
	tempFiles := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range tempFiles {
			_ = os.Remove(tmp)
		}
	}()

	type fileMapping struct {
		temp   string
		target string
	}
	mappings := make([]fileMapping, 0, len(files))

	for filename, writeFunc := range files {
		target := filepath.Join(dir, filename)

		// Temp file in the same directory so the rename stays atomic.
		tmp, err := os.CreateTemp(dir, filename+".tmp-*")
		if err != nil {
			return fmt.Errorf("persistence: failed to create temp file for %s: %w", filename, err)
		}
		tempFiles = append(tempFiles, tmp.Name())

		if err := writeFunc(tmp); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("persistence: failed to write %s: %w", filename, err)
		}

		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("persistence: failed to sync %s: %w", filename, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("persistence: failed to close %s: %w", filename, err)
		}

		mappings = append(mappings, fileMapping{temp: tmp.Name(), target: target})
	}

	for _, m := range mappings {
		if err := os.Rename(m.temp, m.target); err != nil {
			return fmt.Errorf("persistence: failed to rename %s: %w", m.target, err)
		}
	}

	// Rename succeeded; nothing left to clean up.
	tempFiles = nil

	// Best-effort: fsync directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}
