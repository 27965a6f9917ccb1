// Package atomicfile provides write-temp-then-rename helpers so readers of
// status/config/baseline files never observe a partially written document.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write serializes data to a temp file in the same directory as path and
// renames it over path. Rename is atomic on the same filesystem, so
// concurrent readers only ever see a whole file, old or new.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Truncate atomically replaces path's contents with an empty file, used by
// purge operations that must never leave a half-truncated file visible.
func Truncate(path string) error {
	return Write(path, []byte{}, 0o644)
}
