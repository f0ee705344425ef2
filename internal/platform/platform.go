// Package platform holds the OS-specific pieces behind medium images and
// device flushes.
package platform

import (
	"fmt"
	"os"
)

// CreateImage creates a zero-filled image file of exactly size bytes,
// preallocating its blocks where the filesystem allows. An existing file is
// never truncated.
func CreateImage(path string, size int64) error {
	if size <= 0 {
		return fmt.Errorf("image size must be positive, got %d", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create image %s: %w", path, err)
	}

	preallocate(f, size)
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("size image %s: %w", path, err)
	}
	if err := Datasync(f); err != nil {
		f.Close()
		return fmt.Errorf("sync image %s: %w", path, err)
	}
	return f.Close()
}
