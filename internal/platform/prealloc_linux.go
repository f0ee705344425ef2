//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for an image so the host never hits
// ENOSPC mid-write. FAT and tmpfs may refuse; the image still works sparse.
//
//nolint:gosec // G115: fds are small
func preallocate(f *os.File, size int64) {
	_ = unix.Fallocate(int(f.Fd()), 0, 0, size)
}

// Datasync flushes file data without forcing a metadata update.
//
//nolint:gosec // G115: fds are small
func Datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
