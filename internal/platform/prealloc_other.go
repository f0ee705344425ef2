//go:build !linux

package platform

import "os"

func preallocate(_ *os.File, _ int64) {}

// Datasync falls back to a full fsync.
func Datasync(f *os.File) error {
	return f.Sync()
}
