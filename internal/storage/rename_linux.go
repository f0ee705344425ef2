//go:build linux

package storage

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// renameNoReplace uses renameat2(RENAME_NOREPLACE) so the existence check and
// the move are one atomic step. Filesystems that reject the flag fall back to
// check-then-rename.
func renameNoReplace(oldAbs, newAbs string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldAbs, unix.AT_FDCWD, newAbs, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EEXIST):
		return &os.LinkError{Op: "rename", Old: oldAbs, New: newAbs, Err: os.ErrExist}
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.ENOTSUP):
		return renameCheckThenMove(oldAbs, newAbs)
	default:
		return &os.LinkError{Op: "rename", Old: oldAbs, New: newAbs, Err: err}
	}
}
