// Package storage is the path-addressed file layer sitting on top of the
// mounted medium. Paths are absolute and '/'-separated regardless of host OS.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// Entry describes a single file or directory on the medium.
type Entry struct {
	Path  string // absolute, '/'-separated
	Size  int64  // files only
	IsDir bool
}

// Name returns the final path element.
func (e Entry) Name() string { return path.Base(e.Path) }

// File is an open file on the medium.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.ReaderAt
	io.Closer
}

// FS is the file storage contract the sync core runs against.
type FS interface {
	// Open opens an existing file for reading.
	Open(p string) (File, error)

	// Create creates or truncates a file for writing.
	Create(p string) (File, error)

	// Stat returns metadata for a single path.
	Stat(p string) (Entry, error)

	// Exists reports whether anything lives at p.
	Exists(p string) bool

	// Rename moves oldPath to newPath. It fails with an error matching
	// os.ErrExist when newPath is already taken; it never overwrites.
	Rename(oldPath, newPath string) error

	// Remove deletes a single file or empty directory.
	Remove(p string) error

	// Mkdir creates a directory, and all parents when recursive is set.
	Mkdir(p string, recursive bool) error

	// ReadDir lists the immediate children of a directory. The directory
	// handle is closed before ReadDir returns.
	ReadDir(p string) ([]Entry, error)
}

// Clean normalizes p into an absolute '/'-separated path. Leading ".."
// elements are dropped so the result never escapes the root.
func Clean(p string) string {
	return path.Clean("/" + p)
}

// Join joins path elements and cleans the result.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// HasPrefix reports whether p lies at or below dir.
func HasPrefix(p, dir string) bool {
	dir = Clean(dir)
	if dir == "/" {
		return true
	}
	p = Clean(p)
	return p == dir || len(p) > len(dir) && p[:len(dir)] == dir && p[len(dir)] == '/'
}

// Local implements FS on a directory of the host filesystem, typically the
// mount point of the medium.
type Local struct {
	root string
}

var _ FS = (*Local)(nil)

// NewLocal creates a Local rooted at root.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

// Root returns the host directory backing this FS.
func (l *Local) Root() string { return l.root }

func (l *Local) abs(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(Clean(p)))
}

//nolint:ireturn // implements FS
func (l *Local) Open(p string) (File, error) {
	return os.Open(l.abs(p))
}

//nolint:ireturn // implements FS
func (l *Local) Create(p string) (File, error) {
	return os.OpenFile(l.abs(p), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (l *Local) Stat(p string) (Entry, error) {
	info, err := os.Stat(l.abs(p))
	if err != nil {
		return Entry{}, err
	}
	return infoToEntry(Clean(p), info), nil
}

func (l *Local) Exists(p string) bool {
	_, err := os.Lstat(l.abs(p))
	return err == nil
}

func (l *Local) Rename(oldPath, newPath string) error {
	return renameNoReplace(l.abs(oldPath), l.abs(newPath))
}

func (l *Local) Remove(p string) error {
	return os.Remove(l.abs(p))
}

func (l *Local) Mkdir(p string, recursive bool) error {
	if recursive {
		return os.MkdirAll(l.abs(p), 0o755)
	}
	return os.Mkdir(l.abs(p), 0o755)
}

func (l *Local) ReadDir(p string) ([]Entry, error) {
	dir := Clean(p)
	dirents, err := os.ReadDir(l.abs(dir))
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			// Vanished between readdir and stat.
			continue
		}
		entries = append(entries, infoToEntry(path.Join(dir, d.Name()), info))
	}
	return entries, nil
}

func infoToEntry(p string, info os.FileInfo) Entry {
	e := Entry{Path: p, IsDir: info.IsDir()}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

// renameCheckThenMove is the portable fallback: check the destination, then
// rename. Not atomic against concurrent writers, which the single-threaded
// sync core does not have.
func renameCheckThenMove(oldAbs, newAbs string) error {
	if _, err := os.Lstat(newAbs); err == nil {
		return &os.LinkError{Op: "rename", Old: oldAbs, New: newAbs, Err: os.ErrExist}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Rename(oldAbs, newAbs)
}
