// Package browse holds the navigation state of a directory listing. A
// Session is an immutable value: every navigation returns a new Session and
// leaves the receiver unchanged.
package browse

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bamsammich/sdsync/internal/stats"
	"github.com/bamsammich/sdsync/internal/storage"
	"github.com/bamsammich/sdsync/internal/walk"
)

// ErrNotDir is returned by Enter when the selection is not a directory.
var ErrNotDir = errors.New("selection is not a directory")

// Session is a listing of one directory, or of a logical prefix, with a
// selected entry.
type Session struct {
	Path     string
	Entries  []storage.Entry
	Selected int // -1 when the listing is empty

	// logical listings are flat file lists under a path prefix.
	logical bool
}

// Open lists dir.
func Open(fsys storage.FS, dir string) (Session, error) {
	dir = storage.Clean(dir)
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return Session{}, fmt.Errorf("list %s: %w", dir, err)
	}
	return newSession(dir, entries, false), nil
}

// Logical lists every file whose absolute path starts with prefix, from
// anywhere on the medium.
func Logical(ctx context.Context, fsys storage.FS, prefix string, opts walk.Options) (Session, error) {
	entries, err := walk.Filtered(ctx, fsys, prefix, opts)
	if err != nil {
		return Session{}, err
	}
	return newSession(prefix, entries, true), nil
}

func newSession(p string, entries []storage.Entry, logical bool) Session {
	s := Session{Path: p, Entries: entries, Selected: -1, logical: logical}
	if len(entries) > 0 {
		s.Selected = 0
	}
	return s
}

// IsLogical reports whether s came from Logical.
func (s Session) IsLogical() bool { return s.logical }

// Current returns the selected entry.
func (s Session) Current() (storage.Entry, bool) {
	if s.Selected < 0 || s.Selected >= len(s.Entries) {
		return storage.Entry{}, false
	}
	return s.Entries[s.Selected], true
}

// Next selects the following entry, wrapping to the first.
func (s Session) Next() Session {
	if len(s.Entries) == 0 {
		return s
	}
	s.Selected = (s.Selected + 1) % len(s.Entries)
	return s
}

// Prev selects the preceding entry, wrapping to the last.
func (s Session) Prev() Session {
	if len(s.Entries) == 0 {
		return s
	}
	s.Selected = (s.Selected - 1 + len(s.Entries)) % len(s.Entries)
	return s
}

// Enter opens the selected directory.
func (s Session) Enter(fsys storage.FS) (Session, error) {
	e, ok := s.Current()
	if !ok || !e.IsDir {
		return s, ErrNotDir
	}
	return Open(fsys, e.Path)
}

// Up opens the parent directory with the directory just left selected. A
// logical listing goes back to the root.
func (s Session) Up(fsys storage.FS) (Session, error) {
	if s.logical {
		return Open(fsys, "/")
	}
	child := s.Path
	parent, err := Open(fsys, path.Dir(child))
	if err != nil {
		return s, err
	}
	for i, e := range parent.Entries {
		if e.Path == child {
			parent.Selected = i
			break
		}
	}
	return parent, nil
}

// PlaylistPrefix is the prefix to keep visible when isolating the current
// selection: a selected directory yields "dir/", a selected file its exact
// path, and an empty listing the current path followed by "/".
func (s Session) PlaylistPrefix() string {
	e, ok := s.Current()
	switch {
	case !ok:
		return withSlash(s.Path)
	case e.IsDir:
		return withSlash(e.Path)
	default:
		return e.Path
	}
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// Line renders entry i the way a listing shows it: "DIR: name" for
// directories, otherwise the name and size. Logical listings show paths
// relative to the prefix.
func (s Session) Line(i int) string {
	e := s.Entries[i]
	if e.IsDir {
		return "DIR: " + e.Name()
	}
	name := e.Name()
	if s.logical {
		name = walk.Relative(s.Path, e.Path)
	}
	return name + "  " + stats.FormatBytes(e.Size)
}
