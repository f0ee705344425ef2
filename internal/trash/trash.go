// Package trash implements reversible deletion: files are renamed into a
// trash directory on the same medium instead of being removed.
package trash

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/bamsammich/sdsync/internal/storage"
)

// DefaultDir is the trash directory at the medium root.
const DefaultDir = "/.trash"

const maxNameAttempts = 1000

// ErrInTrash is returned when asked to retire the trash itself or
// something already inside it.
var ErrInTrash = errors.New("path is inside the trash")

// Store moves entries into the trash directory.
type Store struct {
	fs  storage.FS
	dir string
	now func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Option configures a Store.
type Option func(*Store)

// WithDir overrides the trash directory.
func WithDir(dir string) Option {
	return func(s *Store) { s.dir = storage.Clean(dir) }
}

// WithClock overrides the time source used for retired names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over fsys.
func New(fsys storage.FS, opts ...Option) *Store {
	s := &Store{fs: fsys, dir: DefaultDir, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the trash directory.
func (s *Store) Dir() string { return s.dir }

// Retire renames p into the trash as <millis>_<seq>_<base> and returns the
// new path. The entry is never copied; on failure p is left where it was.
func (s *Store) Retire(p string) (string, error) {
	p = storage.Clean(p)
	if storage.HasPrefix(p, s.dir) || p == "/" {
		return "", fmt.Errorf("%w: %s", ErrInTrash, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Mkdir(s.dir, true); err != nil {
		return "", fmt.Errorf("create trash dir: %w", err)
	}

	base := path.Base(p)
	for range maxNameAttempts {
		dest := path.Join(s.dir, fmt.Sprintf("%d_%d_%s", s.now().UnixMilli(), s.seq, base))
		s.seq++
		if s.fs.Exists(dest) {
			continue
		}

		err := s.fs.Rename(p, dest)
		if err == nil {
			return dest, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return "", fmt.Errorf("retire %s: %w", p, err)
	}
	return "", fmt.Errorf("retire %s: no free name in %s", p, s.dir)
}

// RetireAllExcept retires every immediate child of root except the trash
// directory and children whose names are listed in protected. Candidates are
// collected before anything moves. It returns how many entries were retired.
func (s *Store) RetireAllExcept(ctx context.Context, root string, protected []string) (int, error) {
	root = storage.Clean(root)
	entries, err := s.fs.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", root, err)
	}

	skip := make(map[string]struct{}, len(protected))
	for _, name := range protected {
		skip[name] = struct{}{}
	}

	var candidates []string
	for _, e := range entries {
		if e.Path == s.dir {
			continue
		}
		if _, ok := skip[e.Name()]; ok {
			continue
		}
		candidates = append(candidates, e.Path)
	}

	retired := 0
	var errs []error
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return retired, err
		}
		dest, err := s.Retire(p)
		if err != nil {
			slog.Warn("retire failed", "path", p, "error", err)
			errs = append(errs, err)
			continue
		}
		slog.Debug("retired", "path", p, "trash", dest)
		retired++
	}
	return retired, errors.Join(errs...)
}
