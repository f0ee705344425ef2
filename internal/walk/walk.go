// Package walk traverses a storage.FS tree with an explicit work stack so
// depth never grows the call stack and at most one directory is open at a
// time.
package walk

import (
	"context"
	"log/slog"
	"path"
	"runtime"
	"slices"
	"strings"

	"github.com/bamsammich/sdsync/internal/storage"
)

// Options controls a walk.
type Options struct {
	// SkipDirs lists absolute directory paths that are neither reported nor
	// descended into.
	SkipDirs []string

	// FilesOnly omits directories from the output.
	FilesOnly bool

	// Yield runs after each reported entry. Defaults to runtime.Gosched.
	Yield func()
}

func (o Options) yield() func() {
	if o.Yield != nil {
		return o.Yield
	}
	return runtime.Gosched
}

// Each visits every entry reachable below root exactly once. Directories that
// cannot be listed are skipped. A non-nil error from fn stops the walk and is
// returned.
func Each(ctx context.Context, fsys storage.FS, root string, opts Options, fn func(storage.Entry) error) error {
	yield := opts.yield()
	skip := make(map[string]struct{}, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		skip[storage.Clean(d)] = struct{}{}
	}

	stack := []string{storage.Clean(root)}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := fsys.ReadDir(dir)
		if err != nil {
			slog.Debug("skipping unreadable directory", "path", dir, "error", err)
			continue
		}

		var subdirs []string
		for _, e := range entries {
			if e.IsDir {
				if _, ok := skip[e.Path]; ok {
					continue
				}
				subdirs = append(subdirs, e.Path)
				if opts.FilesOnly {
					continue
				}
			}
			if err := fn(e); err != nil {
				return err
			}
			yield()
		}

		// Reverse so the first child is popped first.
		slices.Reverse(subdirs)
		stack = append(stack, subdirs...)
	}
	return nil
}

// All collects every entry reachable below root.
func All(ctx context.Context, fsys storage.FS, root string, opts Options) ([]storage.Entry, error) {
	var out []storage.Entry
	err := Each(ctx, fsys, root, opts, func(e storage.Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Filtered returns the files whose absolute path starts with prefix. The
// match is on the raw string, so "/a/b" also matches "/a/bc/x". Use Relative
// to display a result under its prefix.
func Filtered(ctx context.Context, fsys storage.FS, prefix string, opts Options) ([]storage.Entry, error) {
	opts.FilesOnly = true
	var out []storage.Entry
	err := Each(ctx, fsys, "/", opts, func(e storage.Entry) error {
		if strings.HasPrefix(e.Path, prefix) {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Relative strips prefix and any leading '/' from p. A prefix that names p
// exactly yields its base name.
func Relative(prefix, p string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(p, prefix), "/")
	if rel == "" {
		return path.Base(p)
	}
	return rel
}
