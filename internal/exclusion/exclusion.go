package exclusion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/filter"
	"github.com/bamsammich/sdsync/internal/storage"
	"github.com/bamsammich/sdsync/internal/walk"
)

const maxRestoreAttempts = 1000

// RestoreResult counts what RestoreAll did.
type RestoreResult struct {
	Restored   int // renamed back to the visible name
	Collisions int // restored under a _restored name instead
	Failed     int
}

// Config controls an Excluder.
type Config struct {
	// Audio selects which files isolation may hide. Nil means
	// filter.DefaultAudioExtensions.
	Audio *filter.Chain

	// SkipDirs are never walked, typically the trash directory.
	SkipDirs []string

	Events chan<- event.Event
	Yield  func()
}

// Excluder tags and untags files on a storage.FS.
type Excluder struct {
	fs  storage.FS
	cfg Config
}

// New creates an Excluder.
func New(fsys storage.FS, cfg Config) (*Excluder, error) {
	if cfg.Audio == nil {
		c, err := filter.Extensions(filter.DefaultAudioExtensions)
		if err != nil {
			return nil, err
		}
		cfg.Audio = c
	}
	return &Excluder{fs: fsys, cfg: cfg}, nil
}

func (x *Excluder) walkOpts() walk.Options {
	return walk.Options{SkipDirs: x.cfg.SkipDirs, FilesOnly: true, Yield: x.cfg.Yield}
}

// ExcludeOutside tags every audio file whose path does not start with
// prefix. An empty prefix tags nothing. Files already tagged are left
// alone. It returns how many files were tagged.
func (x *Excluder) ExcludeOutside(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, nil
	}

	var candidates []VisiblePath
	err := walk.Each(ctx, x.fs, "/", x.walkOpts(), func(e storage.Entry) error {
		if IsTagged(e.Path) || strings.HasPrefix(e.Path, prefix) {
			return nil
		}
		if !x.cfg.Audio.Match(e.Path, false) {
			return nil
		}
		v, err := Visible(e.Path)
		if err != nil {
			return nil
		}
		candidates = append(candidates, v)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk for exclusion: %w", err)
	}

	tagged := 0
	for _, v := range candidates {
		if err := ctx.Err(); err != nil {
			return tagged, err
		}
		t := v.Tag()
		if err := x.fs.Rename(string(v), string(t)); err != nil {
			slog.Warn("exclude failed", "path", v, "error", err)
			continue
		}
		event.Emit(x.cfg.Events, event.Event{Type: event.FileExcluded, Path: string(v), Dest: string(t)})
		tagged++
	}

	slog.Debug("exclusion complete", "prefix", prefix, "tagged", tagged, "candidates", len(candidates))
	return tagged, nil
}

// RestoreAll renames every tagged file back to its visible name. When the
// visible name is taken, the file is restored as <visible>_restored (or
// _restored_2, _restored_3, ...) and counted as a collision.
func (x *Excluder) RestoreAll(ctx context.Context) (RestoreResult, error) {
	var res RestoreResult

	var tagged []TaggedPath
	err := walk.Each(ctx, x.fs, "/", x.walkOpts(), func(e storage.Entry) error {
		if t, ok := Tagged(e.Path); ok {
			tagged = append(tagged, t)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walk for restore: %w", err)
	}

	for _, t := range tagged {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		dest, collided, err := x.restore(t)
		if err != nil {
			slog.Warn("restore failed", "path", t, "error", err)
			res.Failed++
			continue
		}
		if collided {
			slog.Warn("restore target taken, kept both", "path", t.Untag(), "restored_as", dest)
			res.Collisions++
		} else {
			res.Restored++
		}
		event.Emit(x.cfg.Events, event.Event{Type: event.FileRestored, Path: string(t), Dest: dest})
	}

	if len(tagged) > 0 {
		slog.Info("restored excluded files", "restored", res.Restored, "collisions", res.Collisions, "failed", res.Failed)
	}
	return res, nil
}

func (x *Excluder) restore(t TaggedPath) (string, bool, error) {
	visible := string(t.Untag())

	err := x.fs.Rename(string(t), visible)
	if err == nil {
		return visible, false, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return "", false, err
	}

	for i := 1; i <= maxRestoreAttempts; i++ {
		alt := visible + "_restored"
		if i > 1 {
			alt = fmt.Sprintf("%s_restored_%d", visible, i)
		}
		err := x.fs.Rename(string(t), alt)
		if err == nil {
			return alt, true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("no free restore name for %s", visible)
}
