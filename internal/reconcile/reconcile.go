package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/bamsammich/sdsync/internal/archive"
	"github.com/bamsammich/sdsync/internal/event"
	"github.com/bamsammich/sdsync/internal/exclusion"
	"github.com/bamsammich/sdsync/internal/manifest"
	"github.com/bamsammich/sdsync/internal/metrics"
	"github.com/bamsammich/sdsync/internal/retry"
	"github.com/bamsammich/sdsync/internal/stats"
	"github.com/bamsammich/sdsync/internal/storage"
	"github.com/bamsammich/sdsync/internal/transport"
	"github.com/bamsammich/sdsync/internal/trash"
	"github.com/bamsammich/sdsync/internal/walk"
)

const (
	// DefaultStallTimeout fails a transfer that delivers no bytes for this long.
	DefaultStallTimeout = 5 * time.Second

	maxManifestSize = 16 << 20
	copyBufSize     = 32 * 1024
)

// DefaultProtected lists top-level names the reconciler never walks into.
var DefaultProtected = []string{"System Volume Information"}

var (
	// ErrDigestMismatch is returned when downloaded content does not hash to
	// the manifest digest.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrShortTransfer is returned when fewer bytes arrive than advertised.
	ErrShortTransfer = errors.New("short transfer")
)

// Config describes a reconciliation run.
type Config struct {
	Source       transport.Source
	FS           storage.FS
	Trash        *trash.Store       // defaults to trash.New(FS)
	Expander     *archive.Expander  // defaults to archive.New(FS)
	Stats        *stats.Collector   // defaults to a fresh collector
	Events       chan<- event.Event // optional
	ArchiveExt   string             // defaults to manifest.DefaultArchiveExt
	Protected    []string           // top-level names skipped by RetireStale
	StallTimeout time.Duration
	Limiter      *rate.Limiter // nil means unlimited
	Retry        retry.Config
	Yield        func()
}

// Failure records one entry that failed without ending the run.
type Failure struct {
	Path  string
	Stage State
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Path, f.Err)
}

// Result is the outcome of a reconciliation run. Err is set only when the
// run could not start, in which case storage is untouched.
type Result struct {
	Err      error
	Stats    stats.Snapshot
	Failures []Failure
	Manifest *manifest.Manifest
}

type pending struct {
	entry    manifest.Entry
	download bool
}

// Reconciler drives storage toward the remote manifest.
type Reconciler struct {
	cfg   Config
	state State

	man        *manifest.Manifest
	queue      []pending
	wanted     map[string]struct{}
	wantedDirs []string
	expanded   map[string]struct{}
	failures   []Failure
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Source == nil {
		return nil, errors.New("reconcile: nil source")
	}
	if cfg.FS == nil {
		return nil, errors.New("reconcile: nil storage")
	}
	if cfg.Trash == nil {
		cfg.Trash = trash.New(cfg.FS)
	}
	if cfg.Expander == nil {
		cfg.Expander = archive.New(cfg.FS)
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.ArchiveExt == "" {
		cfg.ArchiveExt = manifest.DefaultArchiveExt
	}
	if cfg.Protected == nil {
		cfg.Protected = DefaultProtected
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Yield == nil {
		cfg.Yield = runtime.Gosched
	}
	return &Reconciler{cfg: cfg}, nil
}

// State reports the phase the reconciler is in.
func (r *Reconciler) State() State { return r.state }

// Run performs one full reconciliation, blocking until complete.
func (r *Reconciler) Run(ctx context.Context) Result {
	start := time.Now()
	r.state = FetchManifest
	r.wanted = make(map[string]struct{})
	r.expanded = make(map[string]struct{})
	r.queue, r.wantedDirs, r.failures = nil, nil, nil

	var fatal error
	for r.state != Done {
		if err := ctx.Err(); err != nil && r.state != FetchManifest {
			r.fail("", err)
			break
		}
		slog.Debug("reconcile", "state", r.state)
		switch r.state {
		case FetchManifest:
			if fatal = r.fetchManifest(ctx); fatal != nil {
				r.state = Done
				continue
			}
			r.state = Diff
		case Diff:
			r.diff()
			r.state = DownloadMissing
		case DownloadMissing:
			r.downloadMissing(ctx)
			r.state = ExpandArchives
		case ExpandArchives:
			r.expandPending(ctx)
			r.state = RetireStale
		case RetireStale:
			r.retireStale(ctx)
			r.state = Done
		}
	}
	r.state = Done

	snap := r.cfg.Stats.Snapshot()
	metrics.RecordSync(metrics.SyncSummary{
		Duration:        time.Since(start),
		Fatal:           fatal != nil,
		Downloaded:      snap.Downloads,
		Extracted:       snap.FilesExtracted,
		Retired:         snap.FilesRetired,
		Failed:          int64(len(r.failures)),
		BytesDownloaded: snap.BytesDownloaded,
	})
	return Result{Err: fatal, Stats: snap, Failures: r.failures, Manifest: r.man}
}

func (r *Reconciler) fail(p string, err error) {
	r.failures = append(r.failures, Failure{Path: p, Stage: r.state, Err: err})
}

func (r *Reconciler) fetchManifest(ctx context.Context) error {
	data, err := retry.DoWithResult(ctx, r.cfg.Retry, func() ([]byte, error) {
		s, err := r.cfg.Source.OpenManifest(ctx)
		if err != nil {
			return nil, err
		}
		body := transport.StallGuard(s.ReadCloser, r.cfg.StallTimeout)
		defer body.Close()
		data, err := io.ReadAll(io.LimitReader(body, maxManifestSize+1))
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read manifest: %w", err))
		}
		if len(data) > maxManifestSize {
			return nil, fmt.Errorf("%w: larger than %d bytes", manifest.ErrMalformed, maxManifestSize)
		}
		return data, nil
	})
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	r.man = m
	r.cfg.Stats.SetManifestEntries(int64(len(m.Entries)))
	event.Emit(r.cfg.Events, event.Event{Type: event.ManifestFetched, Total: int64(len(m.Entries))})
	slog.Info("manifest fetched", "entries", len(m.Entries))
	return nil
}

func (r *Reconciler) diff() {
	ext := r.cfg.ArchiveExt
	for _, e := range r.man.Entries {
		r.wanted[e.Path] = struct{}{}
		if !e.IsArchive(ext) {
			continue
		}
		dir := e.ExpansionDir(ext)
		r.wantedDirs = append(r.wantedDirs, dir)

		switch {
		case r.cfg.FS.Exists(dir):
			r.cfg.Stats.AddFilesPresent(1)
			event.Emit(r.cfg.Events, event.Event{Type: event.FileSkipped, Path: e.Path})
		case r.cfg.FS.Exists(e.Path):
			slog.Debug("resuming interrupted expansion", "path", e.Path)
			r.queue = append(r.queue, pending{entry: e})
		default:
			r.queue = append(r.queue, pending{entry: e, download: true})
			if e.Size > 0 {
				r.cfg.Stats.AddBytesTotal(e.Size)
			}
		}
	}
}

func (r *Reconciler) downloadMissing(ctx context.Context) {
	for _, p := range r.queue {
		if !p.download {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err := r.download(ctx, p.entry); err != nil {
			r.fail(p.entry.Path, err)
			r.cfg.Stats.AddDownloadFailures(1)
			event.Emit(r.cfg.Events, event.Event{Type: event.DownloadFailed, Path: p.entry.Path, Error: err})
			slog.Warn("download failed", "path", p.entry.Path, "error", err)
			continue
		}
		r.expand(ctx, p.entry)
	}
}

func (r *Reconciler) expandPending(ctx context.Context) {
	for _, p := range r.queue {
		if p.download {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		r.expand(ctx, p.entry)
	}
}

// download fetches e to a temp file beside its destination, verifies it, and
// renames it into place.
func (r *Reconciler) download(ctx context.Context, e manifest.Entry) error {
	fsys := r.cfg.FS
	dir, base := path.Split(e.Path)
	if err := fsys.Mkdir(dir, true); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}

	s, err := retry.DoWithResult(ctx, r.cfg.Retry, func() (transport.Stream, error) {
		return r.cfg.Source.Open(ctx, e.Name)
	})
	if err != nil {
		return err
	}
	total := s.Size
	if total < 0 && e.Size > 0 {
		total = e.Size
	}
	event.Emit(r.cfg.Events, event.Event{Type: event.DownloadStarted, Path: e.Path, Total: total})

	body := transport.StallGuard(transport.RateLimit(ctx, s.ReadCloser, r.cfg.Limiter), r.cfg.StallTimeout)
	defer body.Close()

	tmpPath := path.Join(dir, fmt.Sprintf(".%s.%s%s", base, uuid.New().String()[:8], tmpSuffix))
	registerTmp(fsys, tmpPath)
	defer func() {
		deregisterTmp(fsys, tmpPath)
		_ = fsys.Remove(tmpPath) // no-op if rename succeeded
	}()

	f, err := fsys.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create tmp %s: %w", tmpPath, err)
	}
	h := blake3.New()
	n, err := r.copyWithProgress(io.MultiWriter(f, h), body, e.Path, total)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close tmp %s: %w", tmpPath, cerr)
	}
	if err != nil {
		return err
	}

	if s.Size >= 0 && n != s.Size {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, n, s.Size)
	}
	if e.Digest != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != e.Digest {
			return fmt.Errorf("%w: %s: got %s want %s", ErrDigestMismatch, e.Name, got, e.Digest)
		}
	}

	if fsys.Exists(e.Path) {
		if err := fsys.Remove(e.Path); err != nil {
			return fmt.Errorf("replace %s: %w", e.Path, err)
		}
	}
	if err := fsys.Rename(tmpPath, e.Path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, e.Path, err)
	}

	r.cfg.Stats.AddDownloads(1)
	event.Emit(r.cfg.Events, event.Event{Type: event.DownloadCompleted, Path: e.Path, Size: n, Total: total})
	slog.Debug("downloaded", "path", e.Path, "bytes", n)
	return nil
}

func (r *Reconciler) copyWithProgress(w io.Writer, src io.Reader, p string, total int64) (int64, error) {
	buf := make([]byte, copyBufSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			r.cfg.Stats.AddBytesDownloaded(int64(nw))
			if werr != nil {
				return written, fmt.Errorf("write %s: %w", p, werr)
			}
			event.Emit(r.cfg.Events, event.Event{Type: event.DownloadProgress, Path: p, Size: written, Total: total})
			r.cfg.Yield()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: %s: %w", transport.ErrFetch, p, rerr)
		}
	}
}

// expand unpacks an archive entry beside itself, marks its expansion
// directory present, and deletes the archive. An archive that cannot be
// opened is deleted so the next run fetches it again.
func (r *Reconciler) expand(ctx context.Context, e manifest.Entry) {
	fsys := r.cfg.FS
	dir := e.ExpansionDir(r.cfg.ArchiveExt)

	dest, err := r.expansionRoot(e.Path, dir)
	var res archive.Result
	if err == nil {
		res, err = r.cfg.Expander.Expand(ctx, e.Path, dest)
	}
	if err != nil {
		r.fail(e.Path, err)
		r.cfg.Stats.AddExpandFailures(1)
		event.Emit(r.cfg.Events, event.Event{Type: event.ExpandFailed, Path: e.Path, Error: err})
		slog.Warn("expand failed, removing archive", "path", e.Path, "error", err)
		if rerr := fsys.Remove(e.Path); rerr != nil {
			slog.Warn("remove corrupt archive", "path", e.Path, "error", rerr)
		}
		return
	}

	for _, p := range res.Paths {
		r.expanded[p] = struct{}{}
	}
	for _, f := range res.Failures {
		r.fail(path.Join(dest, f.Name), f.Err)
	}
	r.cfg.Stats.AddArchivesExpanded(1)
	r.cfg.Stats.AddFilesExtracted(int64(res.Extracted))
	r.cfg.Stats.AddExpandFailures(int64(len(res.Failures)))

	if err := fsys.Mkdir(dir, true); err != nil {
		r.fail(dir, fmt.Errorf("create expansion dir: %w", err))
	}
	if err := fsys.Remove(e.Path); err != nil {
		r.fail(e.Path, fmt.Errorf("remove archive: %w", err))
	}
	event.Emit(r.cfg.Events, event.Event{
		Type:  event.ArchiveExpanded,
		Path:  e.Path,
		Dest:  dir,
		Size:  res.Bytes,
		Total: int64(res.Extracted),
	})
	slog.Info("archive expanded", "path", e.Path, "files", res.Extracted, "failures", len(res.Failures))
}

// expansionRoot picks where an archive is extracted. An archive whose every
// entry sits under a folder named like its expansion directory is extracted
// beside itself; anything else is extracted into the expansion directory so
// the presence marker holds all of it.
func (r *Reconciler) expansionRoot(archivePath, dir string) (string, error) {
	tops, err := r.cfg.Expander.TopLevel(archivePath)
	if err != nil {
		return "", err
	}
	if len(tops) == 1 && tops[0] == path.Base(dir) {
		return path.Dir(archivePath), nil
	}
	return dir, nil
}

func (r *Reconciler) isWanted(p string) bool {
	if _, ok := r.wanted[p]; ok {
		return true
	}
	if _, ok := r.expanded[p]; ok {
		return true
	}
	for _, dir := range r.wantedDirs {
		if storage.HasPrefix(p, dir) {
			return true
		}
	}
	return false
}

func (r *Reconciler) retireStale(ctx context.Context) {
	skip := []string{r.cfg.Trash.Dir()}
	for _, name := range r.cfg.Protected {
		skip = append(skip, storage.Join("/", name))
	}

	var stale []string
	err := walk.Each(ctx, r.cfg.FS, "/", walk.Options{SkipDirs: skip, FilesOnly: true, Yield: r.cfg.Yield},
		func(e storage.Entry) error {
			if isTmpName(e.Name()) {
				slog.Debug("removing leftover download", "path", e.Path)
				_ = r.cfg.FS.Remove(e.Path)
				return nil
			}
			if !r.isWanted(exclusion.VisibleOf(e.Path)) {
				stale = append(stale, e.Path)
			}
			return nil
		})
	if err != nil {
		r.fail("/", fmt.Errorf("walk storage: %w", err))
		return
	}

	if len(r.man.Entries) == 0 && len(stale) > 0 {
		slog.Warn("manifest is empty, retiring every file", "files", len(stale))
	}
	for _, p := range stale {
		dest, err := r.cfg.Trash.Retire(p)
		if err != nil {
			r.fail(p, err)
			r.cfg.Stats.AddRetireFailures(1)
			event.Emit(r.cfg.Events, event.Event{Type: event.RetireFailed, Path: p, Error: err})
			slog.Warn("retire failed", "path", p, "error", err)
			continue
		}
		r.cfg.Stats.AddFilesRetired(1)
		event.Emit(r.cfg.Events, event.Event{Type: event.FileRetired, Path: p, Dest: dest})
	}
}
