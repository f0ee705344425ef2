// Package archive expands zip archives stored on the medium, one entry at a
// time, through a fixed-size copy buffer.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/bamsammich/sdsync/internal/storage"
)

// DefaultChunkSize is the copy buffer used per entry.
const DefaultChunkSize = 32 * 1024

var (
	// ErrOpen means the archive could not be opened or its central directory
	// could not be parsed. Nothing was extracted.
	ErrOpen = errors.New("open archive")

	// ErrEntry marks a single entry that failed to extract.
	ErrEntry = errors.New("extract entry")

	// ErrUnsafeName marks an entry whose name escapes the destination root.
	ErrUnsafeName = errors.New("entry name escapes destination")
)

// Failure records one entry that could not be extracted.
type Failure struct {
	Name string
	Err  error
}

// Result summarizes an expansion.
type Result struct {
	Extracted int
	Bytes     int64
	Paths     []string // absolute paths of extracted files
	Failures  []Failure
}

// Expander extracts archives within a storage.FS.
type Expander struct {
	fs        storage.FS
	chunkSize int
	yield     func()
	onFile    func(p string, size int64)
}

// Option configures an Expander.
type Option func(*Expander)

// WithChunkSize sets the copy buffer size.
func WithChunkSize(n int) Option {
	return func(x *Expander) {
		if n > 0 {
			x.chunkSize = n
		}
	}
}

// WithYield sets the function run after each copied chunk.
func WithYield(fn func()) Option {
	return func(x *Expander) {
		if fn != nil {
			x.yield = fn
		}
	}
}

// WithFileHook registers a callback run after each file is written.
func WithFileHook(fn func(p string, size int64)) Option {
	return func(x *Expander) { x.onFile = fn }
}

// New creates an Expander over fsys.
func New(fsys storage.FS, opts ...Option) *Expander {
	x := &Expander{
		fs:        fsys,
		chunkSize: DefaultChunkSize,
		yield:     runtime.Gosched,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Expand extracts archivePath into destRoot. Entry failures are collected in
// the Result and do not stop the expansion; only an unreadable archive
// returns an error.
func (x *Expander) Expand(ctx context.Context, archivePath, destRoot string) (Result, error) {
	var res Result

	zr, closer, err := x.open(archivePath)
	if err != nil {
		return res, err
	}
	defer closer.Close()

	buf := make([]byte, x.chunkSize)
	for i := range zr.File {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		zf := zr.File[i]
		n, dest, err := x.extract(zf, destRoot, buf)
		if err != nil {
			slog.Warn("archive entry failed", "archive", archivePath, "entry", zf.Name, "error", err)
			res.Failures = append(res.Failures, Failure{Name: zf.Name, Err: err})
			continue
		}
		if dest == "" {
			continue // directory
		}
		res.Extracted++
		res.Bytes += n
		res.Paths = append(res.Paths, dest)
		if x.onFile != nil {
			x.onFile(dest, n)
		}
	}

	return res, nil
}

// TopLevel returns the distinct first path elements of the archive's
// entries, in archive order. Unsafe names are left out.
func (x *Expander) TopLevel(archivePath string) ([]string, error) {
	zr, closer, err := x.open(archivePath)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	seen := make(map[string]struct{})
	var out []string
	for _, zf := range zr.File {
		name, err := safeName(zf.Name)
		if err != nil {
			continue
		}
		top, _, _ := strings.Cut(name, "/")
		if _, ok := seen[top]; ok {
			continue
		}
		seen[top] = struct{}{}
		out = append(out, top)
	}
	return out, nil
}

func (x *Expander) open(archivePath string) (*zip.Reader, io.Closer, error) {
	f, err := x.fs.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %s: %w", ErrOpen, archivePath, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w %s: %w", ErrOpen, archivePath, err)
	}
	zr, err := zip.NewReader(f, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		f.Close()
		return nil, nil, fmt.Errorf("%w %s: %w", ErrOpen, archivePath, err)
	}
	return zr, f, nil
}

// extract writes one entry. It returns an empty dest for directory entries.
func (x *Expander) extract(zf *zip.File, destRoot string, buf []byte) (int64, string, error) {
	rel, err := safeName(zf.Name)
	if err != nil {
		return 0, "", fmt.Errorf("%w %s: %w", ErrEntry, zf.Name, err)
	}
	dest := storage.Join(destRoot, rel)

	if strings.HasSuffix(zf.Name, "/") || zf.FileInfo().IsDir() {
		if err := x.fs.Mkdir(dest, true); err != nil {
			return 0, "", fmt.Errorf("%w %s: mkdir: %w", ErrEntry, zf.Name, err)
		}
		return 0, "", nil
	}

	if err := x.fs.Mkdir(path.Dir(dest), true); err != nil {
		return 0, "", fmt.Errorf("%w %s: mkdir parent: %w", ErrEntry, zf.Name, err)
	}

	n, err := x.copyEntry(zf, dest, buf)
	if err != nil {
		if rmErr := x.fs.Remove(dest); rmErr != nil {
			slog.Debug("remove partial entry", "path", dest, "error", rmErr)
		}
		return n, "", fmt.Errorf("%w %s: %w", ErrEntry, zf.Name, err)
	}
	return n, dest, nil
}

func (x *Expander) copyEntry(zf *zip.File, dest string, buf []byte) (int64, error) {
	rc, err := zf.Open()
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()

	out, err := x.fs.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}

	var written int64
	for {
		nr, rerr := rc.Read(buf)
		if nr > 0 {
			nw, werr := out.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				out.Close()
				return written, fmt.Errorf("write: %w", werr)
			}
			x.yield()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return written, fmt.Errorf("read: %w", rerr)
		}
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close: %w", err)
	}
	return written, nil
}

// safeName normalizes an entry name to a relative '/'-path that stays
// inside the destination.
func safeName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || path.IsAbs(name) || (len(name) > 1 && name[1] == ':') {
		return "", ErrUnsafeName
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrUnsafeName
	}
	return clean, nil
}
