// Package transport fetches the manifest and the files it names from a
// remote source.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// DefaultManifestName is the manifest file looked up in directory-like
// sources (local, SFTP, S3). HTTP sources serve the manifest at the base
// URL itself.
const DefaultManifestName = "manifest.json"

var (
	// ErrFetch wraps every failure to open or read from a source.
	ErrFetch = errors.New("fetch failed")

	// ErrNotFound means the source answered but has no such file.
	ErrNotFound = errors.New("not found")

	// ErrStalled means a transfer made no progress within the stall timeout.
	ErrStalled = errors.New("transfer stalled")
)

// Stream is an open remote file.
type Stream struct {
	io.ReadCloser
	Size int64 // -1 when unknown
}

// Source provides the manifest and the files it lists.
type Source interface {
	// OpenManifest opens the manifest document.
	OpenManifest(ctx context.Context) (Stream, error)

	// Open opens the file a manifest entry names.
	Open(ctx context.Context, name string) (Stream, error)

	// Close releases connections held by the source.
	Close() error
}

// cleanName turns a manifest name into a relative slash path that cannot
// climb out of the source root.
func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func fetchError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFetch, name, err)
}

// OpenSource creates the Source a Location names.
//
//nolint:ireturn // factory returns the interface
func OpenSource(ctx context.Context, loc Location, opts Options) (Source, error) {
	switch loc.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return NewHTTPSource(loc.URL, opts.HTTP), nil
	case SchemeSFTP:
		sshOpts := opts.SSH
		if loc.Port != 0 {
			sshOpts.Port = loc.Port
		}
		client, err := DialSSH(ctx, loc.Host, loc.User, sshOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		src, err := NewSFTPSource(client, loc.Path, opts.manifestName())
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		return src, nil
	case SchemeS3:
		return NewS3Source(ctx, loc.Host, loc.Path, opts.manifestName(), opts.S3)
	default:
		return NewLocalSource(loc.Path, opts.manifestName()), nil
	}
}

// Options configures OpenSource.
type Options struct {
	ManifestName string
	HTTP         HTTPOptions
	SSH          SSHOpts
	S3           S3Options
}

func (o Options) manifestName() string {
	if o.ManifestName != "" {
		return o.ManifestName
	}
	return DefaultManifestName
}
