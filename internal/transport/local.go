package transport

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalSource reads the manifest and files from a host directory.
type LocalSource struct {
	root         string
	manifestName string
}

var _ Source = (*LocalSource)(nil)

// NewLocalSource creates a source rooted at dir.
func NewLocalSource(dir, manifestName string) *LocalSource {
	if manifestName == "" {
		manifestName = DefaultManifestName
	}
	return &LocalSource{root: dir, manifestName: manifestName}
}

func (s *LocalSource) OpenManifest(_ context.Context) (Stream, error) {
	return s.open(s.manifestName)
}

func (s *LocalSource) Open(_ context.Context, name string) (Stream, error) {
	return s.open(name)
}

func (s *LocalSource) Close() error { return nil }

func (s *LocalSource) open(name string) (Stream, error) {
	p := filepath.Join(s.root, filepath.FromSlash(cleanName(name)))
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Stream{}, fetchError(name, errors.Join(ErrNotFound, err))
		}
		return Stream{}, fetchError(name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Stream{}, fetchError(name, err)
	}
	if info.IsDir() {
		f.Close()
		return Stream{}, fetchError(name, errors.New("is a directory"))
	}
	return Stream{ReadCloser: f, Size: info.Size()}, nil
}
