// Package manifest parses the remote list of files the medium should hold.
//
// A manifest is a JSON array. Each element is either a name string or an
// object with a "name" and optional "blake3" and "size" fields. Comments and
// trailing commas are tolerated. Elements of any other shape, and empty
// names, are skipped.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bamsammich/sdsync/internal/storage"
)

// DefaultArchiveExt marks manifest entries that are downloaded and expanded.
const DefaultArchiveExt = ".zip"

// ErrMalformed is returned when the manifest is not a JSON array.
var ErrMalformed = errors.New("malformed manifest")

// Entry is one desired file.
type Entry struct {
	Name   string // as listed remotely
	Path   string // absolute medium path
	Digest string // hex BLAKE3, optional
	Size   int64  // optional, 0 when unknown
}

// IsArchive reports whether the entry's base name ends in ext, ignoring
// case, with something before it.
func (e Entry) IsArchive(ext string) bool {
	base := path.Base(e.Path)
	return ext != "" && len(base) > len(ext) && strings.EqualFold(base[len(base)-len(ext):], ext)
}

// ExpansionDir returns the directory an archive entry expands into: its path
// with ext removed.
func (e Entry) ExpansionDir(ext string) string {
	return e.Path[:len(e.Path)-len(ext)]
}

// Manifest is an ordered list of entries with unique paths.
type Manifest struct {
	Entries []Entry
}

type objectEntry struct {
	Name   *string `json:"name"`
	Blake3 string  `json:"blake3"`
	Size   int64   `json:"size"`
}

// Parse decodes a manifest.
func Parse(data []byte) (*Manifest, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: top-level value is not an array", ErrMalformed)
	}

	m := &Manifest{Entries: make([]Entry, 0, len(raw))}
	seen := make(map[string]struct{}, len(raw))
	for _, elem := range raw {
		e, ok := decodeEntry(elem)
		if !ok {
			continue
		}
		if _, dup := seen[e.Path]; dup {
			continue
		}
		seen[e.Path] = struct{}{}
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

func decodeEntry(elem json.RawMessage) (Entry, bool) {
	var e Entry

	var name string
	if err := json.Unmarshal(elem, &name); err == nil {
		e.Name = name
	} else {
		var obj objectEntry
		if err := json.Unmarshal(elem, &obj); err != nil || obj.Name == nil {
			return e, false
		}
		e.Name = *obj.Name
		e.Digest = strings.ToLower(obj.Blake3)
		e.Size = obj.Size
	}

	if strings.TrimSpace(e.Name) == "" {
		return e, false
	}
	e.Path = storage.Clean("/" + e.Name)
	if e.Path == "/" {
		return e, false
	}
	return e, true
}

// Archives returns the entries whose names end in ext.
func (m *Manifest) Archives(ext string) []Entry {
	var out []Entry
	for _, e := range m.Entries {
		if e.IsArchive(ext) {
			out = append(out, e)
		}
	}
	return out
}

// Paths returns every entry's medium path.
func (m *Manifest) Paths() []string {
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.Path
	}
	return out
}
