// Package exclusion hides files from the exposed medium by renaming them
// with a reserved suffix, and restores them on the next start.
package exclusion

import (
	"errors"
	"fmt"
	"strings"
)

// Suffix marks an excluded file.
const Suffix = ".nomsc"

var (
	// ErrAlreadyTagged is returned when a tagged name is used where a
	// visible one is required.
	ErrAlreadyTagged = errors.New("name already carries the exclusion suffix")

	// ErrEmptyName is returned for names that would be empty once untagged.
	ErrEmptyName = errors.New("empty name")
)

// VisiblePath is a path as the host should see it.
type VisiblePath string

// TaggedPath is a path carrying the exclusion suffix.
type TaggedPath string

// Visible validates p as an untagged path.
func Visible(p string) (VisiblePath, error) {
	if p == "" {
		return "", ErrEmptyName
	}
	if IsTagged(p) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyTagged, p)
	}
	return VisiblePath(p), nil
}

// Tagged reports whether p is a tagged path and returns it typed if so.
// The bare suffix with nothing before it is not a tagged path.
func Tagged(p string) (TaggedPath, bool) {
	if !IsTagged(p) {
		return "", false
	}
	return TaggedPath(p), true
}

// IsTagged reports whether the final element of p carries the suffix with a
// non-empty name before it.
func IsTagged(p string) bool {
	base := p[strings.LastIndexByte(p, '/')+1:]
	return len(base) > len(Suffix) && strings.HasSuffix(base, Suffix)
}

// VisibleOf returns the path the host would see for p once restored.
func VisibleOf(p string) string {
	if t, ok := Tagged(p); ok {
		return string(t.Untag())
	}
	return p
}

// Tag appends the suffix.
func (v VisiblePath) Tag() TaggedPath {
	return TaggedPath(string(v) + Suffix)
}

// Untag strips the suffix, repeatedly if another tool stacked it, so the
// result is never itself tagged.
func (t TaggedPath) Untag() VisiblePath {
	p := strings.TrimSuffix(string(t), Suffix)
	for IsTagged(p) {
		p = strings.TrimSuffix(p, Suffix)
	}
	return VisiblePath(p)
}

func (v VisiblePath) String() string { return string(v) }
func (t TaggedPath) String() string  { return string(t) }
