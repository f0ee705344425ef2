// Package filter classifies medium paths with ordered rsync-style glob rules.
package filter

import (
	"fmt"
	"strings"
)

// DefaultAudioExtensions are the file types that playlist isolation hides.
var DefaultAudioExtensions = []string{".mp3", ".wav", ".m4a", ".flac"}

type rule struct {
	pat     *pattern
	include bool
}

// Chain holds an ordered list of filter rules. The first matching rule
// decides; paths no rule matches get the chain's default.
type Chain struct {
	rules    []rule
	fallback bool
	foldCase bool
}

// NewChain creates an empty, case-sensitive chain that includes everything.
func NewChain() *Chain {
	return &Chain{fallback: true}
}

// Extensions builds a case-insensitive chain that includes files ending in
// one of exts and excludes everything else. Extensions may be given with or
// without the leading dot.
func Extensions(exts []string) (*Chain, error) {
	c := NewChain()
	c.SetFoldCase(true)
	c.SetDefault(false)
	if err := c.AddExtensions(exts); err != nil {
		return nil, err
	}
	return c, nil
}

// AddExtensions appends one include rule per extension.
func (c *Chain) AddExtensions(exts []string) error {
	for _, ext := range exts {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" || strings.ContainsAny(ext, "/*?[") {
			return fmt.Errorf("invalid extension %q", ext)
		}
		if err := c.AddInclude("*." + ext); err != nil {
			return err
		}
	}
	return nil
}

// SetDefault sets the result for paths that no rule matches.
func (c *Chain) SetDefault(include bool) {
	c.fallback = include
}

// SetFoldCase makes rules added afterwards match case-insensitively.
func (c *Chain) SetFoldCase(fold bool) {
	c.foldCase = fold
}

// AddExclude adds an exclude rule for the given pattern.
func (c *Chain) AddExclude(pattern string) error {
	p, err := newPattern(pattern, c.foldCase)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, rule{pat: p})
	return nil
}

// AddInclude adds an include rule for the given pattern.
func (c *Chain) AddInclude(pattern string) error {
	p, err := newPattern(pattern, c.foldCase)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, rule{pat: p, include: true})
	return nil
}

// Empty reports whether the chain has no rules.
func (c *Chain) Empty() bool {
	return len(c.rules) == 0
}

// Match returns true if the path should be INCLUDED (not filtered out).
// p is relative to the medium root; a leading '/' is ignored.
func (c *Chain) Match(p string, isDir bool) bool {
	p = strings.TrimPrefix(p, "/")

	for _, r := range c.rules {
		if r.pat.matches(p, isDir) {
			return r.include
		}
	}

	return c.fallback
}
