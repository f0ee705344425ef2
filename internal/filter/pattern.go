package filter

import (
	"fmt"
	"path"
	"strings"
)

// pattern is one rsync-style glob. Segments are matched with path.Match, and
// a "**" segment spans any number of directories.
type pattern struct {
	expr     string
	segs     []string
	anchored bool
	dirOnly  bool
	fold     bool
}

// newPattern compiles expr. A leading '/' or any inner '/' anchors the
// pattern to the medium root; otherwise it may match at any depth. A
// trailing '/' restricts it to directories.
func newPattern(expr string, fold bool) (*pattern, error) {
	p := &pattern{expr: expr, fold: fold}

	body := expr
	if strings.HasSuffix(body, "/") {
		p.dirOnly = true
		body = strings.TrimSuffix(body, "/")
	}
	if strings.HasPrefix(body, "/") {
		p.anchored = true
		body = strings.TrimPrefix(body, "/")
	} else if strings.Contains(body, "/") {
		p.anchored = true
	}
	if body == "" {
		return nil, fmt.Errorf("empty pattern %q", expr)
	}
	if fold {
		body = strings.ToLower(body)
	}

	for seg := range strings.SplitSeq(body, "/") {
		// rsync negates classes with '!', path.Match with '^'.
		seg = strings.ReplaceAll(seg, "[!", "[^")
		if _, err := path.Match(seg, ""); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", expr, err)
		}
		p.segs = append(p.segs, seg)
	}
	return p, nil
}

// matches tests a root-relative path without a leading '/'.
func (p *pattern) matches(rel string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	if p.fold {
		rel = strings.ToLower(rel)
	}
	parts := strings.Split(rel, "/")
	if p.anchored {
		return matchSegs(p.segs, parts)
	}
	for i := range parts {
		if matchSegs(p.segs, parts[i:]) {
			return true
		}
	}
	return false
}

func matchSegs(segs, parts []string) bool {
	for len(segs) > 0 {
		if segs[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegs(segs[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, _ := path.Match(segs[0], parts[0]); !ok {
			return false
		}
		segs, parts = segs[1:], parts[1:]
	}
	return len(parts) == 0
}
