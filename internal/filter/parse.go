package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadFile adds the rules in path to the chain. See ReadRules for the format.
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()

	if err := c.ReadRules(f); err != nil {
		return fmt.Errorf("filter file %s: %w", path, err)
	}
	return nil
}

// ReadRules adds one rule per line of r. "+ pattern" includes, "- pattern"
// or a bare pattern excludes. Blank lines and '#' comments are skipped.
func (c *Chain) ReadRules(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		add := c.AddExclude
		if rest, ok := strings.CutPrefix(line, "+ "); ok {
			add, line = c.AddInclude, strings.TrimSpace(rest)
		} else if rest, ok := strings.CutPrefix(line, "- "); ok {
			line = strings.TrimSpace(rest)
		}
		if err := add(line); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}
