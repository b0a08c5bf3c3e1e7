package filter

import (
	"fmt"
	"strings"
)

// LoadFile reads a mixed rule file. Lines starting with "+ " are includes,
// "- " are excludes, and a bare pattern is an exclude; blank lines and
// #-comments are skipped.
func (c *Chain) LoadFile(path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	for i, line := range lines {
		include := false
		pat := line
		switch {
		case strings.HasPrefix(line, "+ "):
			include = true
			pat = strings.TrimSpace(line[2:])
		case strings.HasPrefix(line, "- "):
			pat = strings.TrimSpace(line[2:])
		}

		var addErr error
		if include {
			addErr = c.AddInclude(pat)
		} else {
			addErr = c.AddExclude(pat)
		}
		if addErr != nil {
			return fmt.Errorf("%s rule %d: %w", path, i+1, addErr)
		}
	}
	return nil
}
