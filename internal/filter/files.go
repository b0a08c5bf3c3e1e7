package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadIncludeFile adds every non-blank, non-comment line of path as an
// include rule (the --include-from surface).
func (c *Chain) LoadIncludeFile(path string) error {
	return c.loadRuleFile(path, true)
}

// LoadExcludeFile adds every non-blank, non-comment line of path as an
// exclude rule (the --exclude-from surface).
func (c *Chain) LoadExcludeFile(path string) error {
	return c.loadRuleFile(path, false)
}

func (c *Chain) loadRuleFile(path string, include bool) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}
	for i, pattern := range lines {
		var addErr error
		if include {
			addErr = c.AddInclude(pattern)
		} else {
			addErr = c.AddExclude(pattern)
		}
		if addErr != nil {
			return fmt.Errorf("%s line %d: %w", path, i+1, addErr)
		}
	}
	return nil
}

// ReadPathList reads a --files-from list: one relative path per line, blank
// lines and #-comments skipped.
func ReadPathList(path string) ([]string, error) {
	return readLines(path)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
