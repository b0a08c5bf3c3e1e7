// Package filter decides which paths participate in a sync run. It is the
// narrow collaborator the inventory walk consults; the sync core never
// interprets glob syntax itself.
package filter

// rule pairs a compiled pattern with its include/exclude polarity.
type rule struct {
	pattern *pattern
	include bool
}

// Chain is an ordered rule list plus optional size bounds. Rules are tried
// in the order they were added; the first pattern that applies decides, and
// a path no rule covers is included.
type Chain struct {
	rules   []rule
	minSize int64
	maxSize int64
}

// NewChain creates an empty filter chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude appends an exclude rule for the given pattern.
func (c *Chain) AddExclude(src string) error {
	return c.add(src, false)
}

// AddInclude appends an include rule for the given pattern.
func (c *Chain) AddInclude(src string) error {
	return c.add(src, true)
}

func (c *Chain) add(src string, include bool) error {
	p, err := newPattern(src)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, rule{pattern: p, include: include})
	return nil
}

// SetMinSize skips regular files smaller than n bytes.
func (c *Chain) SetMinSize(n int64) {
	c.minSize = n
}

// SetMaxSize skips regular files larger than n bytes.
func (c *Chain) SetMaxSize(n int64) {
	c.maxSize = n
}

// Empty reports whether the chain has no rules and no size bounds.
func (c *Chain) Empty() bool {
	return len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0
}

// Match reports whether the path should be included in the transfer.
// relPath is relative to the sync root; size is ignored for directories.
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	// Size bounds apply only to regular files.
	if !isDir {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}

	for _, r := range c.rules {
		if r.pattern.matches(relPath, isDir) {
			return r.include
		}
	}

	// No rule covers the path: include.
	return true
}
