package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyChainIncludesAll(t *testing.T) {
	c := NewChain()
	assert.True(t, c.Match("any/file.txt", false, 1024))
	assert.True(t, c.Match("any/dir", true, 0))
	assert.True(t, c.Empty())
}

func TestExcludePattern(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.AddExclude("*.log"))

	assert.False(t, c.Match("app.log", false, 100))
	assert.False(t, c.Match("sub/debug.log", false, 100))
	assert.True(t, c.Match("app.txt", false, 100))
	assert.False(t, c.Empty())
}

func TestFirstMatchingRuleDecides(t *testing.T) {
	// An include listed before a broader exclude rescues the named file;
	// with the order reversed the exclude shadows it.
	rescued := NewChain()
	require.NoError(t, rescued.AddInclude("important.log"))
	require.NoError(t, rescued.AddExclude("*.log"))
	assert.True(t, rescued.Match("important.log", false, 100))
	assert.False(t, rescued.Match("debug.log", false, 100))

	shadowed := NewChain()
	require.NoError(t, shadowed.AddExclude("*.log"))
	require.NoError(t, shadowed.AddInclude("important.log"))
	assert.False(t, shadowed.Match("important.log", false, 100))
}

func TestDirRuleSkipsFiles(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.AddExclude("build/"))

	assert.False(t, c.Match("build", true, 0))
	assert.True(t, c.Match("build", false, 100)) // a file named "build" survives
}

func TestRootedExclude(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.AddExclude("/root.txt"))

	assert.False(t, c.Match("root.txt", false, 100))
	assert.True(t, c.Match("sub/root.txt", false, 100))
}

func TestIncludeGoExcludeRest(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.AddInclude("**/*.go"))
	require.NoError(t, c.AddExclude("*"))

	assert.True(t, c.Match("main.go", false, 100))
	assert.True(t, c.Match("internal/rollhash/delta.go", false, 100))
	assert.False(t, c.Match("readme.md", false, 100))
}

func TestSizeBounds(t *testing.T) {
	c := NewChain()
	c.SetMinSize(100)
	c.SetMaxSize(10000)

	assert.False(t, c.Match("tiny.txt", false, 50))
	assert.True(t, c.Match("medium.txt", false, 500))
	assert.False(t, c.Match("huge.bin", false, 50000))

	// Size bounds never apply to directories.
	assert.True(t, c.Match("somedir", true, 0))
}

func TestMinSizeOnly(t *testing.T) {
	c := NewChain()
	c.SetMinSize(1 << 20)

	assert.False(t, c.Match("small.txt", false, 512))
	assert.True(t, c.Match("big.bin", false, 2<<20))
}

func TestMaxSizeOnly(t *testing.T) {
	c := NewChain()
	c.SetMaxSize(1 << 20)

	assert.True(t, c.Match("small.txt", false, 512))
	assert.False(t, c.Match("big.bin", false, 2<<20))
}
