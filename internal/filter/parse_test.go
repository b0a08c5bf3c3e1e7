package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "filter.rules")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadFile(t *testing.T) {
	p := writeRuleFile(t, `# header comment
+ *.go
- *.log

- build/
noprefix.txt
`)

	c := NewChain()
	require.NoError(t, c.LoadFile(p))

	// Order preserved: include *.go, then three excludes.
	require.Len(t, c.rules, 4)
	assert.True(t, c.rules[0].include)
	assert.False(t, c.rules[1].include)
	assert.False(t, c.rules[2].include)
	assert.False(t, c.rules[3].include)

	assert.True(t, c.Match("main.go", false, 100))
	assert.False(t, c.Match("app.log", false, 100))
	assert.False(t, c.Match("build", true, 0))
	assert.False(t, c.Match("noprefix.txt", false, 100))
}

func TestLoadFileOnlyComments(t *testing.T) {
	p := writeRuleFile(t, "# only comments\n\n")

	c := NewChain()
	require.NoError(t, c.LoadFile(p))
	assert.Empty(t, c.rules)
	assert.True(t, c.Empty())
}

func TestLoadFileNotExists(t *testing.T) {
	c := NewChain()
	assert.Error(t, c.LoadFile("/nonexistent/path"))
}

func TestLoadFileInterleavedComments(t *testing.T) {
	p := writeRuleFile(t, `# comment 1
# comment 2
- *.tmp
# another comment
+ keep.tmp
`)

	c := NewChain()
	require.NoError(t, c.LoadFile(p))
	require.Len(t, c.rules, 2)
	// The earlier exclude wins: first matching rule decides.
	assert.False(t, c.Match("keep.tmp", false, 1))
	assert.True(t, c.Match("other.txt", false, 1))
}
