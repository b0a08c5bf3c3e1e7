package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "list")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadExcludeFile(t *testing.T) {
	p := writeList(t, "*.tmp\n\n# build output\nbuild/\n")

	c := NewChain()
	require.NoError(t, c.LoadExcludeFile(p))

	assert.False(t, c.Match("x.tmp", false, 1))
	assert.False(t, c.Match("build", true, 0))
	assert.True(t, c.Match("src/main.go", false, 1))
}

func TestLoadIncludeFileOrdering(t *testing.T) {
	inc := writeList(t, "*.go\n")

	c := NewChain()
	require.NoError(t, c.LoadIncludeFile(inc))
	require.NoError(t, c.AddExclude("*"))

	assert.True(t, c.Match("main.go", false, 1))
	assert.False(t, c.Match("main.o", false, 1))
}

func TestReadPathList(t *testing.T) {
	p := writeList(t, "a.txt\n# skip me\n\nsub/b.txt\n")

	got, err := ReadPathList(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, got)
}

func TestReadPathListMissing(t *testing.T) {
	_, err := ReadPathList(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
