package inventory_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bamsammich/dsync/internal/filter"
	"github.com/bamsammich/dsync/internal/inventory"
	"github.com/bamsammich/dsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func relPaths(files []wire.FileRecord) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.RelPath
	}
	return out
}

func TestBuildRecursive(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "b.txt", "bee")
	writeFile(t, root, "a.txt", "ay")
	writeFile(t, root, "sub/c.bin", "sea")
	writeFile(t, root, "sub/nested/d.dat", "dee")

	inv, err := inventory.Build([]string{root}, inventory.Config{Recursive: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "b.txt", "sub/c.bin", "sub/nested/d.dat"}, relPaths(inv.Files))
	require.Len(t, inv.Dirs, 2)
	assert.Equal(t, "sub", inv.Dirs[0].RelPath)
	assert.Equal(t, "sub/nested", inv.Dirs[1].RelPath)

	for _, f := range inv.Files {
		assert.NotZero(t, f.Mtime)
		assert.Equal(t, uint16(0644), f.Perms)
	}
}

func TestBuildNonRecursive(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "top.txt", "x")
	writeFile(t, root, "sub/inner.txt", "y")

	inv, err := inventory.Build([]string{root}, inventory.Config{})
	require.NoError(t, err)

	assert.Equal(t, []string{"top.txt"}, relPaths(inv.Files))
	assert.Empty(t, inv.Dirs)
}

func TestBuildDeterminism(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, name := range []string{"z.txt", "m/q.txt", "a/b/c.txt", "a/d.txt"} {
		writeFile(t, root, name, name)
	}

	cfg := inventory.Config{Recursive: true}
	inv1, err := inventory.Build([]string{root}, cfg)
	require.NoError(t, err)
	inv2, err := inventory.Build([]string{root}, cfg)
	require.NoError(t, err)

	// Byte-identical wire payloads across runs on an unchanged tree.
	assert.Equal(t, wire.EncodeInventory(inv1, false), wire.EncodeInventory(inv2, false))
}

func TestBuildFileSource(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "only.txt", "solo")

	inv, err := inventory.Build([]string{filepath.Join(root, "only.txt")}, inventory.Config{})
	require.NoError(t, err)

	assert.Equal(t, []string{"only.txt"}, relPaths(inv.Files))
}

func TestBuildMultipleSourcesDedup(t *testing.T) {
	t.Parallel()

	rootA := t.TempDir()
	rootB := t.TempDir()
	writeFile(t, rootA, "same.txt", "from a")
	writeFile(t, rootB, "same.txt", "from b")
	writeFile(t, rootB, "other.txt", "b only")

	inv, err := inventory.Build([]string{rootA, rootB}, inventory.Config{Recursive: true})
	require.NoError(t, err)

	// First source wins on duplicate relative paths.
	assert.Equal(t, []string{"same.txt", "other.txt"}, relPaths(inv.Files))
	assert.Equal(t, uint64(len("from a")), inv.Files[0].Size)
}

func TestBuildFilterExcludes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "keep.txt", "k")
	writeFile(t, root, "skip.log", "s")
	writeFile(t, root, "logs/deep.txt", "d")

	chain := filter.NewChain()
	require.NoError(t, chain.AddExclude("*.log"))
	require.NoError(t, chain.AddExclude("logs/"))

	inv, err := inventory.Build([]string{root}, inventory.Config{Recursive: true, Filter: chain})
	require.NoError(t, err)

	assert.Equal(t, []string{"keep.txt"}, relPaths(inv.Files))
	assert.Empty(t, inv.Dirs)
}

func TestBuildSymlinkFollowedOneHop(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "real.txt", "real content")
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")))

	inv, err := inventory.Build([]string{root}, inventory.Config{Recursive: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"link.txt", "real.txt"}, relPaths(inv.Files))
	assert.Equal(t, uint64(len("real content")), inv.Files[0].Size)
}

func TestBuildSymlinkCycleDetected(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "dir/file.txt", "f")
	require.NoError(t, os.Symlink(filepath.Join(root, "dir"), filepath.Join(root, "dir", "loop")))

	inv, err := inventory.Build([]string{root}, inventory.Config{Recursive: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"dir/file.txt"}, relPaths(inv.Files))
}

func TestBuildDanglingSymlinkSkipped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "ok.txt", "x")
	require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "broken")))

	inv, err := inventory.Build([]string{root}, inventory.Config{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, relPaths(inv.Files))
}

func TestBuildChecksumDigests(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.txt", "same")
	writeFile(t, root, "b.txt", "same")
	writeFile(t, root, "c.txt", "different")

	inv, err := inventory.Build([]string{root}, inventory.Config{Recursive: true, Checksum: true})
	require.NoError(t, err)

	require.Len(t, inv.Files, 3)
	assert.Equal(t, inv.Files[0].Digest, inv.Files[1].Digest)
	assert.NotEqual(t, inv.Files[0].Digest, inv.Files[2].Digest)
}

func TestBuildRelativePrefix(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	writeFile(t, base, "proj/assets/tex.png", "t")

	src := filepath.Join(base, "proj", "assets")
	inv, err := inventory.Build([]string{src}, inventory.Config{Recursive: true, Relative: true})
	require.NoError(t, err)

	require.Len(t, inv.Files, 1)
	prefix := inv.Dirs[len(inv.Dirs)-1].RelPath
	assert.Equal(t, prefix+"/tex.png", inv.Files[0].RelPath)

	// Dir paths are prefix-closed: every ancestor of the file's directory
	// appears in the dir list.
	seen := make(map[string]bool)
	for _, d := range inv.Dirs {
		seen[d.RelPath] = true
	}
	for dir := prefix; dir != "."; dir = filepath.Dir(dir) {
		assert.True(t, seen[dir], "missing ancestor dir %s", dir)
	}
}

func TestBuildFilesFrom(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "wanted.txt", "w")
	writeFile(t, root, "sub/also.txt", "a")
	writeFile(t, root, "unwanted.txt", "u")

	inv, err := inventory.Build([]string{root}, inventory.Config{
		Recursive: true,
		FilesFrom: []string{"wanted.txt", "sub/also.txt"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"wanted.txt", "sub/also.txt"}, relPaths(inv.Files))
	assert.Equal(t, []string{"sub"}, func() []string {
		var out []string
		for _, d := range inv.Dirs {
			out = append(out, d.RelPath)
		}
		return out
	}())
}

func TestBuildMissingSourceFails(t *testing.T) {
	t.Parallel()

	_, err := inventory.Build([]string{"/nonexistent/dsync/source"}, inventory.Config{})
	require.Error(t, err)
}

func TestBuildPathsWithSpacesAndUnicode(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "with space.txt", "s")
	writeFile(t, root, "ünïcødé/файл.bin", "u")

	inv, err := inventory.Build([]string{root}, inventory.Config{Recursive: true})
	require.NoError(t, err)

	got := relPaths(inv.Files)
	assert.Contains(t, got, "with space.txt")
	assert.Contains(t, got, "ünïcødé/файл.bin")
}
