// Package inventory enumerates local source trees into the ordered file and
// directory records the protocol ships to the server. The walk is
// single-threaded and depth-first lexicographic so two runs over an unchanged
// tree produce byte-identical inventories.
package inventory

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/filter"
	"github.com/bamsammich/dsync/internal/rollhash"
	"github.com/bamsammich/dsync/internal/wire"
)

// DevIno uniquely identifies an inode, used to detect symlink cycles.
type DevIno struct {
	Dev uint64
	Ino uint64
}

// Config controls the walk.
type Config struct {
	// Recursive descends into subdirectories; otherwise only files directly
	// in each source root are included.
	Recursive bool

	// Relative preserves each source's path prefix in the destination tree.
	Relative bool

	// Checksum computes a BLAKE3 digest per file for content-hash
	// classification on the server.
	Checksum bool

	// Filter decides inclusion; excluded paths are never added and excluded
	// directories are not descended. Nil includes everything.
	Filter *filter.Chain

	// FilesFrom restricts the walk to the listed paths, each relative to the
	// source root.
	FilesFrom []string
}

type builder struct {
	cfg       Config
	inv       wire.Inventory
	seenFiles map[string]struct{}
	seenDirs  map[string]struct{}
	visited   map[DevIno]struct{}
}

// Build walks the sources in argument order and returns the merged inventory.
// Duplicate relative paths across sources keep the first occurrence.
func Build(sources []string, cfg Config) (wire.Inventory, error) {
	b := &builder{
		cfg:       cfg,
		seenFiles: make(map[string]struct{}),
		seenDirs:  make(map[string]struct{}),
		visited:   make(map[DevIno]struct{}),
	}

	for _, src := range sources {
		if err := b.addSource(src); err != nil {
			return wire.Inventory{}, err
		}
	}
	return b.inv, nil
}

func (b *builder) addSource(src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "stat source")
	}

	prefix := ""
	if b.cfg.Relative {
		prefix = normalize(src)
		if !info.IsDir() {
			// A file source contributes its parent directory as the prefix.
			if parent := path.Dir(prefix); parent != "." {
				prefix = parent
			} else {
				prefix = ""
			}
		}
		b.addPrefixDirs(prefix, info)
	}

	if !info.IsDir() {
		rel := joinRel(prefix, filepath.Base(src))
		return b.addFile(src, rel, info)
	}

	if len(b.cfg.FilesFrom) > 0 {
		return b.addListed(src, prefix)
	}
	return b.walkDir(src, prefix, info)
}

// addListed stats each explicitly listed path under root instead of walking.
func (b *builder) addListed(root, prefix string) error {
	for _, listed := range b.cfg.FilesFrom {
		rel := normalize(listed)
		if rel == "" {
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return errkind.Wrap(errkind.LocalIO, err, "stat listed path")
		}

		invRel := joinRel(prefix, rel)
		b.addParentDirs(invRel)
		if info.IsDir() {
			b.addDir(invRel, info)
			if b.cfg.Recursive {
				if err := b.walkDir(full, invRel, info); err != nil {
					return err
				}
			}
			continue
		}
		if err := b.addFile(full, invRel, info); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) walkDir(dir, rel string, info os.FileInfo) error {
	di := devIno(info)
	if _, seen := b.visited[di]; seen {
		// Symlink cycle: this directory is already on the walk.
		return nil
	}
	b.visited[di] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errkind.Wrap(errkind.LocalIO, err, "read dir")
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		childRel := joinRel(rel, entry.Name())

		einfo, err := os.Lstat(full)
		if err != nil {
			return errkind.Wrap(errkind.LocalIO, err, "lstat entry")
		}

		// Follow symlinks one hop; dangling links are skipped.
		if einfo.Mode()&os.ModeSymlink != 0 {
			einfo, err = os.Stat(full)
			if err != nil {
				continue
			}
		}

		switch {
		case einfo.IsDir():
			if !b.cfg.Recursive {
				continue
			}
			if !b.match(childRel, true, 0) {
				continue
			}
			if _, seen := b.visited[devIno(einfo)]; seen {
				// Symlink cycle back into a directory already on the walk.
				continue
			}
			b.addDir(childRel, einfo)
			if err := b.walkDir(full, childRel, einfo); err != nil {
				return err
			}

		case einfo.Mode().IsRegular():
			if !b.match(childRel, false, einfo.Size()) {
				continue
			}
			if err := b.addFile(full, childRel, einfo); err != nil {
				return err
			}

		default:
			// Sockets, fifos, devices are not replicated.
		}
	}
	return nil
}

func (b *builder) match(rel string, isDir bool, size int64) bool {
	return b.cfg.Filter == nil || b.cfg.Filter.Match(rel, isDir, size)
}

func (b *builder) addFile(full, rel string, info os.FileInfo) error {
	if _, dup := b.seenFiles[rel]; dup {
		return nil
	}
	b.seenFiles[rel] = struct{}{}

	rec := wire.FileRecord{
		RelPath: rel,
		Size:    uint64(info.Size()), //nolint:gosec // G115: regular file sizes are non-negative
		Mtime:   info.ModTime().Unix(),
		Perms:   uint16(info.Mode().Perm()), //nolint:gosec // G115: perm bits fit 12 bits
	}

	if b.cfg.Checksum {
		digest, err := hashFile(full)
		if err != nil {
			return errkind.Wrap(errkind.LocalIO, err, "hash file")
		}
		rec.Digest = digest
	}

	b.inv.Files = append(b.inv.Files, rec)
	return nil
}

func (b *builder) addDir(rel string, info os.FileInfo) {
	if _, dup := b.seenDirs[rel]; dup {
		return
	}
	b.seenDirs[rel] = struct{}{}
	b.inv.Dirs = append(b.inv.Dirs, wire.DirRecord{
		RelPath: rel,
		Perms:   uint16(info.Mode().Perm()), //nolint:gosec // G115: perm bits fit 12 bits
	})
}

// addPrefixDirs records the components of a --relative prefix so dir paths
// stay prefix-closed.
func (b *builder) addPrefixDirs(prefix string, srcInfo os.FileInfo) {
	if prefix == "" {
		return
	}
	parts := strings.Split(prefix, "/")
	for i := range parts {
		rel := strings.Join(parts[:i+1], "/")
		if i == len(parts)-1 && srcInfo.IsDir() {
			b.addDir(rel, srcInfo)
		} else if _, dup := b.seenDirs[rel]; !dup {
			b.seenDirs[rel] = struct{}{}
			b.inv.Dirs = append(b.inv.Dirs, wire.DirRecord{RelPath: rel, Perms: 0755})
		}
	}
}

// addParentDirs records intermediate directories of rel with default perms.
func (b *builder) addParentDirs(rel string) {
	parent := path.Dir(rel)
	if parent == "." || parent == "/" {
		return
	}
	parts := strings.Split(parent, "/")
	for i := range parts {
		p := strings.Join(parts[:i+1], "/")
		if _, dup := b.seenDirs[p]; !dup {
			b.seenDirs[p] = struct{}{}
			b.inv.Dirs = append(b.inv.Dirs, wire.DirRecord{RelPath: p, Perms: 0755})
		}
	}
}

// normalize cleans an externally supplied path into wire form: forward
// slashes, no leading slash, no "." or ".." components.
func normalize(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == ".." {
		return ""
	}
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "/")
}

func joinRel(prefix, name string) string {
	name = normalize(name)
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "/" + name
}

func hashFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return nil, fmt.Errorf("hash %s: %w", p, err)
	}
	return h.Sum(nil)[:rollhash.StrongLen], nil
}
