// Package classify implements the server-side inventory diff: each client
// file index lands in exactly one of missing/changed/identical, and remote
// paths absent from the inventory become the deletion list.
package classify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/rollhash"
	"github.com/bamsammich/dsync/internal/wire"
)

// mtimeTolerance masks filesystem timestamp granularity when comparing
// modification times.
const mtimeTolerance = 1 // seconds

// permMask limits permission comparison to the low 9 bits.
const permMask = 0o777

// CopyHit records a missing file whose content already exists under the
// copy-dest directory; the worker materializes it locally instead of
// receiving it.
type CopyHit struct {
	SrcPath string
	Index   uint32
	Size    uint64
	Mtime   int64
	Perms   uint16
}

// Result is the classification plus the copy-dest hits that turned missing
// files into identical ones.
type Result struct {
	wire.Classification
	CopyHits []CopyHit
}

// Classify compares the client inventory against the destination tree.
func Classify(inv wire.Inventory, destRoot string, opts wire.Options) (Result, error) {
	var res Result

	for i, rec := range inv.Files {
		idx := uint32(i) //nolint:gosec // G115: inventory size bounded by frame cap
		full := filepath.Join(destRoot, filepath.FromSlash(rec.RelPath))

		info, err := os.Lstat(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			res.classifyMissing(idx, rec, opts)
		case err != nil:
			return Result{}, errkind.Wrap(errkind.LocalIO, err, "stat destination")
		case !info.Mode().IsRegular():
			// A directory or special file where a regular file belongs:
			// resend whole and let the write path replace it.
			res.Missing = append(res.Missing, idx)
		default:
			if err := res.classifyExisting(idx, rec, full, info, opts); err != nil {
				return Result{}, err
			}
		}
	}

	if opts.Recursive && opts.DeleteExtras {
		deleted, err := collectExtras(inv, destRoot, opts)
		if err != nil {
			return Result{}, err
		}
		res.Deleted = deleted
	}

	return res, nil
}

// classifyMissing handles a path absent from the destination: suppressed
// under --existing, satisfied locally on a copy-dest metadata match,
// otherwise missing.
func (r *Result) classifyMissing(idx uint32, rec wire.FileRecord, opts wire.Options) {
	if opts.Existing {
		return
	}

	if opts.CopyDest != "" {
		alt := filepath.Join(opts.CopyDest, filepath.FromSlash(rec.RelPath))
		if info, err := os.Stat(alt); err == nil &&
			info.Mode().IsRegular() && metadataMatch(rec, info) {
			r.CopyHits = append(r.CopyHits, CopyHit{
				SrcPath: alt,
				Index:   idx,
				Size:    rec.Size,
				Mtime:   rec.Mtime,
				Perms:   rec.Perms,
			})
			r.Identical = append(r.Identical, idx)
			return
		}
	}

	r.Missing = append(r.Missing, idx)
}

func (r *Result) classifyExisting(
	idx uint32,
	rec wire.FileRecord,
	full string,
	info os.FileInfo,
	opts wire.Options,
) error {
	changed := !metadataMatch(rec, info)

	if !changed && opts.Checksum {
		digest, err := hashFile(full)
		if err != nil {
			return errkind.Wrap(errkind.LocalIO, err, "checksum destination")
		}
		changed = !bytes.Equal(digest, rec.Digest)
	}

	switch {
	case !changed:
		r.Identical = append(r.Identical, idx)
	case opts.WholeFile:
		// Signature phase disabled: changed files resend whole.
		r.Missing = append(r.Missing, idx)
	default:
		r.Changed = append(r.Changed, idx)
	}
	return nil
}

func metadataMatch(rec wire.FileRecord, info os.FileInfo) bool {
	if uint64(info.Size()) != rec.Size { //nolint:gosec // G115: regular file sizes are non-negative
		return false
	}
	diff := info.ModTime().Unix() - rec.Mtime
	if diff < -mtimeTolerance || diff > mtimeTolerance {
		return false
	}
	return uint16(info.Mode().Perm())&permMask == rec.Perms&permMask //nolint:gosec // G115: perm bits fit 12 bits
}

// collectExtras walks the destination and returns every path not present in
// the client inventory: files first, then directories deepest-first so the
// worker can remove them in order.
func collectExtras(inv wire.Inventory, destRoot string, opts wire.Options) ([]string, error) {
	fileSet := make(map[string]struct{}, len(inv.Files))
	for _, f := range inv.Files {
		fileSet[f.RelPath] = struct{}{}
	}
	dirSet := make(map[string]struct{}, len(inv.Dirs))
	for _, d := range inv.Dirs {
		dirSet[d.RelPath] = struct{}{}
	}

	// A copy-dest directory under the destination root is infrastructure,
	// not sync content.
	skipPrefix := ""
	if opts.CopyDest != "" {
		if rel, err := filepath.Rel(destRoot, opts.CopyDest); err == nil && !strings.HasPrefix(rel, "..") {
			skipPrefix = filepath.ToSlash(rel)
		}
	}

	var files, dirs []string
	err := filepath.WalkDir(destRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == destRoot && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if p == destRoot {
			return nil
		}

		rel, err := filepath.Rel(destRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if skipPrefix != "" && (rel == skipPrefix || strings.HasPrefix(rel, skipPrefix+"/")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if _, keep := dirSet[rel]; !keep {
				dirs = append(dirs, rel)
			}
			return nil
		}
		if _, keep := fileSet[rel]; !keep {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.LocalIO, err, "walk destination for delete")
	}

	// Deepest directories last in the walk; reverse so children precede
	// parents in the deletion list.
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}

	return append(files, dirs...), nil
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
