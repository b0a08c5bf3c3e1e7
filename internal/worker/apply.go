package worker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/dsync/internal/classify"
	"github.com/bamsammich/dsync/internal/errkind"
	"github.com/bamsammich/dsync/internal/platform"
	"github.com/bamsammich/dsync/internal/rollhash"
	"github.com/bamsammich/dsync/internal/wire"
)

// signatureEntrySize is the wire footprint of one block signature.
const signatureEntrySize = 4 + rollhash.StrongLen

// tempFile creates the reconstruction temp as a sibling of the target so the
// final rename is atomic within one filesystem.
func tempFile(target string) (*os.File, error) {
	dir := filepath.Dir(target)
	name := fmt.Sprintf(".%s.%s.tmp", filepath.Base(target), uuid.NewString()[:8])
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsNotExist(err) {
		// Intermediate directory outside the inventory's dir records.
		if mkErr := os.MkdirAll(dir, 0755); mkErr == nil {
			f, err = os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		}
	}
	if err != nil {
		return nil, err
	}
	registerTmp(f.Name())
	return f, nil
}

// finishFile closes the temp, applies metadata, and renames it over the
// target. On any error the temp is removed and the target left unchanged.
func finishFile(tmp *os.File, target string, perms uint16, mtime int64) error {
	tmpPath := tmp.Name()
	abort := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		deregisterTmp(tmpPath)
		return err
	}

	if err := tmp.Close(); err != nil {
		return abort(fmt.Errorf("close temp: %w", err))
	}
	if err := os.Chmod(tmpPath, os.FileMode(perms)); err != nil {
		return abort(fmt.Errorf("chmod temp: %w", err))
	}
	mt := time.Unix(mtime, 0)
	if err := os.Chtimes(tmpPath, mt, mt); err != nil {
		return abort(fmt.Errorf("set mtime: %w", err))
	}

	if err := os.Rename(tmpPath, target); err != nil {
		// The target may be a directory or special file the classifier
		// flagged for replacement; clear it and retry once.
		if rmErr := os.Remove(target); rmErr == nil {
			err = os.Rename(tmpPath, target)
		}
		if err != nil {
			return abort(fmt.Errorf("rename over target: %w", err))
		}
	}

	deregisterTmp(tmpPath)
	return nil
}

func discardTemp(tmp *os.File) {
	tmp.Close()
	os.Remove(tmp.Name())
	deregisterTmp(tmp.Name())
}

// receiveWhole consumes one bracketed whole-file stream. A local write
// failure does not abort the session: the remaining frames are drained so
// the protocol stays in step, and the file counts as failed.
func (s *server) receiveWhole(idx uint32) error {
	rec, target, err := s.fileTarget(idx)
	if err != nil {
		return err
	}

	if err := s.expect(wire.TagStartCompress); err != nil {
		return err
	}

	var tmp *os.File
	var writeErr error
	tmp, writeErr = tempFile(target)
	if writeErr == nil {
		platform.Preallocate(tmp, int64(rec.Size)) //nolint:gosec // G115: sizes bounded by filesystem
	}

	var received uint64
	var meta wire.FileWhole
	first := true
	for {
		tag, payload, err := s.pump.Recv()
		if err != nil {
			if tmp != nil {
				discardTemp(tmp)
			}
			return err
		}
		if tag == wire.TagStopCompress {
			break
		}
		if tag != wire.TagFileWhole {
			if tmp != nil {
				discardTemp(tmp)
			}
			return errkind.New(errkind.ProtocolError, "expected FileWhole, got %s", tag)
		}

		fw, err := wire.DecodeFileWhole(payload)
		if err != nil {
			if tmp != nil {
				discardTemp(tmp)
			}
			return errkind.Wrap(errkind.ProtocolError, err, "decode FileWhole")
		}
		if first {
			meta = fw
			first = false
		}

		received += uint64(len(fw.Data))
		if writeErr == nil && len(fw.Data) > 0 {
			if _, err := tmp.Write(fw.Data); err != nil {
				writeErr = err
			}
		}
	}

	if first || received != meta.Size {
		if tmp != nil {
			discardTemp(tmp)
		}
		return errkind.New(errkind.ProtocolError,
			"whole-file stream for index %d carried %d of %d bytes", idx, received, meta.Size)
	}

	if writeErr != nil {
		if tmp != nil {
			discardTemp(tmp)
		}
		s.fileDone(rec.RelPath, writeErr)
		return nil
	}

	s.fileDone(rec.RelPath, finishFile(tmp, target, meta.Perms, meta.Mtime))
	return nil
}

// syncChanged runs the delta round trip for one changed file: signature out,
// bracketed instruction stream in, reconstruction against the basis.
func (s *server) syncChanged(idx uint32) error {
	rec, target, err := s.fileTarget(idx)
	if err != nil {
		return err
	}

	basis, basisSize, sig := s.signBasis(target)
	if basis != nil {
		defer basis.Close()
	}
	if err := s.sendSignatures(idx, sig); err != nil {
		return err
	}

	if err := s.expect(wire.TagStartCompress); err != nil {
		return err
	}

	tmp, writeErr := tempFile(target)
	if writeErr == nil {
		platform.Preallocate(tmp, int64(rec.Size)) //nolint:gosec // G115: sizes bounded by filesystem
	}

	var written int64
	for {
		tag, payload, err := s.pump.Recv()
		if err != nil {
			if tmp != nil {
				discardTemp(tmp)
			}
			return err
		}
		if tag == wire.TagStopCompress {
			break
		}
		if tag != wire.TagDelta {
			if tmp != nil {
				discardTemp(tmp)
			}
			return errkind.New(errkind.ProtocolError, "expected Delta, got %s", tag)
		}

		d, err := wire.DecodeDelta(payload)
		if err != nil {
			if tmp != nil {
				discardTemp(tmp)
			}
			return errkind.Wrap(errkind.ProtocolError, err, "decode Delta")
		}

		written += deltaLength(d.Ops, sig.BlockSize, basisSize)
		if writeErr == nil {
			if err := rollhash.Apply(readerAtOrEmpty(basis), basisSize, sig.BlockSize, d.Ops, tmp); err != nil {
				writeErr = err
			}
		}
	}

	if uint64(written) != rec.Size { //nolint:gosec // G115: accumulated lengths are non-negative
		if tmp != nil {
			discardTemp(tmp)
		}
		return errkind.New(errkind.ProtocolError,
			"delta stream for index %d reconstructed %d of %d bytes", idx, written, rec.Size)
	}

	if writeErr != nil {
		if tmp != nil {
			discardTemp(tmp)
		}
		s.fileDone(rec.RelPath, writeErr)
		return nil
	}

	s.fileDone(rec.RelPath, finishFile(tmp, target, rec.Perms, rec.Mtime))
	return nil
}

// signBasis opens and signs the existing remote file. A basis that vanished
// since classification degrades to an empty signature: the client then sends
// the whole content as literals and reconstruction needs no basis reads.
func (s *server) signBasis(target string) (*os.File, int64, rollhash.Signature) {
	f, err := os.Open(target)
	if err != nil {
		s.log.Warn("basis unavailable, falling back to full transfer", "path", target, "error", err)
		return nil, 0, rollhash.Signature{BlockSize: rollhash.MinBlockSize}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, rollhash.Signature{BlockSize: rollhash.MinBlockSize}
	}

	sig, err := rollhash.ComputeSignature(f, info.Size())
	if err != nil {
		f.Close()
		return nil, 0, rollhash.Signature{BlockSize: rollhash.MinBlockSize}
	}
	return f, info.Size(), sig
}

func (s *server) sendSignatures(idx uint32, sig rollhash.Signature) error {
	total := uint32(len(sig.Blocks)) //nolint:gosec // G115: block count bounded by file size
	perFrame := wire.DataChunkSize / signatureEntrySize

	sent := 0
	for {
		end := min(sent+perFrame, len(sig.Blocks))
		msg := wire.Signatures{
			Index:     idx,
			BlockSize: uint32(sig.BlockSize), //nolint:gosec // G115: block size ≤ 128 KiB
			Count:     total,
			Blocks:    sig.Blocks[sent:end],
		}
		if err := s.pump.Send(wire.TagSignatures, wire.EncodeSignatures(msg)); err != nil {
			return err
		}
		sent = end
		if sent >= len(sig.Blocks) {
			return nil
		}
	}
}

// materializeCopyHits copies content from the copy-dest directory into place
// for files that classification satisfied locally.
func (s *server) materializeCopyHits(hits []classify.CopyHit) {
	for _, hit := range hits {
		_, target, err := s.fileTarget(hit.Index)
		if err != nil {
			s.log.Warn("copy-dest hit outside inventory", "index", hit.Index)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			s.log.Warn("copy-dest mkdir", "path", target, "error", err)
			continue
		}

		tmp, err := tempFile(target)
		if err != nil {
			s.log.Warn("copy-dest temp", "path", target, "error", err)
			continue
		}
		if _, err := platform.CopyFile(hit.SrcPath, tmp, int64(hit.Size)); err != nil { //nolint:gosec // G115: sizes bounded by filesystem
			discardTemp(tmp)
			s.log.Warn("copy-dest copy", "path", target, "error", err)
			continue
		}
		if err := finishFile(tmp, target, hit.Perms, hit.Mtime); err != nil {
			s.log.Warn("copy-dest finish", "path", target, "error", err)
		}
	}
}

func (s *server) expect(want wire.Tag) error {
	tag, _, err := s.pump.Recv()
	if err != nil {
		return err
	}
	if tag != want {
		return errkind.New(errkind.ProtocolError, "expected %s, got %s", want, tag)
	}
	return nil
}

// deltaLength is the reconstructed byte count of a batch of instructions.
func deltaLength(ops []rollhash.Op, blockSize int, basisSize int64) int64 {
	var n int64
	for _, op := range ops {
		if op.IsCopy() {
			length := int64(op.Count) * int64(blockSize)
			if off := int64(op.BlockIndex) * int64(blockSize); off+length > basisSize {
				length = basisSize - off
			}
			if length > 0 {
				n += length
			}
		} else {
			n += int64(len(op.Literal))
		}
	}
	return n
}

func readerAtOrEmpty(f *os.File) io.ReaderAt {
	if f == nil {
		return emptyReaderAt{}
	}
	return f
}

type emptyReaderAt struct{}

func (emptyReaderAt) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, io.EOF
}
