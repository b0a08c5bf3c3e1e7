package rollhash

import (
	"bytes"
	"fmt"
	"io"
)

// MaxLiteral caps a single literal instruction's payload.
const MaxLiteral = 64 * 1024

// Op is a single reconstruction instruction. BlockIndex >= 0 copies Count
// consecutive basis blocks starting there; BlockIndex == -1 writes Literal.
type Op struct {
	Literal    []byte
	BlockIndex int32
	Count      uint32
}

// IsCopy reports whether the op copies basis blocks.
func (o Op) IsCopy() bool { return o.BlockIndex >= 0 }

// BuildDelta matches src against the basis signature and returns the
// instruction stream whose application to the basis reproduces src exactly.
//
// A rolling window exactly BlockSize bytes wide slides over src. On a weak-hash
// hit the strong hash confirms the match; matched windows become CopyBlock ops
// (coalesced when the basis block sequence continues), everything else
// accumulates into literals flushed in MaxLiteral segments. A short basis tail
// block never matches: the window is always full width.
//
//nolint:gocyclo,revive // cyclomatic: rsync-style rolling match is inherently branchy
func BuildDelta(src io.Reader, sig Signature) ([]Op, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	blockSize := sig.BlockSize
	if blockSize <= 0 {
		blockSize = BlockSize(int64(len(data)))
	}

	// Weak hash -> candidate basis blocks. Only full-size blocks participate;
	// the tail block (if short) is excluded up front.
	type candidate struct {
		strong []byte
		index  int32
	}
	fullBlocks := len(sig.Blocks)
	if sig.FileSize%int64(blockSize) != 0 && fullBlocks > 0 {
		fullBlocks--
	}
	weakMap := make(map[uint32][]candidate, fullBlocks)
	for i := range fullBlocks {
		b := sig.Blocks[i]
		weakMap[b.Weak] = append(weakMap[b.Weak], candidate{
			strong: b.Strong,
			index:  int32(i), //nolint:gosec // G115: block count bounded by file size / MinBlockSize
		})
	}

	var ops []Op
	var literal []byte

	flushLiteral := func() {
		for len(literal) > 0 {
			n := min(len(literal), MaxLiteral)
			seg := make([]byte, n)
			copy(seg, literal[:n])
			ops = append(ops, Op{BlockIndex: -1, Literal: seg})
			literal = literal[n:]
		}
		literal = literal[:0]
	}

	emitCopy := func(index int32) {
		flushLiteral()
		if n := len(ops); n > 0 && ops[n-1].IsCopy() &&
			ops[n-1].BlockIndex+int32(ops[n-1].Count) == index {
			ops[n-1].Count++
			return
		}
		ops = append(ops, Op{BlockIndex: index, Count: 1})
	}

	if len(weakMap) == 0 || len(data) < blockSize {
		// Nothing can match: the whole source is literal.
		literal = data
		flushLiteral()
		return ops, nil
	}

	i := 0
	roll := newRolling(data[:blockSize])
	for {
		matched := false
		if candidates, ok := weakMap[roll.sum()]; ok {
			window := data[i : i+blockSize]
			strong := strongSum(window)
			for _, c := range candidates {
				if bytes.Equal(c.strong, strong) {
					emitCopy(c.index)
					matched = true
					break
				}
			}
		}

		if matched {
			i += blockSize
			if i+blockSize > len(data) {
				break
			}
			roll = newRolling(data[i : i+blockSize])
			continue
		}

		literal = append(literal, data[i])
		if len(literal) >= MaxLiteral {
			flushLiteral()
		}
		if i+blockSize >= len(data) {
			i++
			break
		}
		roll.roll(data[i], data[i+blockSize])
		i++
	}

	// Tail shorter than a block is always literal.
	literal = append(literal, data[i:]...)
	flushLiteral()
	return ops, nil
}

// Apply writes the reconstruction of ops against basis to dst. CopyBlock ops
// read Count*blockSize bytes at BlockIndex*blockSize; the final block of the
// basis may be short, in which case the copy is truncated to the basis size.
func Apply(basis io.ReaderAt, basisSize int64, blockSize int, ops []Op, dst io.Writer) error {
	var buf []byte
	for _, op := range ops {
		if !op.IsCopy() {
			if _, err := dst.Write(op.Literal); err != nil {
				return fmt.Errorf("write literal: %w", err)
			}
			continue
		}

		off := int64(op.BlockIndex) * int64(blockSize)
		length := int64(op.Count) * int64(blockSize)
		if off+length > basisSize {
			length = basisSize - off
		}
		if off < 0 || length < 0 {
			return fmt.Errorf("copy block %d+%d outside basis of %d bytes",
				op.BlockIndex, op.Count, basisSize)
		}

		if int64(len(buf)) < length {
			buf = make([]byte, length)
		}
		if _, err := basis.ReadAt(buf[:length], off); err != nil {
			return fmt.Errorf("read basis at %d: %w", off, err)
		}
		if _, err := dst.Write(buf[:length]); err != nil {
			return fmt.Errorf("write block copy: %w", err)
		}
	}
	return nil
}

// Stats returns the number of copied blocks and literal bytes in a delta.
func Stats(ops []Op) (copiedBlocks int64, literalBytes int64) {
	for _, op := range ops {
		if op.IsCopy() {
			copiedBlocks += int64(op.Count)
		} else {
			literalBytes += int64(len(op.Literal))
		}
	}
	return copiedBlocks, literalBytes
}
