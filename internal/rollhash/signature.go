package rollhash

import (
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/zeebo/blake3"
)

const (
	// MinBlockSize and MaxBlockSize bound the per-file block size.
	MinBlockSize = 1024
	MaxBlockSize = 128 * 1024

	// StrongLen is the truncated BLAKE3 digest width carried per block.
	// Both ends share the constant: the deploy rule guarantees client and
	// worker run the same build.
	StrongLen = 32
)

// Block holds the weak and strong hashes of one basis block.
type Block struct {
	Weak   uint32
	Strong []byte
}

// Signature is the block-level signature of a basis file.
type Signature struct {
	Blocks    []Block
	BlockSize int
	FileSize  int64
}

// BlockSize selects the per-file block size: sqrt(fileSize) rounded to the
// nearest power of two, clamped to [MinBlockSize, MaxBlockSize].
func BlockSize(fileSize int64) int {
	if fileSize <= 0 {
		return MinBlockSize
	}
	s := uint64(math.Sqrt(float64(fileSize)))
	if s < MinBlockSize {
		return MinBlockSize
	}

	// Nearest power of two: compare against the bracketing powers.
	hi := uint64(1) << bits.Len64(s-1)
	lo := hi >> 1
	bs := hi
	if s-lo < hi-s {
		bs = lo
	}

	if bs > MaxBlockSize {
		return MaxBlockSize
	}
	return int(bs)
}

// strongSum returns the truncated BLAKE3 digest of p.
func strongSum(p []byte) []byte {
	d := blake3.Sum256(p)
	return d[:StrongLen]
}

// ComputeSignature partitions r into fileSize/blockSize blocks (the tail may
// be shorter) and hashes each. The server runs this over the existing remote
// file for every path classified as changed.
func ComputeSignature(r io.Reader, fileSize int64) (Signature, error) {
	blockSize := BlockSize(fileSize)
	sig := Signature{
		BlockSize: blockSize,
		FileSize:  fileSize,
	}

	buf := make([]byte, blockSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			sig.Blocks = append(sig.Blocks, Block{
				Weak:   WeakSum(block),
				Strong: strongSum(block),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Signature{}, fmt.Errorf("read basis block: %w", err)
		}
	}

	return sig, nil
}
