package platform

import (
	"errors"
	"io"
	"os"
	"sync"
)

const bufferSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite copies src into dst with a pooled buffer. The portable
// fallback behind the per-OS fast paths.
func copyReadWrite(srcPath string, dst *os.File, size int64) (CopyResult, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return CopyResult{}, err
	}
	defer src.Close()

	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	var total int64
	for total < size {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return CopyResult{BytesWritten: total, Method: ReadWrite}, werr
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return CopyResult{BytesWritten: total, Method: ReadWrite}, err
		}
	}

	return CopyResult{BytesWritten: total, Method: ReadWrite}, nil
}
