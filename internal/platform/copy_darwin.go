//go:build darwin

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// CopyFile tries clonefile for a CoW copy, falling back to read/write.
// clonefile requires the destination not to exist, so the clone is made at a
// sibling path and then renamed over the temp file's path.
func CopyFile(srcPath string, dst *os.File, size int64) (CopyResult, error) {
	if err := unix.Clonefile(srcPath, dst.Name()+".clone", 0); err == nil {
		// Clone landed beside the temp file; swap it into place.
		if renameErr := os.Rename(dst.Name()+".clone", dst.Name()); renameErr == nil {
			return CopyResult{BytesWritten: size, Method: Clonefile}, nil
		}
		os.Remove(dst.Name() + ".clone")
	}

	Preallocate(dst, size)
	return copyReadWrite(srcPath, dst, size)
}
