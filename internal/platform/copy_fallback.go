//go:build !linux && !darwin

package platform

import "os"

// CopyFile falls back to buffered read/write on other platforms.
func CopyFile(srcPath string, dst *os.File, size int64) (CopyResult, error) {
	Preallocate(dst, size)
	return copyReadWrite(srcPath, dst, size)
}
