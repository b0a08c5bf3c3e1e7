//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate attempts to pre-allocate disk space for a file about to be
// written at full size. Errors are ignored: fallocate is not supported on all
// filesystems and the write path works without it.
func Preallocate(fd *os.File, size int64) {
	if size <= 0 {
		return
	}
	//nolint:errcheck // fallocate is advisory
	unix.Fallocate(int(fd.Fd()), 0, 0, size)
}
