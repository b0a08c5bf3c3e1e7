//go:build darwin

package inventory

import (
	"os"
	"syscall"
)

// devIno extracts the device and inode identity from a stat result.
func devIno(info os.FileInfo) DevIno {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return DevIno{}
	}
	return DevIno{
		Dev: uint64(st.Dev), //nolint:gosec // G115: dev_t is int32 on darwin, always non-negative
		Ino: st.Ino,
	}
}
