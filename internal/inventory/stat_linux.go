//go:build linux

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
	return DevIno{Dev: st.Dev, Ino: st.Ino}
}
