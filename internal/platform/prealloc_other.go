//go:build !linux

package platform

import "os"

// Preallocate is a no-op off Linux (fallocate is Linux-only).
func Preallocate(_ *os.File, _ int64) {}
