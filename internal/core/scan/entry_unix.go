//go:build unix

package scan

import (
	"os"
	"syscall"
)

// physicalSize returns the allocated on-disk size: 512-byte blocks when the
// stat data exposes them, logical length otherwise. Sparse files report
// what they actually occupy.
func physicalSize(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Blocks * 512
	}
	return info.Size()
}
