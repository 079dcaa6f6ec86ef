//go:build linux

package helper

import (
	"os"
	"syscall"
)

// fileID extracts the inode number from info, the cheapest reliable way to
// detect "this path now refers to a different underlying file" on Linux
// (rename-over-path during a package upgrade preserves the path but not
// the inode).
func fileID(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return st.Ino
}
