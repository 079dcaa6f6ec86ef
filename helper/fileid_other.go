//go:build !linux

package helper

import "os"

// fileID has no portable inode equivalent outside Linux; the executable-
// replacement watch degenerates to a no-op on other platforms (the helper
// still exits on idle).
func fileID(info os.FileInfo) uint64 { return 0 }
