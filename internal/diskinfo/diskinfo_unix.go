//go:build unix

package diskinfo

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Stat returns the capacity of the filesystem that contains path.
func Stat(path string) (Usage, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(fs.Bsize)
	return newUsage(path, uint64(fs.Blocks)*bsize, uint64(fs.Bavail)*bsize), nil
}
