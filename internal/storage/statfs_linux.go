//go:build linux

package storage

import "golang.org/x/sys/unix"

//nolint:gosec // G115: block size is a small positive value
func freeBytes(root string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
