//go:build linux

package ioqueue

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// directIOFlag returns the open(2) flag that bypasses the page cache.
func directIOFlag(directIO bool) int {
	if directIO {
		return unix.O_DIRECT
	}
	return 0
}

// deviceBlockSize reports the filesystem block size for the file's volume.
// Every write length and offset must be a multiple of this under direct I/O.
func deviceBlockSize(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
		return 0, err
	}
	if st.Bsize <= 0 {
		return 4096, nil
	}
	return int64(st.Bsize), nil
}

// fadviseSequential hints that the file is about to be read front to back.
// Applied when a bucket set is rewound for the next table. Best-effort.
func fadviseSequential(f FileStream) {
	s, ok := f.(*osStream)
	if !ok {
		return
	}
	_ = unix.Fadvise(int(s.f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
