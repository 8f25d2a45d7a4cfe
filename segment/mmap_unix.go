//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile memory-maps f read-only for its current size. Grounded on
// mjm918-tur/pkg/pager/mmap_unix.go's OpenMmapFile, trimmed to the
// read-only case sealed segments need.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

func munmapFile(data []byte) error {
	return unix.Munmap(data)
}
