//go:build windows

package segment

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmapFile memory-maps f read-only for its current size. Grounded on
// mjm918-tur/pkg/pager/mmap_windows.go's CreateFileMapping/MapViewOfFile
// pair, trimmed to the read-only case sealed segments need.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, uint32(size>>32), uint32(size), nil)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func munmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0])))
}
