// Platform abstracted memory ops
package system

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

const MMAP_MODE = unix.MAP_ANON  | unix.MAP_PRIVATE
const MMAP_PROT = unix.PROT_READ | unix.PROT_WRITE

// Anonymous private mapping, aligned to the system page size (check using `getconf PAGESIZE`,
// basically always 0x1000). Stands in for physical memory and for the buffer pool, so neither
// lives on the Go heap and neither is ever moved or scanned by the GC.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, size, MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "size", size, "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}
