// Package iobuf implements the per-queue I/O buffer arena: one page-aligned
// slot per in-flight tag, owned exclusively by that queue's worker.
package iobuf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a contiguous, page-aligned allocation holding one slot per tag.
type Arena struct {
	data     []byte
	elemSize int
}

func roundUpToPage(n, pageSize int) int {
	if rem := n % pageSize; rem != 0 {
		n += pageSize - rem
	}
	return n
}

// New allocates an arena sized for queueDepth tags, each able to hold
// maxIOBufBytes.
func New(maxIOBufBytes uint32, queueDepth uint16) (*Arena, error) {
	pageSize := unix.Getpagesize()
	elemSize := roundUpToPage(int(maxIOBufBytes), pageSize)
	total := elemSize * int(queueDepth)

	data, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate I/O buffer arena: %w", err)
	}

	return &Arena{data: data, elemSize: elemSize}, nil
}

// Addr returns the userspace address of tag's slot, for passing to the
// driver via FETCH_REQ/COMMIT_AND_FETCH_REQ.
func (a *Arena) Addr(tag uint16) uint64 {
	return uint64(uintptr(unsafe.Pointer(&a.data[int(tag)*a.elemSize])))
}

// Slice returns a byte slice view of length bytes inside tag's slot, starting
// at sectorOffset sectors plus byteOffset bytes into the slot.
func (a *Arena) Slice(tag uint16, sectorOffset uint32, byteOffset uint32, length uint32) []byte {
	start := int(tag)*a.elemSize + (int(sectorOffset) << 9) + int(byteOffset)
	return a.data[start : start+int(length) : start+int(length)]
}

// Close releases the arena's backing mapping.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	return err
}
