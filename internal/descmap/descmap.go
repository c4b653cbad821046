// Package descmap provides a read-only, memory-mapped view of the ublk
// driver's per-queue I/O descriptor table.
package descmap

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jiripospisil/blkchnkr/internal/uapi"
)

const (
	// UBLKSRVCmdBufOffset is the mmap offset base for descriptor tables.
	UBLKSRVCmdBufOffset = 0
	// maxQueueDepth bounds the per-queue stride so offsets for different
	// queue_ids never overlap, matching the driver's own layout convention.
	maxQueueDepth = 4096
)

const (
	descNrSectorsOffset   = uintptr(4)
	descStartSectorOffset = uintptr(8)
	descAddrOffset        = uintptr(16)
)

// Map is a read-only mmap'd descriptor table for one queue.
type Map struct {
	ptr unsafe.Pointer
	len int
}

func descSize() int {
	return int(unsafe.Sizeof(uapi.UblksrvIODesc{}))
}

func pageRound(n, pageSize int) int {
	if rem := n % pageSize; rem != 0 {
		n += pageSize - rem
	}
	return n
}

func offsetFor(queueID uint16, pageSize int) int64 {
	stride := pageRound(maxQueueDepth*descSize(), pageSize)
	return UBLKSRVCmdBufOffset + int64(queueID)*int64(stride)
}

// New maps the descriptor table for (queueID, queueDepth) out of the ublk
// character device fd.
func New(fd int, queueID uint16, queueDepth uint16) (*Map, error) {
	pageSize := unix.Getpagesize()
	length := pageRound(int(queueDepth)*descSize(), pageSize)

	data, err := unix.Mmap(fd, offsetFor(queueID, pageSize), length,
		unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap descriptor table for queue %d: %w", queueID, err)
	}

	return &Map{ptr: unsafe.Pointer(&data[0]), len: length}, nil
}

// Desc reads the descriptor at tag with acquire semantics, since the kernel
// writes it concurrently with our read.
func (m *Map) Desc(tag uint16) uapi.UblksrvIODesc {
	base := unsafe.Add(m.ptr, uintptr(tag)*uintptr(descSize()))

	return uapi.UblksrvIODesc{
		OpFlags:     atomic.LoadUint32((*uint32)(base)),
		NrSectors:   atomic.LoadUint32((*uint32)(unsafe.Add(base, descNrSectorsOffset))),
		StartSector: atomic.LoadUint64((*uint64)(unsafe.Add(base, descStartSectorOffset))),
		Addr:        atomic.LoadUint64((*uint64)(unsafe.Add(base, descAddrOffset))),
	}
}

// Close unmaps the descriptor table.
func (m *Map) Close() error {
	if m.ptr == nil {
		return nil
	}
	data := unsafe.Slice((*byte)(m.ptr), m.len)
	err := unix.Munmap(data)
	m.ptr = nil
	return err
}
