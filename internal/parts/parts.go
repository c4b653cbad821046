// Package parts splits a logical I/O request into chunk-aligned sub-requests.
package parts

import "github.com/jiripospisil/blkchnkr/internal/uapi"

// Part is a single sub-request entirely contained within one chunk file.
type Part struct {
	FileNum     uint32
	StartSector uint64 // sector offset within the chunk file
	NrSectors   uint32
	BufOffset   uint32 // sector offset within the tag's I/O buffer
}

// ForDescriptor splits desc into a sequence of Parts, each confined to a
// single chunk, given the device's chunk size expressed in 512-byte sectors.
//
//	remaining = nr_sectors; s = start_sector; buf_off = 0
//	while remaining > 0:
//	  in_chunk_start = s % chunk_sectors
//	  take = min(chunk_sectors - in_chunk_start, remaining)
//	  emit { file_num = s / chunk_sectors, start = in_chunk_start, n = take, buf_off }
//	  s += take; remaining -= take; buf_off += take
func ForDescriptor(chunkSectors uint64, desc uapi.UblksrvIODesc) []Part {
	remaining := desc.NrSectors
	s := desc.StartSector
	var bufOff uint32

	parts := make([]Part, 0, 2)

	for remaining > 0 {
		inChunkStart := s % chunkSectors
		leftInChunk := chunkSectors - inChunkStart
		take := remaining
		if uint64(take) > leftInChunk {
			take = uint32(leftInChunk)
		}

		parts = append(parts, Part{
			FileNum:     uint32(s / chunkSectors),
			StartSector: inChunkStart,
			NrSectors:   take,
			BufOffset:   bufOff,
		})

		s += uint64(take)
		remaining -= take
		bufOff += take
	}

	return parts
}
