package safegc

import (
	"unsafe"

	"safegc/mem"
)

// Memory layout constants. A segment is a 4 GiB reservation aligned to its
// own size, so the owning segment of any interior address is a mask away.
const (
	PageSize    = mem.PageSize
	SegmentSize = uintptr(4) << 30

	// Two metadata bytes per page: a uint16 counter in the table at the
	// front of the segment.
	metadataSize      = (SegmentSize / PageSize) * 2
	numPagesInSegment = SegmentSize / PageSize

	// The counter slots shadowing the metadata area's own pages are never
	// consulted (no allocations live there), which is where the
	// segment-level header hides.
	segmentHeaderRoom = (metadataSize / PageSize) * 2

	// Commit grows one page at a time.
	commitSize = PageSize
)

// segmentHeader occupies the first bytes of a segment's metadata area,
// overlaying counter slots that are otherwise unused.
//
//	allocPtr   next free byte for bump allocation
//	commitPtr  first byte that is not yet readable-writable
//	reservePtr end of the segment
//	dataPtr    first data byte after the metadata area
//	large      nonzero for a large-object segment
type segmentHeader struct {
	allocPtr   uintptr
	commitPtr  uintptr
	reservePtr uintptr
	dataPtr    uintptr
	large      uintptr
}

// The header must fit inside the metadata area's self-shadowing counter
// slots.
const _ = segmentHeaderRoom - unsafe.Sizeof(segmentHeader{})

// segment is the Go-side handle for one reservation. The authoritative
// state (header and counter table) lives inside the mapping itself;
// mapping pins the over-reserved mmap region for the process lifetime.
type segment struct {
	base    uintptr
	mapping []byte
}

func (s *segment) hdr() *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(s.base))
}

func (s *segment) large() bool {
	return s.hdr().large != 0
}

// segmentBase recovers the owning segment's base from any interior
// address.
func segmentBase(addr uintptr) uintptr {
	return addr &^ (SegmentSize - 1)
}

// pageBase rounds an address down to its page.
func pageBase(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// alignUp rounds n up to a multiple of align, which must be a power of
// two.
func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// sizeMetaFor returns the per-page counter for the page holding addr. The
// counter table starts at the segment base, two bytes per page.
func sizeMetaFor(addr uintptr) *uint16 {
	base := segmentBase(addr)
	idx := (pageBase(addr) - base) / PageSize
	return (*uint16)(unsafe.Pointer(base + idx*2))
}

// newSegment reserves and registers a fresh segment of the given kind.
// Only the metadata area is committed; data pages are committed on
// demand.
func (h *Heap) newSegment(large bool) *segment {
	base, mapping, err := mem.ReserveAligned(SegmentSize, SegmentSize)
	if err != nil {
		h.fatal(err)
	}
	if err := mem.Commit(base, metadataSize); err != nil {
		h.fatal(err)
	}

	hdr := (*segmentHeader)(unsafe.Pointer(base))
	data := base + metadataSize
	hdr.allocPtr = data
	hdr.commitPtr = data
	hdr.dataPtr = data
	hdr.reservePtr = base + SegmentSize
	if large {
		hdr.large = 1
	}

	s := &segment{base: base, mapping: mapping}
	h.segments = append(h.segments, s)
	h.stats.SegmentsCreated++
	if h.metrics != nil {
		h.metrics.segmentsCreated.Inc()
	}
	h.log.WithField("base", base).WithField("large", large).Debug("segment reserved")
	return s
}

// extendCommit makes one more page of the segment accessible. It reports
// false when the reservation is exhausted.
func (s *segment) extendCommit() (bool, error) {
	hdr := s.hdr()
	if hdr.allocPtr != hdr.commitPtr {
		panic("safegc: commit extension with unconsumed bump space")
	}
	next := hdr.commitPtr + commitSize
	if next > hdr.reservePtr {
		if hdr.commitPtr != hdr.reservePtr {
			panic("safegc: commit pointer past reservation")
		}
		return false, nil
	}
	if err := mem.Commit(hdr.commitPtr, commitSize); err != nil {
		return false, err
	}
	hdr.commitPtr = next
	return true, nil
}
