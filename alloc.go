package safegc

import (
	"unsafe"

	"safegc/mem"
)

// allocSmall serves a request whose aligned size (header included) fits
// in one page, by bumping the current small segment's allocation pointer.
// aligned is 8-byte rounded and includes the header.
func (h *Heap) allocSmall(aligned uintptr) unsafe.Pointer {
	for {
		if h.smallSeg == nil {
			h.smallSeg = h.newSegment(false)
		}
		hdr := h.smallSeg.hdr()

		if hdr.allocPtr+aligned <= hdr.commitPtr {
			obj := headerAt(hdr.allocPtr)
			obj.size = uint32(aligned)
			obj.status = statusUnmarked
			obj.typ = 0
			hdr.allocPtr += aligned
			h.countAlloc(aligned)
			return obj.payload()
		}

		// The request does not fit in committed space. Seal any unused
		// tail behind a hole header so sweep can still parse the page,
		// then grow the committed region by one page.
		if hdr.allocPtr != hdr.commitPtr {
			h.createHole(h.smallSeg)
		}
		ok, err := h.smallSeg.extendCommit()
		if err != nil {
			h.fatal(err)
		}
		if !ok {
			// Reservation exhausted; start a fresh segment.
			h.smallSeg = h.newSegment(false)
		}
	}
}

// allocLarge serves a request larger than one page from the large-object
// segment: page-rounded, committed in full up front, first page tagged in
// the counter table so the header is findable from any interior page.
func (h *Heap) allocLarge(n uintptr) unsafe.Pointer {
	aligned := alignUp(n+headerSize, PageSize)
	if aligned > SegmentSize-metadataSize {
		h.log.WithField("size", n).Fatal("allocation exceeds segment capacity")
	}
	for {
		if h.largeSeg == nil {
			h.largeSeg = h.newSegment(true)
		}
		hdr := h.largeSeg.hdr()

		newAlloc := hdr.allocPtr + aligned
		if newAlloc > hdr.reservePtr {
			h.largeSeg = h.newSegment(true)
			continue
		}
		if hdr.allocPtr != hdr.commitPtr {
			panic("safegc: large segment bump pointers diverged")
		}
		if err := mem.Commit(hdr.commitPtr, aligned); err != nil {
			h.fatal(err)
		}
		// First page tags the header; continuation pages get a counter
		// that reads as neither "allocation start" nor "released".
		*sizeMetaFor(hdr.allocPtr) = 1
		for off := uintptr(PageSize); off < aligned; off += PageSize {
			*sizeMetaFor(hdr.allocPtr+off) = largeContinuation
		}

		obj := headerAt(hdr.allocPtr)
		obj.size = uint32(aligned)
		obj.status = statusUnmarked
		obj.typ = 0
		hdr.allocPtr = newAlloc
		hdr.commitPtr = newAlloc
		h.countAlloc(aligned)
		return obj.payload()
	}
}

// createHole seals the gap between the allocation pointer and the commit
// pointer behind a dummy free object, so a page never ends in
// uninitialised bytes that sweep would misread as a header. A hole can be
// as small as 8 bytes, in which case only the size and status words of
// the header exist; sweep never dereferences past them on a free object.
//
// Holes count as neither allocation nor free in the stats.
func (h *Heap) createHole(s *segment) {
	hdr := s.hdr()
	holeSize := hdr.commitPtr - hdr.allocPtr
	if holeSize == 0 {
		return
	}
	if holeSize < 8 {
		panic("safegc: bump gap below minimum hole size")
	}
	obj := headerAt(hdr.allocPtr)
	obj.size = uint32(holeSize)
	obj.status = statusUnmarked
	hdr.allocPtr = hdr.commitPtr
	h.freeObject(obj, true)
	h.stats.HolesCreated++
}

func (h *Heap) countAlloc(aligned uintptr) {
	h.stats.BytesAllocated += uint64(aligned)
	if h.metrics != nil {
		h.metrics.bytesAllocated.Add(float64(aligned))
	}
}
