package safegc

import "safegc/mem"

// sweep walks every committed page of every segment in creation order,
// reclaims unmarked objects, and resets survivors to unmarked. Pages
// whose counter already reads PageSize are physically released and must
// not be touched.
func (h *Heap) sweep() {
	for _, s := range h.segments {
		if s.large() {
			h.sweepLarge(s)
		} else {
			h.sweepSmall(s)
		}
	}
}

// sweepSmall walks each live page as a tight run of headered objects.
// The hole fabricated at allocation time is what makes this parse safe:
// no page between dataPtr and allocPtr contains uninitialised bytes where
// a header is expected.
func (h *Heap) sweepSmall(s *segment) {
	hdr := s.hdr()
	for page := hdr.dataPtr; page < hdr.allocPtr; page += PageSize {
		meta := sizeMetaFor(page)
		if *meta == PageSize {
			continue
		}
		limit := page + PageSize
		if hdr.allocPtr < limit {
			limit = hdr.allocPtr
		}
		cur := page
		// Freeing the final object can release the page mid-walk; the
		// counter check keeps us off reclaimed memory.
		for cur < limit && *meta != PageSize {
			obj := headerAt(cur)
			size := uintptr(obj.size)
			status := obj.status
			cur += size
			switch status {
			case statusMark:
				obj.status = statusUnmarked
			case statusUnmarked:
				h.freeObject(obj, false)
			}
		}
	}
}

// sweepLarge visits each first page (counter == 1) and applies the same
// decision to the allocation as a whole. Continuation pages carry
// counters in (1, PageSize) and are skipped.
func (h *Heap) sweepLarge(s *segment) {
	hdr := s.hdr()
	for page := hdr.dataPtr; page < hdr.allocPtr; page += PageSize {
		if *sizeMetaFor(page) != 1 {
			// Released page or continuation page; the decision for a
			// continuation was taken at its header page.
			continue
		}
		obj := headerAt(page)
		switch obj.status {
		case statusMark:
			obj.status = statusUnmarked
		case statusUnmarked:
			h.freeObject(obj, false)
		}
	}
}

// freeObject reclaims one object. For a large allocation every page is
// tagged free and the whole range goes back to the OS. For a small one
// the page counter absorbs the object's bytes, and the page is released
// once fully free. Holes skip the freed-bytes accounting.
func (h *Heap) freeObject(obj *objHeader, hole bool) {
	if obj.status&statusFree != 0 {
		panic("safegc: double free")
	}
	size := uintptr(obj.size)
	if !hole {
		h.stats.BytesFreed += uint64(size)
		if h.metrics != nil {
			h.metrics.bytesFreed.Add(float64(size))
		}
	}

	if size > commitSize {
		addr := obj.addr()
		if addr%PageSize != 0 || size%PageSize != 0 {
			panic("safegc: misaligned large object")
		}
		for off := uintptr(0); off < size; off += PageSize {
			*sizeMetaFor(addr+off) = PageSize
		}
		obj.status = statusFree
		h.releasePages(addr, size)
		return
	}

	meta := sizeMetaFor(obj.addr())
	*meta += uint16(size)
	if *meta > PageSize {
		panic("safegc: page free counter overflow")
	}
	obj.status = statusFree
	if *meta == PageSize {
		h.releasePages(pageBase(obj.addr()), PageSize)
	}
}

func (h *Heap) releasePages(addr, n uintptr) {
	if err := mem.Reclaim(addr, n); err != nil {
		h.fatal(err)
	}
	pages := uint64(n / PageSize)
	h.stats.PagesReleased += pages
	if h.metrics != nil {
		h.metrics.pagesReleased.Add(float64(pages))
	}
}
