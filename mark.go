package safegc

import "unsafe"

// unscannedNode is one entry of the mark worklist.
type unscannedNode struct {
	obj  *objHeader
	next *unscannedNode
}

// unscannedList is a FIFO of objects that have been marked but whose
// interiors have not yet been scanned. Nodes live only for the duration
// of a cycle.
type unscannedList struct {
	head *unscannedNode
	tail *unscannedNode
}

func (l *unscannedList) push(obj *objHeader) {
	node := &unscannedNode{obj: obj}
	if l.tail == nil {
		l.head = node
		l.tail = node
		return
	}
	l.tail.next = node
	l.tail = node
}

func (l *unscannedList) pop() *objHeader {
	if l.head == nil {
		return nil
	}
	node := l.head
	l.head = node.next
	if l.head == nil {
		l.tail = nil
	}
	return node.obj
}

// scanRange treats every byte offset in [start, end-8] as the start of a
// candidate machine word and classifies each. Byte granularity discovers
// unaligned pointers at eight times the candidate count of a word-aligned
// walk; completeness wins over CPU here.
func (h *Heap) scanRange(start, end uintptr) {
	if end < start+8 {
		return
	}
	for p := start; p <= end-8; p++ {
		h.markCandidate(p)
	}
}

// markCandidate loads the word at p and, if it resolves to an unmarked
// heap object, marks that object and queues it for interior scanning.
func (h *Heap) markCandidate(p uintptr) {
	w := *(*uintptr)(unsafe.Pointer(p))

	s := h.segmentFor(w)
	if s == nil {
		return
	}
	obj := resolveObject(s, w)
	if obj == nil {
		return
	}
	if obj.status == statusUnmarked {
		obj.status = statusMark
		h.unscanned.push(obj)
		h.cycleMarked++
	}
}

// segmentFor finds the segment whose allocated data range holds w. The
// upper bound is inclusive: a value one past the final allocation still
// resolves, mirroring end-pointer idioms. The segment count stays in the
// low single digits, so a linear scan is adequate.
func (h *Heap) segmentFor(w uintptr) *segment {
	for _, s := range h.segments {
		hdr := s.hdr()
		if hdr.dataPtr <= w && w <= hdr.allocPtr {
			return s
		}
	}
	return nil
}

// resolveObject maps a validated heap address to the header of the object
// containing it, or nil if the address lands on free space.
func resolveObject(s *segment, w uintptr) *objHeader {
	if *sizeMetaFor(w) == PageSize {
		// The whole page is free and physically released.
		return nil
	}
	if s.large() {
		return resolveLarge(s, w)
	}
	return resolveSmall(s, w)
}

// resolveLarge walks the counter table backwards to the allocation's
// first page, which holds the header.
func resolveLarge(s *segment, w uintptr) *objHeader {
	page := pageBase(w)
	for *sizeMetaFor(page) != 1 {
		page -= PageSize
	}
	return headerAt(page)
}

// resolveSmall walks the page as a run of headered objects. An address is
// inside an object when it falls in [start+header, start+size]; the
// inclusive upper bound deliberately admits one-past-the-end interior
// pointers.
func resolveSmall(s *segment, w uintptr) *objHeader {
	cur := pageBase(w)
	limit := cur + PageSize
	allocPtr := s.hdr().allocPtr
	for cur < limit && cur < allocPtr {
		obj := headerAt(cur)
		size := uintptr(obj.size)
		if w >= cur+headerSize && w <= cur+size {
			return obj
		}
		cur += size
	}
	return nil
}

// drainUnscanned scans marked objects until no unscanned object remains.
// Objects marked while scanning are appended and scanned in turn, so the
// drain reaches a fixpoint regardless of append pattern.
func (h *Heap) drainUnscanned() {
	for {
		obj := h.unscanned.pop()
		if obj == nil {
			return
		}
		start := obj.addr() + headerSize
		end := obj.addr() + uintptr(obj.size)
		h.scanRange(start, end)
	}
}
