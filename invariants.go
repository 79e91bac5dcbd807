package safegc

import "github.com/pkg/errors"

// CheckInvariants verifies the structural invariants of every segment and
// returns the first violation found. It is a debugging aid: on a healthy
// heap it is pure overhead, and the tests lean on it after every
// operation they exercise.
//
// Checked per segment:
//   - dataPtr <= allocPtr <= commitPtr <= reservePtr, with the
//     reservation exactly one segment long;
//   - small segments: every page below allocPtr with a counter short of
//     PageSize parses as a run of headered objects ending exactly at the
//     page end or at allocPtr;
//   - large segments: pages carry counters of 1 (allocation start),
//     PageSize (released), or an in-between continuation value.
func (h *Heap) CheckInvariants() error {
	for i, s := range h.segments {
		hdr := s.hdr()
		if !(hdr.dataPtr <= hdr.allocPtr && hdr.allocPtr <= hdr.commitPtr && hdr.commitPtr <= hdr.reservePtr) {
			return errors.Errorf("segment %d: pointer ordering violated: data=%#x alloc=%#x commit=%#x reserve=%#x",
				i, hdr.dataPtr, hdr.allocPtr, hdr.commitPtr, hdr.reservePtr)
		}
		if hdr.reservePtr-s.base != SegmentSize {
			return errors.Errorf("segment %d: reservation is %d bytes, want %d", i, hdr.reservePtr-s.base, SegmentSize)
		}
		if s.large() {
			if err := checkLargeSegment(i, s); err != nil {
				return err
			}
		} else if err := checkSmallSegment(i, s); err != nil {
			return err
		}
	}
	return nil
}

func checkSmallSegment(i int, s *segment) error {
	hdr := s.hdr()
	for page := hdr.dataPtr; page < hdr.allocPtr; page += PageSize {
		meta := *sizeMetaFor(page)
		if meta == PageSize {
			continue
		}
		limit := page + PageSize
		if hdr.allocPtr < limit {
			limit = hdr.allocPtr
		}
		cur := page
		for cur < limit {
			obj := headerAt(cur)
			if obj.size == 0 {
				return errors.Errorf("segment %d: zero-size header at %#x", i, cur)
			}
			cur += uintptr(obj.size)
		}
		if cur != limit {
			return errors.Errorf("segment %d: object walk of page %#x overruns to %#x, want %#x", i, page, cur, limit)
		}
	}
	return nil
}

func checkLargeSegment(i int, s *segment) error {
	hdr := s.hdr()
	for page := hdr.dataPtr; page < hdr.allocPtr; page += PageSize {
		meta := *sizeMetaFor(page)
		if meta == 0 || meta > PageSize {
			return errors.Errorf("segment %d: large page %#x has counter %d", i, page, meta)
		}
		if meta == 1 {
			obj := headerAt(page)
			if uintptr(obj.size)%PageSize != 0 {
				return errors.Errorf("segment %d: large object at %#x has unrounded size %d", i, page, obj.size)
			}
		}
	}
	return nil
}

// markedObjects counts objects currently carrying mark status; outside a
// cycle it must be zero.
func (h *Heap) markedObjects() uint64 {
	var n uint64
	for _, s := range h.segments {
		hdr := s.hdr()
		for page := hdr.dataPtr; page < hdr.allocPtr; page += PageSize {
			meta := *sizeMetaFor(page)
			if meta == PageSize {
				continue
			}
			if s.large() {
				if meta == 1 && headerAt(page).status == statusMark {
					n++
				}
				continue
			}
			limit := page + PageSize
			if hdr.allocPtr < limit {
				limit = hdr.allocPtr
			}
			for cur := page; cur < limit; cur += uintptr(headerAt(cur).size) {
				if headerAt(cur).status == statusMark {
					n++
				}
			}
		}
	}
	return n
}
