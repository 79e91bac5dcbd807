package safegc

import (
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"safegc/layout"
)

// rootRegion is one conservatively scanned interval.
type rootRegion struct {
	start uintptr
	end   uintptr
}

// runCycle performs one full collection: enumerate roots, mark to
// fixpoint, sweep. It runs synchronously on the caller's goroutine and
// returns only when the heap is consistent again.
func (h *Heap) runCycle() {
	began := time.Now()
	h.stats.GCCycles++
	if h.metrics != nil {
		h.metrics.gcCycles.Inc()
	}
	h.cycleMarked = 0

	freedBefore := h.stats.BytesFreed
	releasedBefore := h.stats.PagesReleased

	// The sentinel marks the low boundary of the stack window: every
	// frame below this one is collector machinery and stays unscanned.
	sentinel := stackMagic
	keepOnStack(&sentinel)

	for _, r := range h.globalRoots() {
		h.scanRange(r.start, r.end)
	}
	h.scanStack()
	keepOnStack(&sentinel)
	h.drainUnscanned()
	h.sweep()

	h.log.WithFields(logrus.Fields{
		"cycle":          h.stats.GCCycles,
		"objects_marked": h.cycleMarked,
		"bytes_freed":    h.stats.BytesFreed - freedBefore,
		"pages_released": h.stats.PagesReleased - releasedBefore,
		"took":           time.Since(began),
	}).Debug("collection cycle complete")
}

// globalRoots returns the global-data intervals, resolving them from the
// program image on the first cycle and caching the result: the data
// segment of a running process does not move.
func (h *Heap) globalRoots() []rootRegion {
	if h.dataRegions != nil {
		return h.dataRegions
	}
	regions, err := layout.DataRegions()
	if err != nil {
		// No image and no maps: scan globals not at all rather than
		// guess at addresses. Heap references must then be reachable
		// from the stack.
		h.log.WithError(err).Warn("global data discovery failed, scanning stack roots only")
		h.dataRegions = []rootRegion{}
		return h.dataRegions
	}
	for _, r := range regions {
		h.dataRegions = append(h.dataRegions, rootRegion{start: r.Start, end: r.End})
	}
	h.log.WithField("regions", len(h.dataRegions)).Debug("global data roots resolved")
	return h.dataRegions
}

// scanStack scans the mutator stack window [top, bottom-8]. The bottom
// is the high boundary recorded by Run; the top is found by walking
// upward from a local of this frame until the sentinel word planted at
// cycle entry appears, so the collector's own deeper frames are skipped
// while every mutator frame between the cycle entry and Run is covered.
func (h *Heap) scanStack() {
	bottom := h.stackBottom
	if bottom == 0 {
		h.log.Debug("no mutator frame registered, skipping stack roots")
		return
	}
	var anchor uintptr
	top := uintptr(unsafe.Pointer(&anchor))
	for *(*uint32)(unsafe.Pointer(top)) != stackMagic {
		top++
		if top >= bottom {
			panic("safegc: stack sentinel not found below registered frame")
		}
	}
	h.scanRange(top, bottom)
}
