// Package safegc is a conservative, stop-the-world, mark-and-sweep
// garbage collector with a bump-allocating segmented heap. It manages its
// own memory beneath the Go runtime: segments come straight from the
// kernel, and liveness is decided by conservatively scanning the
// program's global data and the mutator's stack for values that happen to
// point into the managed heap.
//
// The collector is single-threaded by design: allocation, collection and
// mutation all happen on one goroutine, and a collection runs to
// completion inside the allocation call that triggered it.
package safegc

import (
	"io"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"safegc/mem"
)

// DefaultGCThreshold is the cumulative allocation volume that triggers a
// collection cycle.
const DefaultGCThreshold = 32 << 20

// stackMagic is the sentinel word a cycle plants in its entry frame so the
// stack walk can tell where the collector's own frames end and the
// application's begin.
const stackMagic uint32 = 0x12abcdef

// Config carries the knobs for a Heap. The zero value is usable: a no-op
// logger, no metrics, the default trigger threshold.
type Config struct {
	// Logger receives per-cycle and per-segment diagnostics.
	Logger logrus.FieldLogger

	// Registerer, when set, gets the collector's counters registered on
	// it.
	Registerer prometheus.Registerer

	// GCThreshold overrides the allocation volume between cycles.
	GCThreshold uintptr
}

// Heap is the collector. All state (the segment list, the current bump
// segments, the mark worklist, the trigger counter) lives here; two
// Heaps in one process are independent.
//
// A Heap must only be used from a single goroutine. A collection cycle
// scans the mutator stack only between Run and the return of its
// function; outside that window cycles fall back to global roots alone.
type Heap struct {
	log     logrus.FieldLogger
	metrics *heapMetrics

	segments []*segment // every live segment, creation order
	smallSeg *segment   // current small-object bump segment
	largeSeg *segment   // current large-object segment

	unscanned unscannedList // marked objects awaiting interior scan

	threshold uintptr // trigger volume
	sinceGC   uintptr // bytes allocated since the last cycle

	dataRegions []rootRegion // cached global-data roots
	stackBottom uintptr      // nonzero while a sentinel frame is active
	cycleMarked uint64       // objects marked in the current cycle

	stats Stats
}

// New creates an empty Heap. Segments are reserved lazily on first
// allocation of each kind.
func New(cfg Config) (*Heap, error) {
	if err := mem.Check(); err != nil {
		return nil, err
	}
	h := &Heap{
		log:       cfg.Logger,
		threshold: cfg.GCThreshold,
	}
	if h.log == nil {
		nop := logrus.New()
		nop.SetOutput(io.Discard)
		h.log = nop
	}
	if h.threshold == 0 {
		h.threshold = DefaultGCThreshold
	}
	if cfg.Registerer != nil {
		h.metrics = newHeapMetrics(cfg.Registerer)
	}
	return h, nil
}

// Alloc returns a pointer to n writable bytes from the managed heap. It
// may run a full collection cycle first. Kernel failure is fatal; there
// is no out-of-memory return path.
func (h *Heap) Alloc(n uintptr) unsafe.Pointer {
	if n == 0 {
		panic("safegc: zero-size allocation")
	}
	aligned := alignUp(n, 8) + headerSize
	h.maybeCollect(aligned)
	if aligned > commitSize {
		return h.allocLarge(n)
	}
	return h.allocSmall(aligned)
}

// RunGC forces a full collection cycle immediately.
func (h *Heap) RunGC() {
	h.runCycle()
}

// Run executes fn with the calling frame registered as the bottom of the
// mutator stack. The stack grows down from here, so fn's frames and every
// frame it calls into sit below this one; a collection cycle scans the
// window between its own sentinel (planted at cycle entry, the low
// boundary) and this recorded bottom (the high boundary), which is how
// heap references held only in fn's locals keep their objects alive.
func (h *Heap) Run(fn func()) {
	var base uint32
	keepOnStack(&base)
	h.stackBottom = uintptr(unsafe.Pointer(&base)) + unsafe.Sizeof(base)
	defer func() { h.stackBottom = 0 }()
	fn()
	keepOnStack(&base)
}

// keepOnStack pins a word to a real stack slot. Taking its address
// through a call the compiler cannot inline keeps the word out of
// registers and live between pin points, so the conservative stack walk
// can rely on finding it in frame memory.
//
//go:noinline
func keepOnStack(p *uint32) {}

// maybeCollect implements the trigger policy: accumulate aligned
// allocation sizes and run a cycle once the threshold is crossed, before
// the allocation itself proceeds.
func (h *Heap) maybeCollect(n uintptr) {
	h.sinceGC += n
	if h.sinceGC < h.threshold {
		return
	}
	h.sinceGC = 0
	h.runCycle()
}

// fatal is the failure policy for kernel calls: log and terminate.
func (h *Heap) fatal(err error) {
	h.log.WithError(err).Fatal("heap kernel operation failed")
}
