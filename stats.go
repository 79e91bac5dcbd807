package safegc

import "github.com/prometheus/client_golang/prometheus"

// Stats are the collector's lifetime counters. BytesAllocated and
// BytesFreed count object sizes header included; holes count as neither.
type Stats struct {
	BytesAllocated  uint64
	BytesFreed      uint64
	GCCycles        uint64
	SegmentsCreated uint64
	PagesReleased   uint64
	HolesCreated    uint64
}

// LiveBytes is the volume currently held by non-free objects.
func (s Stats) LiveBytes() uint64 {
	return s.BytesAllocated - s.BytesFreed
}

// Stats returns a snapshot of the counters.
func (h *Heap) Stats() Stats {
	return h.stats
}

// heapMetrics mirrors the Stats counters onto a Prometheus registry.
type heapMetrics struct {
	bytesAllocated  prometheus.Counter
	bytesFreed      prometheus.Counter
	gcCycles        prometheus.Counter
	segmentsCreated prometheus.Counter
	pagesReleased   prometheus.Counter
}

func newHeapMetrics(r prometheus.Registerer) *heapMetrics {
	m := &heapMetrics{
		bytesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safegc_bytes_allocated_total",
			Help: "Total bytes allocated from the managed heap, headers included.",
		}),
		bytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safegc_bytes_freed_total",
			Help: "Total bytes reclaimed by sweep.",
		}),
		gcCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safegc_gc_cycles_total",
			Help: "Total collection cycles run.",
		}),
		segmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safegc_segments_created_total",
			Help: "Total 4 GiB segments reserved.",
		}),
		pagesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safegc_pages_released_total",
			Help: "Total pages returned to the operating system.",
		}),
	}
	r.MustRegister(
		m.bytesAllocated,
		m.bytesFreed,
		m.gcCycles,
		m.segmentsCreated,
		m.pagesReleased,
	)
	return m
}
