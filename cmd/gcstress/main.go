// gcstress exercises the safegc heap: it churns through configurable
// allocation workloads, retains a slice of them through global roots, and
// reports the collector's counters.
package main

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"safegc"
)

var (
	objectCount int
	objectSize  int
	retainEvery int
	largeEvery  int
	threshold   uint64
	metricsAddr string
	verbose     bool
)

// retained pins a rotating window of allocations. A fixed-size global
// array lives in the program's data segment, which is exactly what the
// collector scans for roots; a growable slice would hide its backing
// array in the Go heap, out of the scanner's sight.
var retained [4096]uintptr

func main() {
	root := &cobra.Command{
		Use:          "gcstress",
		Short:        "stress the safegc conservative collector",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log collection cycles")

	churn := &cobra.Command{
		Use:   "churn",
		Short: "allocate a workload, retain a window of it, collect, report",
		RunE:  runChurn,
	}
	churn.Flags().IntVar(&objectCount, "objects", 1_000_000, "number of objects to allocate")
	churn.Flags().IntVar(&objectSize, "size", 64, "payload size of each small object in bytes")
	churn.Flags().IntVar(&retainEvery, "retain-every", 100, "retain every Nth object through a global root")
	churn.Flags().IntVar(&largeEvery, "large-every", 0, "make every Nth allocation a 16 KiB large object (0 disables)")
	churn.Flags().Uint64Var(&threshold, "threshold", 0, "GC trigger threshold in bytes (0 uses the default)")
	churn.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while churning")
	root.AddCommand(churn)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChurn(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var reg *prometheus.Registry
	if metricsAddr != "" {
		reg = prometheus.NewRegistry()
		go serveMetrics(log, reg)
	}

	cfg := safegc.Config{
		Logger:      log,
		GCThreshold: uintptr(threshold),
	}
	if reg != nil {
		cfg.Registerer = reg
	}
	heap, err := safegc.New(cfg)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"objects":      objectCount,
		"size":         objectSize,
		"retain_every": retainEvery,
		"large_every":  largeEvery,
	}).Info("churning")

	heap.Run(func() {
		slot := 0
		for i := 0; i < objectCount; i++ {
			n := uintptr(objectSize)
			if largeEvery > 0 && i%largeEvery == 0 {
				n = 16 << 10
			}
			p := heap.Alloc(n)
			if retainEvery > 0 && i%retainEvery == 0 {
				retained[slot%len(retained)] = uintptr(p)
				slot++
			}
		}
		heap.RunGC()
	})

	stats := heap.Stats()
	log.WithFields(logrus.Fields{
		"bytes_allocated": stats.BytesAllocated,
		"bytes_freed":     stats.BytesFreed,
		"live_bytes":      stats.LiveBytes(),
		"gc_cycles":       stats.GCCycles,
		"segments":        stats.SegmentsCreated,
		"pages_released":  stats.PagesReleased,
		"holes":           stats.HolesCreated,
	}).Info("memory stats")
	return nil
}

func serveMetrics(log *logrus.Logger, reg *prometheus.Registry) {
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	log.WithField("addr", metricsAddr).Info("serving metrics")
	if err := http.ListenAndServe(metricsAddr, handler); err != nil {
		log.WithError(err).Error("metrics server stopped")
	}
}
