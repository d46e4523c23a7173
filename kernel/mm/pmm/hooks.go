package pmm

import (
	"gophermm/kernel/mm"
	"io"
)

// ZeroFn fills count frames starting at frame with zeroes, accessing them
// through a temporary mapping of type memType.
type ZeroFn func(frame mm.Frame, count uint64, memType mm.MemoryType)

// ReclaimFn releases physical pages held by caches or discardable objects
// and returns the number of pages it gave back.
type ReclaimFn func() uint64

// OOMReportFn writes a per-address-space usage report to w.
type OOMReportFn func(w io.Writer)

var (
	zeroFn              ZeroFn
	purgeVolatileFn     ReclaimFn
	releaseCleanPagesFn ReclaimFn
	oomReportFn         OOMReportFn
)

// SetZeroer registers the function used to zero-fill frames before they are
// handed out. The virtual memory manager provides it once quickmap slots are
// available.
func SetZeroer(fn ZeroFn) { zeroFn = fn }

// SetReclaimers registers the emergency reclamation sources consulted, in
// order, when the uncommitted pool is empty: purging volatile anonymous
// memory and releasing clean file-backed pages. Either may be nil.
func SetReclaimers(purgeVolatile, releaseCleanPages ReclaimFn) {
	purgeVolatileFn = purgeVolatile
	releaseCleanPagesFn = releaseCleanPages
}

// SetOOMReporter registers the function that reports memory usage when a
// commitment fails.
func SetOOMReporter(fn OOMReportFn) { oomReportFn = fn }

func zeroFrames(frame mm.Frame, count uint64, memType mm.MemoryType) {
	if zeroFn == nil {
		panic(errNoZeroer)
	}
	zeroFn(frame, count, memType)
}
