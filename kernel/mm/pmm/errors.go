package pmm

import "gophermm/kernel"

var (
	// ErrOutOfMemory is returned when a request cannot be satisfied from
	// the uncommitted page pool, even after reclamation.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrNoContiguousRange is returned when no physical region holds a free
	// run of the requested length.
	ErrNoContiguousRange = &kernel.Error{Module: "pmm", Message: "no contiguous physical range of the requested size"}

	// ErrNoRegionForCarve is returned by CarvePages when no untouched
	// physical region is large enough.
	ErrNoRegionForCarve = &kernel.Error{Module: "pmm", Message: "no physical region large enough for the page frame database"}

	errCounterUnderflow  = &kernel.Error{Module: "pmm", Message: "system memory counter underflow"}
	errCounterMismatch   = &kernel.Error{Module: "pmm", Message: "system memory counters out of balance"}
	errDoubleFree        = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errUnknownFrame      = &kernel.Error{Module: "pmm", Message: "frame does not belong to any physical region"}
	errRegionsExhausted  = &kernel.Error{Module: "pmm", Message: "physical regions exhausted while pages are still uncommitted"}
	errSetExhausted      = &kernel.Error{Module: "pmm", Message: "committed physical page set is exhausted"}
	errRefCountUnderflow = &kernel.Error{Module: "pmm", Message: "page reference count underflow"}
	errNoZeroer          = &kernel.Error{Module: "pmm", Message: "no page zeroer registered"}
)
