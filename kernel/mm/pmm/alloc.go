package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// AllocatePhysicalPage hands out one page from the uncommitted pool,
// zero-filled if zero is set. When the pool is empty the reclamation sources
// are consulted in order (volatile purge, then clean page release) and the
// allocation is retried whenever one of them reports freed pages. If nothing
// can be reclaimed the call fails with ErrOutOfMemory and the counters are
// left unchanged.
//
// Reclamation may unmap pages and free page tables, so callers must not hold
// a page directory lock and must re-validate any page-table state they
// looked at before the call.
func AllocatePhysicalPage(zero bool) (mm.Frame, *kernel.Error) {
	for {
		frame, ok := tryAllocatePhysicalPage()
		if ok {
			if zero {
				zeroFrames(frame, 1, mm.MemoryTypeWriteBack)
			}
			return frame, nil
		}

		if reclaim(purgeVolatileFn) || reclaim(releaseCleanPagesFn) {
			continue
		}

		return mm.InvalidFrame, ErrOutOfMemory
	}
}

func tryAllocatePhysicalPage() (mm.Frame, bool) {
	var (
		frame = mm.InvalidFrame
		ok    bool
	)

	WithGlobalData(func(g *GlobalData) {
		if g.Memory.PhysicalPagesUncommitted == 0 {
			return
		}
		g.Memory.move(&g.Memory.PhysicalPagesUncommitted, &g.Memory.PhysicalPagesUsed, 1)
		frame, ok = g.takeFrame(), true
		setPageEntries(frame, 1, PageKindAllocated, 1)
	})

	return frame, ok
}

func reclaim(fn ReclaimFn) bool {
	if fn == nil {
		return false
	}

	freed := fn()
	if freed != 0 {
		log.Printf("reclaimed %d pages\n", freed)
	}
	return freed != 0
}

// AllocateContiguousPhysicalPages hands out n physically adjacent pages
// from a single region. The run is zero-filled through a temporary mapping
// of type memType so the memory is never accessed with a cache type that
// differs from the one its final mapping will use. On failure every free
// pool and counter is left untouched.
func AllocateContiguousPhysicalPages(n uint64, memType mm.MemoryType) (mm.Frame, *kernel.Error) {
	var (
		frame = mm.InvalidFrame
		err   *kernel.Error
	)

	WithGlobalData(func(g *GlobalData) {
		if g.Memory.PhysicalPagesUncommitted < n {
			err = ErrOutOfMemory
			return
		}

		for _, r := range g.Regions {
			if f, ok := r.takeContiguous(n); ok {
				frame = f
				g.Memory.move(&g.Memory.PhysicalPagesUncommitted, &g.Memory.PhysicalPagesUsed, n)
				setPageEntries(frame, n, PageKindContiguous, 1)
				return
			}
		}
		err = ErrNoContiguousRange
	})

	if err != nil {
		return mm.InvalidFrame, err
	}

	zeroFrames(frame, n, memType)
	return frame, nil
}

// FreePhysicalPage returns frame to the uncommitted pool. Freeing a frame
// that is already free or that no region owns is a fatal error.
func FreePhysicalPage(frame mm.Frame) {
	WithGlobalData(func(g *GlobalData) {
		r := g.regionFor(frame)
		if r == nil {
			panic(errUnknownFrame)
		}
		if !r.give(frame) {
			panic(errDoubleFree)
		}
		g.Memory.move(&g.Memory.PhysicalPagesUsed, &g.Memory.PhysicalPagesUncommitted, 1)
		setPageEntries(frame, 1, PageKindFree, 0)
	})
}

// FreeContiguousPhysicalPages returns n frames starting at frame to the
// uncommitted pool.
func FreeContiguousPhysicalPages(frame mm.Frame, n uint64) {
	for i := uint64(0); i < n; i++ {
		FreePhysicalPage(frame + mm.Frame(i))
	}
}
