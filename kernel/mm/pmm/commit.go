package pmm

import (
	"gophermm/boot"
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// CommittedPhysicalPageSet is a reservation of physical pages obtained
// through CommitPhysicalPages. Redeeming a page from the set cannot fail.
//
// A set is owned by exactly one holder and is not safe for concurrent use.
// The holder must call Release once it no longer needs the set so that
// unredeemed pages flow back to the uncommitted pool.
type CommittedPhysicalPageSet struct {
	remaining uint64
}

// CommitPhysicalPages reserves n pages from the uncommitted pool. When fewer
// than n pages are uncommitted it returns ErrOutOfMemory and, unless the
// mm.oom_report boot option is off, prints a usage report.
func CommitPhysicalPages(n uint64) (*CommittedPhysicalPageSet, *kernel.Error) {
	var (
		ok          bool
		uncommitted uint64
	)

	WithGlobalData(func(g *GlobalData) {
		uncommitted = g.Memory.PhysicalPagesUncommitted
		if uncommitted < n {
			return
		}
		g.Memory.move(&g.Memory.PhysicalPagesUncommitted, &g.Memory.PhysicalPagesCommitted, n)
		ok = true
	})

	if !ok {
		reportOOM(n, uncommitted)
		return nil, ErrOutOfMemory
	}

	return &CommittedPhysicalPageSet{remaining: n}, nil
}

// UncommitPhysicalPages returns n committed pages to the uncommitted pool.
// It is the inverse of CommitPhysicalPages for callers that track
// commitments without a CommittedPhysicalPageSet.
func UncommitPhysicalPages(n uint64) {
	WithGlobalData(func(g *GlobalData) {
		g.Memory.move(&g.Memory.PhysicalPagesCommitted, &g.Memory.PhysicalPagesUncommitted, n)
	})
}

// Remaining returns the number of pages that can still be redeemed.
func (s *CommittedPhysicalPageSet) Remaining() uint64 {
	return s.remaining
}

// TakeOne redeems one page from the set and returns it zero-filled. Calling
// TakeOne on an exhausted set is a fatal error.
func (s *CommittedPhysicalPageSet) TakeOne() mm.Frame {
	if s.remaining == 0 {
		panic(errSetExhausted)
	}
	s.remaining--

	var frame mm.Frame
	WithGlobalData(func(g *GlobalData) {
		g.Memory.move(&g.Memory.PhysicalPagesCommitted, &g.Memory.PhysicalPagesUsed, 1)
		frame = g.takeFrame()
		setPageEntries(frame, 1, PageKindAllocated, 1)
	})

	zeroFrames(frame, 1, mm.MemoryTypeWriteBack)
	return frame
}

// Release returns the unredeemed pages of the set to the uncommitted pool.
// The set is empty afterwards.
func (s *CommittedPhysicalPageSet) Release() {
	if s.remaining == 0 {
		return
	}

	n := s.remaining
	s.remaining = 0
	UncommitPhysicalPages(n)
}

func reportOOM(requested, uncommitted uint64) {
	log.Printf("unable to commit %d pages: only %d pages uncommitted\n", requested, uncommitted)

	if oomReportFn == nil || !boot.OptionEnabled("mm.oom_report", true) {
		return
	}
	oomReportFn(log.Writer())
}
