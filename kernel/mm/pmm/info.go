package pmm

// SystemMemoryInfo holds the system-wide physical page counters. Frames
// held by physical regions are either committed (reserved for a holder of a
// CommittedPhysicalPageSet) or uncommitted; frames handed out are used.
//
// PhysicalPages == PhysicalPagesUsed + PhysicalPagesCommitted +
// PhysicalPagesUncommitted holds whenever the global lock is not held.
type SystemMemoryInfo struct {
	PhysicalPages            uint64
	PhysicalPagesUsed        uint64
	PhysicalPagesCommitted   uint64
	PhysicalPagesUncommitted uint64
}

// Balanced reports whether the counters add up.
func (i *SystemMemoryInfo) Balanced() bool {
	return i.PhysicalPages == i.PhysicalPagesUsed+i.PhysicalPagesCommitted+i.PhysicalPagesUncommitted
}

// move transfers n pages from one counter to another. Taking more pages than
// a counter holds is a fatal accounting error.
func (i *SystemMemoryInfo) move(from, to *uint64, n uint64) {
	if *from < n {
		panic(errCounterUnderflow)
	}
	*from -= n
	*to += n

	if !i.Balanced() {
		panic(errCounterMismatch)
	}
}

// remove takes n uncommitted pages out of the system entirely.
func (i *SystemMemoryInfo) remove(n uint64) {
	if i.PhysicalPagesUncommitted < n || i.PhysicalPages < n {
		panic(errCounterUnderflow)
	}
	i.PhysicalPagesUncommitted -= n
	i.PhysicalPages -= n
}
