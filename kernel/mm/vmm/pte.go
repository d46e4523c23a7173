package vmm

import "gophermm/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// pageTable is the in-memory layout of a page table at any level.
type pageTable [entriesPerTable]pageTableEntry

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// makeEntry builds a page table entry pointing to frame.
func makeEntry(frame mm.Frame, flags PageTableEntryFlag) pageTableEntry {
	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return pte
}

// protectionFlags are the bits whose change requires a TLB invalidation.
const protectionFlags = FlagPresent | FlagRW | FlagNoExecute | FlagUserAccessible

// levelIndex returns the index into the page table at level that virtAddr
// selects.
func levelIndex(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// memoryTypeFlags returns the caching flags that select memType.
func memoryTypeFlags(memType mm.MemoryType) PageTableEntryFlag {
	switch memType {
	case mm.MemoryTypeWriteCombining:
		return FlagWriteThroughCaching
	case mm.MemoryTypeUncached:
		return FlagWriteThroughCaching | FlagDoNotCache
	default:
		return 0
	}
}
