package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"unsafe"
)

// The functions in this file reach the tables of the active page directory
// through its recursive top-level entry. They are only used to set up the
// quickmap slots; everything else edits page tables through quickmap.

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// nextAddrFn is used by tests to override the address of a freshly
	// installed table that earlyMapTables clears.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns an error then the walk is aborted and the
// error is returned to the caller.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	// tableAddr is initially set to the recursively mapped virtual address for the
	// last entry in the top-most page table. Dereferencing a pointer to this address
	// will allow us to access
	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = levelIndex(virtAddr, int(level))

		// By shifting the table virtual address left by pageLevelShifts[level] we add
		// a new level of indirection to our recursive mapping allowing us to access
		// the table pointed to by the page entry
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		// Shift left by the number of bits for this paging level to get
		// the virtual address of the table pointed to by entryAddr
		entryAddr <<= pageLevelBits[level]
	}
}

// earlyMapTables makes sure that every table above the leaf entry for
// virtAddr exists in the active directory and returns a pointer to the
// leaf entry. Missing tables are obtained from allocFn and cleared through
// the recursive mapping.
func earlyMapTables(virtAddr uintptr, allocFn func() (mm.Frame, *kernel.Error)) (*pageTableEntry, *kernel.Error) {
	var (
		err  *kernel.Error
		leaf *pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			leaf = pte
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = errNoHugePageSupport
				return false
			}
			return true
		}

		var tableFrame mm.Frame
		if tableFrame, err = allocFn(); err != nil {
			return false
		}

		*pte = makeEntry(tableFrame, FlagPresent|FlagRW)

		// The new table becomes reachable through the next level of
		// the recursive mapping; clear it before following it.
		kernel.Memset(nextAddrFn(recursiveTableAddr(virtAddr, pteLevel+1)), 0, mm.PageSize)
		return true
	})

	return leaf, err
}

// recursiveTableAddr returns the address at which the table of the given
// level that covers virtAddr is visible through the recursive mapping.
func recursiveTableAddr(virtAddr uintptr, level uint8) uintptr {
	tableAddr := pdtVirtualAddr
	for l := uint8(0); l < level; l++ {
		tableAddr = (tableAddr + levelIndex(virtAddr, int(l))<<mm.PointerShift) << pageLevelBits[l]
	}
	return tableAddr
}
