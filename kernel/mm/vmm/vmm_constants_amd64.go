package vmm

import (
	"gophermm/kernel/gate"
	"gophermm/kernel/mm"
	"math"
)

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in a page table at any level.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// recursiveSlot is the top-level entry that every page directory maps
	// onto itself. It lets the active directory's tables be reached through
	// the MMU before any quickmap slot exists.
	recursiveSlot = entriesPerTable - 1

	// firstKernelSlot is the first top-level entry of the kernel half.
	// Entries [firstKernelSlot, recursiveSlot) are shared by every
	// directory.
	firstKernelSlot = entriesPerTable / 2

	// quickmapBase is the virtual address of the first per-CPU quickmap
	// slot. CPU n uses the page at quickmapBase + n*PageSize. The slots
	// occupy the last gate.MaxCPUs entries of the page table indexed by
	// 510, 511, 511.
	quickmapBase = uintptr(0xffffff8000000000) - gate.MaxCPUs*mm.PageSize

	// pageDatabaseAddr is the virtual address where the page frame database
	// is mapped. It uses top-level slot 320.
	pageDatabaseAddr = uintptr(0xffffa00000000000)

	// kernelRegionsBase and kernelRegionsSize describe the window used by
	// dynamically allocated kernel regions (top-level slot 384).
	kernelRegionsBase = uintptr(0xffffc00000000000)
	kernelRegionsSize = uintptr(1 << 39)

	// userSpaceBase and userSpaceEnd bound the addresses handed out to
	// user regions. The first 2Mb are never mapped.
	userSpaceBase = uintptr(0x200000)
	userSpaceEnd  = uintptr(0x00007ffffffff000)
)

var (
	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last PDT entry for each page directory
	// to allow accessing the PDT (P4) table using the system's MMU address
	// translation mechanism.  By setting all page level bits to 1 the MMU
	// keeps following the last P4 entry for all page levels landing on the
	// P4.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared. Together with FlagDoNotCache it selects the PAT
	// entry used for the page.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)
