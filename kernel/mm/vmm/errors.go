package vmm

import "gophermm/kernel"

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrRangeOccupied is returned when a region is requested at an
	// exact address that overlaps an existing region.
	ErrRangeOccupied = &kernel.Error{Module: "vmm", Message: "requested virtual range is already occupied"}

	// ErrAddressSpaceExhausted is returned when no hole large enough for a
	// region exists.
	ErrAddressSpaceExhausted = &kernel.Error{Module: "vmm", Message: "no free virtual range large enough for the region"}

	// ErrInvalidRegion is returned for empty regions, unaligned placements
	// and placements outside the address space.
	ErrInvalidRegion = &kernel.Error{Module: "vmm", Message: "invalid region size or placement"}

	// ErrRegionNotFound is returned when deallocating a region that does
	// not belong to the address space.
	ErrRegionNotFound = &kernel.Error{Module: "vmm", Message: "region does not belong to this address space"}

	errNoHugePageSupport    = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errEntryAlreadyPresent  = &kernel.Error{Module: "vmm", Message: "page table entry is already present"}
	errDirectoryNotLocked   = &kernel.Error{Module: "vmm", Message: "page directory edited without holding its lock"}
	errQuickmapReentry      = &kernel.Error{Module: "vmm", Message: "quickmap slot acquired twice on the same CPU"}
	errQuickmapNotHeld      = &kernel.Error{Module: "vmm", Message: "quickmap slot released without being held"}
	errKernelSlotMissing    = &kernel.Error{Module: "vmm", Message: "kernel top-level slot missing after initialization"}
	errPageDatabaseTables   = &kernel.Error{Module: "vmm", Message: "page frame database table count mismatch"}
	errObjectRefUnderflow   = &kernel.Error{Module: "vmm", Message: "memory object reference count underflow"}
	errUnrecoverableFault   = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errDirectoryStillActive = &kernel.Error{Module: "vmm", Message: "page directory destroyed while active on a CPU"}
)
