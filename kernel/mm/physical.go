package mm

// PhysicalRangeType classifies a PhysicalRange as reported by the firmware.
type PhysicalRangeType uint8

const (
	// PhysicalRangeUsable memory is free for the kernel to use.
	PhysicalRangeUsable PhysicalRangeType = iota

	// PhysicalRangeReserved memory must not be touched.
	PhysicalRangeReserved

	// PhysicalRangeACPIReclaimable memory holds ACPI tables and becomes
	// usable once they have been parsed.
	PhysicalRangeACPIReclaimable

	// PhysicalRangeACPINVS memory must be preserved across sleep states.
	PhysicalRangeACPINVS

	// PhysicalRangeBad memory is known to be defective.
	PhysicalRangeBad

	// PhysicalRangeUnknown is used for firmware types without a mapping.
	PhysicalRangeUnknown
)

// String implements fmt.Stringer for PhysicalRangeType.
func (t PhysicalRangeType) String() string {
	switch t {
	case PhysicalRangeUsable:
		return "usable"
	case PhysicalRangeReserved:
		return "reserved"
	case PhysicalRangeACPIReclaimable:
		return "ACPI (reclaimable)"
	case PhysicalRangeACPINVS:
		return "ACPI (NVS)"
	case PhysicalRangeBad:
		return "bad memory"
	default:
		return "unknown"
	}
}

// PhysicalRange is one entry of the normalized boot memory map.
type PhysicalRange struct {
	Start  uint64
	Length uint64
	Type   PhysicalRangeType
}

// End returns the first address past the range.
func (r PhysicalRange) End() uint64 {
	return r.Start + r.Length
}

// UsedRangeReason describes why a UsedRange is unavailable to the allocator.
type UsedRangeReason uint8

const (
	// UsedByKernelImage covers the loaded kernel image.
	UsedByKernelImage UsedRangeReason = iota

	// UsedByBootModule covers a module loaded by the boot loader.
	UsedByBootModule

	// UsedBySMBIOS covers the SMBIOS tables.
	UsedBySMBIOS

	// UsedByPhysicalPages covers the page frame database and the page tables
	// that map it.
	UsedByPhysicalPages
)

// String implements fmt.Stringer for UsedRangeReason.
func (r UsedRangeReason) String() string {
	switch r {
	case UsedByKernelImage:
		return "kernel image"
	case UsedByBootModule:
		return "boot module"
	case UsedBySMBIOS:
		return "SMBIOS"
	default:
		return "physical pages"
	}
}

// UsedRange is a half-open [Start, End) range of physical memory that lies
// inside usable memory but is already in use.
type UsedRange struct {
	Start  uint64
	End    uint64
	Reason UsedRangeReason
}

// Overlaps returns true if the range intersects [start, end).
func (r UsedRange) Overlaps(start, end uint64) bool {
	return r.Start < end && start < r.End
}

// MemoryType selects the caching behavior of a mapping.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is regular cacheable memory.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombining is used for framebuffers and similar
	// streaming targets.
	MemoryTypeWriteCombining

	// MemoryTypeUncached is used for device registers and DMA buffers of
	// devices that do not snoop the caches.
	MemoryTypeUncached
)
