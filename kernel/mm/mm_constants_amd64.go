package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize).
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelBase is the lowest virtual address of the kernel half of every
	// address space. Addresses below it belong to user address spaces.
	KernelBase = uintptr(0xffff800000000000)
)
