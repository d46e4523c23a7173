package cpu

var (
	cpuidFn = ID

	// The privileged accessors below are routed through function variables
	// so that Emulate can swap them when the kernel packages run as a
	// regular process.
	enableInterruptsFn  = enableInterrupts
	disableInterruptsFn = disableInterrupts
	interruptsEnabledFn = interruptsEnabled
	flushTLBEntryFn     = flushTLBEntry
	switchPDTFn         = switchPDT
	activePDTFn         = activePDT
	readCR2Fn           = readCR2
	currentIDFn         = apicID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { enableInterruptsFn() }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { disableInterruptsFn() }

// InterruptsEnabled returns true if the interrupt flag is set for the
// current processor.
func InterruptsEnabled() bool { return interruptsEnabledFn() }

// FlushTLBEntry flushes a TLB entry for a particular virtual address on the
// current processor.
func FlushTLBEntry(virtAddr uintptr) { flushTLBEntryFn(virtAddr) }

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) { switchPDTFn(pdtPhysAddr) }

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr { return activePDTFn() }

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64 { return readCR2Fn() }

// CurrentID returns the logical ID of the processor executing the caller.
func CurrentID() uint32 { return currentIDFn() }

// Halt stops instruction execution.
func Halt()

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// apicID extracts the initial local APIC ID (CPUID.01H:EBX[31:24]).
func apicID() uint32 {
	_, ebx, _, _ := cpuidFn(1)
	return ebx >> 24
}

func enableInterrupts()
func disableInterrupts()
func interruptsEnabled() bool
func flushTLBEntry(virtAddr uintptr)
func switchPDT(pdtPhysAddr uintptr)
func activePDT() uintptr
func readCR2() uint64
