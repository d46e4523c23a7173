package vmm

import (
	"gophermm/boot"
	"gophermm/kernel/gate"
	"gophermm/kernel/mm"
)

// FaultAccess is the kind of access that caused a page fault.
type FaultAccess uint8

const (
	// FaultRead is a data read.
	FaultRead FaultAccess = iota

	// FaultWrite is a data write.
	FaultWrite

	// FaultExecute is an instruction fetch.
	FaultExecute
)

// Fault describes a page fault in an architecture independent way.
type Fault struct {
	Address uintptr
	Access  FaultAccess

	// User is set if the fault was raised while running in user mode.
	User bool

	// Present is set if the faulting page was mapped but the access
	// violated its protection.
	Present bool
}

// FaultResponse tells the architecture fault handler how to proceed.
type FaultResponse uint8

const (
	// FaultContinue resumes the faulting instruction.
	FaultContinue FaultResponse = iota

	// FaultShouldCrash means the access was illegal.
	FaultShouldCrash

	// FaultOutOfMemory means the fault was legal but no memory was
	// available to resolve it.
	FaultOutOfMemory
)

// CrashReason is passed to the crash handler.
type CrashReason uint8

const (
	// CrashPageFault is an unresolvable page fault.
	CrashPageFault CrashReason = iota

	// CrashOutOfMemory is a legal page fault that could not be resolved
	// for lack of memory.
	CrashOutOfMemory

	// CrashSecurityViolation is a system call issued from an illegal stack
	// or code location.
	CrashSecurityViolation

	// CrashGeneralProtection is a general protection fault.
	CrashGeneralProtection
)

func (r CrashReason) String() string {
	switch r {
	case CrashPageFault:
		return "page fault"
	case CrashOutOfMemory:
		return "out of memory"
	case CrashSecurityViolation:
		return "security violation"
	default:
		return "general protection fault"
	}
}

// CrashHandlerFn terminates the context that caused a fault. It is supplied
// by the process layer.
type CrashHandlerFn func(reason CrashReason, faultAddr uintptr, regs *gate.Registers)

var (
	// inIRQFn is used by tests to simulate faults raised by interrupt
	// handlers.
	inIRQFn = gate.InIRQ

	// currentAddressSpaceFn returns the address space of the running
	// thread. It is installed by the process layer.
	currentAddressSpaceFn func() *AddressSpace

	crashHandlerFn CrashHandlerFn

	// protectedSections lists kernel image ranges that may never be
	// faulted on once the kernel is up.
	protectedSections []mm.VirtualRange

	protectedSectionNames = []string{".ro_after_init", ".unmap_after_init", ".ksyms"}
)

// SetCurrentAddressSpaceFn registers the function used to find the address
// space of the thread that raised a user-half fault.
func SetCurrentAddressSpaceFn(fn func() *AddressSpace) {
	currentAddressSpaceFn = fn
}

// SetCrashHandler registers the function that terminates faulting contexts.
func SetCrashHandler(fn CrashHandlerFn) {
	crashHandlerFn = fn
}

// RegisterProtectedSections records the kernel image sections that are
// sealed after initialization. Any later fault inside them is a crash.
func RegisterProtectedSections(sections []boot.ElfSection) {
	protectedSections = protectedSections[:0]
	for _, section := range sections {
		if section.Size == 0 {
			continue
		}
		for _, name := range protectedSectionNames {
			if section.Name == name {
				protectedSections = append(protectedSections, mm.VirtualRange{
					Base: section.Address,
					Size: uintptr(section.Size),
				})
			}
		}
	}
}

func inProtectedSection(addr uintptr) bool {
	for _, rng := range protectedSections {
		if rng.Contains(addr) {
			return true
		}
	}
	return false
}

// HandlePageFault resolves a page fault. The region containing the faulting
// address is looked up in the current address space or, for kernel
// addresses, in the kernel region tree. The backing object then resolves the
// fault while the region is marked as having a fault in flight, which keeps
// a concurrent teardown from releasing the object under it.
func HandlePageFault(f Fault) FaultResponse {
	if inIRQFn() || inProtectedSection(f.Address) {
		return FaultShouldCrash
	}

	var r *Region
	if f.Address < mm.KernelBase {
		if currentAddressSpaceFn == nil {
			return FaultShouldCrash
		}
		as := currentAddressSpaceFn()
		if as == nil {
			return FaultShouldCrash
		}
		r = as.enterFault(f.Address)
	} else if !f.User {
		r = enterKernelFault(f.Address)
	}

	if r == nil {
		return FaultShouldCrash
	}
	defer r.exitFault()

	if !r.permits(f.Access) {
		return FaultShouldCrash
	}

	index := (f.Address - r.rng.Base) >> mm.PageShift
	return r.object.HandleFault(r, index, f.Access)
}

// crash hands the faulting context to the crash handler. Without one the
// fault is fatal.
func crash(reason CrashReason, faultAddr uintptr, regs *gate.Registers) {
	if crashHandlerFn != nil {
		crashHandlerFn(reason, faultAddr, regs)
		return
	}

	log.Printf("unhandled %s at address 0x%16x\n", reason.String(), uint64(faultAddr))
	if regs != nil {
		log.Printf("registers:\n")
		regs.DumpTo(log.Writer())
	}
	panic(errUnrecoverableFault)
}
