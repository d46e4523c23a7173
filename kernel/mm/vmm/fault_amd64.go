package vmm

import (
	"gophermm/kernel/cpu"
	"gophermm/kernel/gate"
)

// Page fault error code bits.
const (
	pfErrPresent     = 1 << 0
	pfErrWrite       = 1 << 1
	pfErrUser        = 1 << 2
	pfErrReserved    = 1 << 3
	pfErrInstruction = 1 << 4
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	readCR2Fn = cpu.ReadCR2
)

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, pageFaultHandler)
	handleInterruptFn(gate.GPFException, generalProtectionFaultHandler)
}

// decodeFault turns the page fault error code latched in regs.Info into a
// Fault for faultAddr.
func decodeFault(faultAddr uintptr, errorCode uint64) Fault {
	f := Fault{
		Address: faultAddr,
		User:    errorCode&pfErrUser != 0,
		Present: errorCode&pfErrPresent != 0,
	}

	switch {
	case errorCode&pfErrInstruction != 0:
		f.Access = FaultExecute
	case errorCode&pfErrWrite != 0:
		f.Access = FaultWrite
	default:
		f.Access = FaultRead
	}
	return f
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func pageFaultHandler(regs *gate.Registers) {
	faultAddr := uintptr(readCR2Fn())

	// A set reserved bit means the page tables are corrupt.
	if regs.Info&pfErrReserved != 0 {
		nonRecoverablePageFault(faultAddr, regs, CrashPageFault)
		return
	}

	switch HandlePageFault(decodeFault(faultAddr, regs.Info)) {
	case FaultContinue:
	case FaultOutOfMemory:
		nonRecoverablePageFault(faultAddr, regs, CrashOutOfMemory)
	default:
		nonRecoverablePageFault(faultAddr, regs, CrashPageFault)
	}
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	crash(CrashGeneralProtection, uintptr(readCR2Fn()), regs)
}

func nonRecoverablePageFault(faultAddr uintptr, regs *gate.Registers, reason CrashReason) {
	log.Printf("page fault while accessing address: 0x%16x reason: %s\n", uint64(faultAddr), pageFaultReason(regs.Info))
	crash(reason, faultAddr, regs)
}

func pageFaultReason(errorCode uint64) string {
	switch {
	case errorCode&pfErrReserved != 0:
		return "page table has reserved bit set"
	case errorCode&pfErrInstruction != 0:
		return "instruction fetch"
	case errorCode&(pfErrPresent|pfErrWrite) == 0:
		return "read from non-present page"
	case errorCode&(pfErrPresent|pfErrWrite) == pfErrPresent:
		return "page protection violation (read)"
	case errorCode&(pfErrPresent|pfErrWrite) == pfErrWrite:
		return "write to non-present page"
	default:
		return "page protection violation (write)"
	}
}
