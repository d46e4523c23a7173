package cpu

import "sync/atomic"

// emulatedState backs the privileged accessors while Emulate is active.
var emulatedState struct {
	interruptsEnabled uint32
	activePDT         uintptr
	lastFaultAddr     uint64
}

// Emulate replaces the privileged processor accessors with software
// equivalents so that the kernel packages can be exercised from a regular
// (ring 3) process such as a unit test binary or a host-side tool. While
// emulated, the machine looks like a single processor with ID 0, TLB
// flushes are no-ops and the interrupt flag is a plain variable that starts
// out enabled.
func Emulate() {
	atomic.StoreUint32(&emulatedState.interruptsEnabled, 1)

	enableInterruptsFn = func() { atomic.StoreUint32(&emulatedState.interruptsEnabled, 1) }
	disableInterruptsFn = func() { atomic.StoreUint32(&emulatedState.interruptsEnabled, 0) }
	interruptsEnabledFn = func() bool { return atomic.LoadUint32(&emulatedState.interruptsEnabled) == 1 }
	flushTLBEntryFn = func(_ uintptr) {}
	switchPDTFn = func(addr uintptr) { emulatedState.activePDT = addr }
	activePDTFn = func() uintptr { return emulatedState.activePDT }
	readCR2Fn = func() uint64 { return emulatedState.lastFaultAddr }
	currentIDFn = func() uint32 { return 0 }
}

// SetEmulatedFaultAddress sets the value returned by ReadCR2 while Emulate
// is active.
func SetEmulatedFaultAddress(addr uint64) {
	emulatedState.lastFaultAddr = addr
}
