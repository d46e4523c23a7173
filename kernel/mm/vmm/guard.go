package vmm

import "gophermm/kernel/gate"

// ValidateSyscallEntry checks the register state of a thread of as that
// entered the kernel through a system call. The stack pointer must lie in a
// stack region and the instruction pointer in a region that is not writable
// and, if as enforces it, flagged RegionSyscall. Violations are handed to
// the crash handler and reported as false.
func ValidateSyscallEntry(as *AddressSpace, regs *gate.Registers) bool {
	sp, ip := uintptr(regs.RSP), uintptr(regs.RIP)

	as.lock.Acquire()
	var (
		stack   = as.findLocked(sp)
		code    = as.findLocked(ip)
		enforce = as.EnforcesSyscallRegions()
	)
	as.lock.Release()

	switch {
	case stack == nil || stack.Flags()&RegionStack == 0:
		log.Printf("syscall from address space %d with stack pointer 0x%16x outside a stack region\n", as.id, uint64(sp))
		crash(CrashSecurityViolation, sp, regs)
		return false
	case code == nil || code.IsWritable():
		log.Printf("syscall from address space %d at 0x%16x outside read-only code\n", as.id, uint64(ip))
		crash(CrashSecurityViolation, ip, regs)
		return false
	case enforce && code.Flags()&RegionSyscall == 0:
		log.Printf("syscall from address space %d at 0x%16x outside a syscall region\n", as.id, uint64(ip))
		crash(CrashSecurityViolation, ip, regs)
		return false
	}

	return true
}

// findLocked returns the region containing virtAddr or nil. The caller must
// hold the address space lock.
func (as *AddressSpace) findLocked(virtAddr uintptr) *Region {
	if _, value, ok := as.regions.Find(virtAddr); ok {
		return value.(*Region)
	}
	return nil
}
