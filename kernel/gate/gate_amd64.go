// Package gate routes CPU exceptions and hardware interrupts to their Go
// handlers and keeps track of whether a CPU is currently servicing an
// interrupt.
package gate

import (
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"io"
	"sync/atomic"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an exception is raised while the CPU is
	// trying to deliver another exception.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails. The faulting address is latched in CR2 and
	// Registers.Info holds the page fault error code.
	PageFaultException = InterruptNumber(14)

	// FirstIRQ is the first vector used by hardware interrupts. Vectors
	// below it are reserved for CPU exceptions.
	FirstIRQ = InterruptNumber(32)
)

// MaxCPUs bounds the number of CPUs whose interrupt state is tracked.
const MaxCPUs = 64

var (
	handlers [256]func(*Registers)

	// irqDepth counts, per CPU, how many hardware interrupt handlers are
	// currently executing.
	irqDepth [MaxCPUs]int32

	currentCPUFn = cpu.CurrentID
)

// HandleInterrupt registers handler as the target for interrupt number
// intNumber, replacing any previously registered handler.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlers[intNumber] = handler
}

// Dispatch is called by the low-level interrupt entry points with the
// register snapshot of the interrupted context. Hardware interrupts are
// accounted for in the interrupt depth of the current CPU for the duration of
// their handler. Vectors without a registered handler are ignored.
func Dispatch(intNumber InterruptNumber, regs *Registers) {
	handler := handlers[intNumber]
	if handler == nil {
		return
	}

	if intNumber < FirstIRQ {
		handler(regs)
		return
	}

	depth := &irqDepth[currentCPUFn()%MaxCPUs]
	atomic.AddInt32(depth, 1)
	handler(regs)
	atomic.AddInt32(depth, -1)
}

// InIRQ returns true if the current CPU is servicing a hardware interrupt.
func InIRQ() bool {
	return atomic.LoadInt32(&irqDepth[currentCPUFn()%MaxCPUs]) > 0
}
