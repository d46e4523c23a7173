package kfmt

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt
	cpuIDFn   = cpu.CurrentID

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints the supplied error (if any) and halts the CPU; it never
// returns. The kernel build redirects runtime.gopanic here so that
// panic(*kernel.Error) raised by failed memory-manager assertions ends up
// in Panic.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic on cpu %d: system halted ***", cpuIDFn())
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString is the redirect target for runtime.throw.
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
