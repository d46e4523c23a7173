// Package kmain brings up the memory manager from the information handed
// over by the boot loader.
package kmain

import (
	"gophermm/boot"
	"gophermm/boot/multiboot"
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
	"unsafe"
)

var (
	log = kfmt.Logger{Module: "kmain"}

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// infoBlockFn exposes the multiboot information block at addr. Its
	// first word holds the total size of the block.
	infoBlockFn = func(addr uintptr) []byte {
		size := *(*uint32)(unsafe.Pointer(addr))
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	}

	pmmInitFn = pmm.Init
	vmmInitFn = vmm.Init
	panicFn   = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	if err := initMemory(infoBlockFn(multibootInfoPtr), kernelStart, kernelEnd); err != nil {
		panicFn(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// initMemory decodes the boot information block, publishes it for the
// command line options and initializes the physical and then the virtual
// memory manager.
func initMemory(infoBlock []byte, kernelStart, kernelEnd uintptr) *kernel.Error {
	info, err := multiboot.Parse(infoBlock)
	if err != nil {
		return err
	}
	info.KernelStart, info.KernelEnd = uint64(kernelStart), uint64(kernelEnd)
	boot.SetInfo(info)

	log.Printf("kernel image at [0x%16x - 0x%16x], %d boot modules\n", info.KernelStart, info.KernelEnd, len(info.Modules))

	if err = pmmInitFn(info); err != nil {
		return err
	}
	return vmmInitFn(info)
}
