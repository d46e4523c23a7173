// Package vmm manages virtual memory: page directories and the per-CPU
// quickmap slots through which page tables are edited, the page frame
// database mapping, regions and the objects backing them, address spaces and
// page fault dispatch.
package vmm

import (
	"gophermm/boot"
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
)

var log = kfmt.Logger{Module: "vmm"}

// Init takes over the page directory set up by the boot code, maps the page
// frame database and installs the paging-related exception handlers. The
// physical memory manager must have been initialized.
func Init(info *boot.Info) *kernel.Error {
	if err := initQuickmap(carveEarlyTable); err != nil {
		return err
	}

	adoptKernelDirectory()
	pmm.SetZeroer(zeroFrames)

	if err := bootstrapPageDatabase(); err != nil {
		return err
	}

	if err := populateKernelSlots(kernelWindow); err != nil {
		return err
	}
	kernelSlotsSealed = true

	RegisterProtectedSections(info.ElfSections)
	installFaultHandlers()

	pmm.SetReclaimers(purgeVolatileObjects, releaseCleanPages)
	pmm.SetOOMReporter(reportUsage)

	log.Printf("kernel page directory at frame 0x%x, kernel regions at 0x%16x\n",
		uint64(kernelDir.root), uint64(kernelRegionsBase),
	)
	return nil
}

// populateKernelSlots creates the top-level entries covering window in the
// kernel directory. Page directories created afterwards copy them, so the
// kernel half has to be complete before the first one exists.
func populateKernelSlots(window mm.VirtualRange) *kernel.Error {
	span := uintptr(1) << pageLevelShifts[0]

	kernelDir.lock.Acquire()
	defer kernelDir.lock.Release()

	for addr := window.Base; addr < window.End() && addr >= window.Base; addr += span {
		if pte, _ := kernelDir.entryAt(addr, 0); pte.HasFlags(FlagPresent) {
			continue
		}
		if _, err := kernelDir.ensurePTE(addr); err != nil {
			return err
		}
	}
	return nil
}
