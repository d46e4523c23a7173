package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/gate"
	"gophermm/kernel/mm"
	"unsafe"
)

// quickmapState tracks the quickmap slot of one CPU.
type quickmapState struct {
	held                  bool
	interruptsWereEnabled bool
}

var (
	// quickmapPTEs points to the leaf entry of each CPU's quickmap slot.
	// The entries are resolved once by initQuickmap through the
	// recursive mapping; the tables holding them are shared by every
	// page directory.
	quickmapPTEs [gate.MaxCPUs]*pageTableEntry

	quickmaps [gate.MaxCPUs]quickmapState

	// quickmapPtrFn converts the address of a quickmap slot into a
	// pointer. Tests replace it with a software MMU that resolves the slot
	// entry against emulated physical memory.
	quickmapPtrFn = func(slotAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(slotAddr)
	}

	currentCPUFn        = cpu.CurrentID
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	flushTLBEntryFn     = cpu.FlushTLBEntry
)

func currentCPU() uint32 {
	return currentCPUFn() % gate.MaxCPUs
}

func quickmapSlot(cpuID uint32) uintptr {
	return quickmapBase + uintptr(cpuID)<<mm.PageShift
}

// initQuickmap makes sure the page tables that hold the quickmap slot
// entries exist in the active page directory and caches a pointer to each
// slot entry.
func initQuickmap(allocFn func() (mm.Frame, *kernel.Error)) *kernel.Error {
	for cpuID := uint32(0); cpuID < gate.MaxCPUs; cpuID++ {
		pte, err := earlyMapTables(quickmapSlot(cpuID), allocFn)
		if err != nil {
			return err
		}

		*pte = 0
		quickmapPTEs[cpuID] = pte
	}

	return nil
}

// acquireQuickmap maps frame into the quickmap slot of the current CPU
// using memType and returns the slot address. Interrupts stay disabled until
// the slot is handed back with releaseQuickmap. A CPU can hold only one slot
// at a time; acquiring it twice is a fatal error.
func acquireQuickmap(frame mm.Frame, memType mm.MemoryType) uintptr {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()

	cpuID := currentCPU()
	state := &quickmaps[cpuID]
	if state.held {
		panic(errQuickmapReentry)
	}
	state.held = true
	state.interruptsWereEnabled = enabled

	slot := quickmapSlot(cpuID)
	*quickmapPTEs[cpuID] = makeEntry(frame, FlagPresent|FlagRW|FlagNoExecute|memoryTypeFlags(memType))
	flushTLBEntryFn(slot)
	return slot
}

// releaseQuickmap unmaps the slot returned by acquireQuickmap and restores
// the interrupt state that was active when it was acquired.
func releaseQuickmap(slot uintptr) {
	cpuID := currentCPU()
	state := &quickmaps[cpuID]
	if !state.held || slot != quickmapSlot(cpuID) {
		panic(errQuickmapNotHeld)
	}

	*quickmapPTEs[cpuID] = 0
	flushTLBEntryFn(slot)

	restore := state.interruptsWereEnabled
	state.held, state.interruptsWereEnabled = false, false
	if restore {
		enableInterruptsFn()
	}
}

// mapTable maps the page table stored in frame and returns it together with
// the slot that must be passed to releaseQuickmap.
func mapTable(frame mm.Frame) (*pageTable, uintptr) {
	slot := acquireQuickmap(frame, mm.MemoryTypeWriteBack)
	return (*pageTable)(quickmapPtrFn(slot)), slot
}

func loadEntry(table mm.Frame, index uintptr) pageTableEntry {
	t, slot := mapTable(table)
	pte := t[index]
	releaseQuickmap(slot)
	return pte
}

func storeEntry(table mm.Frame, index uintptr, pte pageTableEntry) {
	t, slot := mapTable(table)
	t[index] = pte
	releaseQuickmap(slot)
}

// tableIsEmpty returns true if no entry of the table stored in frame is set.
func tableIsEmpty(frame mm.Frame) bool {
	t, slot := mapTable(frame)
	empty := true
	for _, pte := range t {
		if pte != 0 {
			empty = false
			break
		}
	}
	releaseQuickmap(slot)
	return empty
}

// zeroFrames clears count frames starting at frame, accessing each one
// through a quickmap slot of type memType. It is registered as the page
// zeroer of the physical memory manager.
func zeroFrames(frame mm.Frame, count uint64, memType mm.MemoryType) {
	for i := uint64(0); i < count; i++ {
		slot := acquireQuickmap(frame+mm.Frame(i), memType)
		kernel.Memset(uintptr(quickmapPtrFn(slot)), 0, mm.PageSize)
		releaseQuickmap(slot)
	}
}

// entryRef identifies one page table entry by the frame of the table that
// holds it and its index.
type entryRef struct {
	table mm.Frame
	index uintptr
}

func (r entryRef) load() pageTableEntry     { return loadEntry(r.table, r.index) }
func (r entryRef) store(pte pageTableEntry) { storeEntry(r.table, r.index, pte) }
