package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"unsafe"
)

var (
	// pageDatabasePtrFn converts the virtual address of the page frame
	// database into a pointer. Tests replace it with a software MMU.
	pageDatabasePtrFn = func(virtAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(virtAddr)
	}

	// earlyTables records the frames carved for the quickmap tables
	// before the page frame database existed.
	earlyTables []mm.Frame
)

// carveEarlyTable supplies the tables built by initQuickmap. They are carved
// out of the physical regions so that a whole region stays untouched for the
// page frame database.
func carveEarlyTable() (mm.Frame, *kernel.Error) {
	frame, err := pmm.CarvePages(1)
	if err != nil {
		return mm.InvalidFrame, err
	}
	earlyTables = append(earlyTables, frame)
	return frame, nil
}

// bootstrapPageDatabase sizes, places, maps and installs the page frame
// database. No allocator is available yet: the frames for the array and for
// the page tables that map it are carved out of a single physical region and
// the tables are written by hand through quickmap. Only once the array is
// reachable are the entries of those very frames filled in.
func bootstrapPageDatabase() *kernel.Error {
	var (
		frameCount = (pmm.HighestPhysicalAddress() + uint64(mm.PageSize) - 1) >> mm.PageShift
		arrayPages = mm.Size(frameCount * uint64(unsafe.Sizeof(pmm.PageEntry{}))).Pages()
	)

	kernelDir.lock.Acquire()

	tablePages := kernelDir.missingTables(pageDatabaseAddr, arrayPages)
	base, err := pmm.CarvePages(tablePages + arrayPages)
	if err != nil {
		kernelDir.lock.Release()
		return err
	}

	var (
		nextTable  = base
		arrayFrame = base + mm.Frame(tablePages)
	)

	for page := uint64(0); page < arrayPages; page++ {
		virtAddr := pageDatabaseAddr + uintptr(page)<<mm.PageShift

		table := kernelDir.root
		for level := 0; level < pageLevels-1; level++ {
			index := levelIndex(virtAddr, level)
			pte := loadEntry(table, index)
			if !pte.HasFlags(FlagPresent) {
				zeroFrames(nextTable, 1, mm.MemoryTypeWriteBack)
				pte = makeEntry(nextTable, FlagPresent|FlagRW)
				storeEntry(table, index, pte)
				nextTable++
			}
			table = pte.Frame()
		}

		frame := arrayFrame + mm.Frame(page)
		zeroFrames(frame, 1, mm.MemoryTypeWriteBack)
		storeEntry(table, levelIndex(virtAddr, pageLevels-1), makeEntry(frame, FlagPresent|FlagRW|FlagNoExecute|FlagGlobal))
	}

	kernelDir.lock.Release()

	if nextTable != arrayFrame {
		panic(errPageDatabaseTables)
	}

	entries := unsafe.Slice((*pmm.PageEntry)(pageDatabasePtrFn(pageDatabaseAddr)), frameCount)
	pmm.InstallPageDatabase(entries)
	pmm.MarkFrames(base, tablePages, pmm.PageKindPageTable)
	pmm.MarkFrames(arrayFrame, arrayPages, pmm.PageKindPageDatabase)
	for _, frame := range earlyTables {
		pmm.MarkFrames(frame, 1, pmm.PageKindPageTable)
	}

	log.Printf("page frame database: %d entries in %d pages (+%d table pages) at frame 0x%x\n",
		frameCount, arrayPages, tablePages, uint64(base),
	)
	return nil
}

// missingTables returns the number of page tables that have to be created so
// that pages starting at baseAddr can be mapped.
func (pd *PageDirectory) missingTables(baseAddr uintptr, pages uint64) uint64 {
	var (
		missing uint64
		endAddr = baseAddr + uintptr(pages)<<mm.PageShift
	)

	// A table at level l is referenced by an entry at level l-1 which
	// covers 1<<pageLevelShifts[l-1] bytes.
	for level := 1; level < pageLevels; level++ {
		span := uintptr(1) << pageLevelShifts[level-1]
		for addr := baseAddr &^ (span - 1); addr < endAddr; addr += span {
			if pte, ok := pd.entryAt(addr, level-1); !ok || !pte.HasFlags(FlagPresent) {
				missing++
			}
		}
	}

	return missing
}
