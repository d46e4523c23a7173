package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/gate"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/sync"
	"sync/atomic"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// allocTableFn returns a zeroed frame for a new page table. It may
	// trigger reclamation.
	allocTableFn = mm.AllocFrame

	// releaseTableFn returns the frame of a page table that became empty.
	releaseTableFn = mm.ReleaseFrame

	// shootdownFn asks the CPUs in cpuMask to invalidate their TLB entry
	// for virtAddr. It is supplied by the SMP layer; while it is nil the
	// system is treated as having a single CPU.
	shootdownFn func(cpuMask uint64, virtAddr uintptr)

	kernelDir PageDirectory

	// kernelSlotsSealed is set once the kernel half of the top-level
	// table is complete. From then on the kernel directory may not gain
	// new top-level entries as they would not be visible to the page
	// directories that copied the kernel half.
	kernelSlotsSealed bool

	// activeDirs holds the directory loaded on each CPU.
	activeDirs [gate.MaxCPUs]*PageDirectory
)

// PageDirectory is the root of one address space's page table hierarchy.
// Every edit requires holding its lock. The kernel directory's lock also
// guards the kernel half that is shared by all directories.
type PageDirectory struct {
	lock sync.IRQSpinlock
	root mm.Frame

	kernel bool

	// activeCPUs has bit n set while CPU n has this directory loaded.
	activeCPUs uint64
}

// KernelPageDirectory returns the page directory of the kernel.
func KernelPageDirectory() *PageDirectory {
	return &kernelDir
}

// SetTLBShootdownHandler registers the function used to invalidate TLB
// entries on other CPUs.
func SetTLBShootdownHandler(fn func(cpuMask uint64, virtAddr uintptr)) {
	shootdownFn = fn
}

// HandleTLBShootdown is invoked on a CPU that received a shootdown request
// for virtAddr.
func HandleTLBShootdown(virtAddr uintptr) {
	flushTLBEntryFn(virtAddr)
}

// adoptKernelDirectory turns the directory that the boot code activated into
// the kernel page directory.
func adoptKernelDirectory() {
	cpuID := currentCPU()
	kernelDir = PageDirectory{
		root:       mm.FrameFromAddress(activePDTFn()),
		kernel:     true,
		activeCPUs: 1 << cpuID,
	}
	activeDirs[cpuID] = &kernelDir
}

// NewPageDirectory creates a page directory for a user address space. The
// kernel half is shared with the kernel directory and the last top-level
// entry maps the directory onto itself.
func NewPageDirectory() (*PageDirectory, *kernel.Error) {
	root, err := allocTable()
	if err != nil {
		return nil, err
	}

	var shared [entriesPerTable - firstKernelSlot]pageTableEntry

	kernelDir.lock.Acquire()
	table, slot := mapTable(kernelDir.root)
	copy(shared[:], table[firstKernelSlot:])
	releaseQuickmap(slot)
	kernelDir.lock.Release()

	shared[recursiveSlot-firstKernelSlot] = makeEntry(root, FlagPresent|FlagRW|FlagNoExecute)

	table, slot = mapTable(root)
	copy(table[firstKernelSlot:], shared[:])
	releaseQuickmap(slot)

	return &PageDirectory{root: root}, nil
}

// Root returns the frame holding the top-level table.
func (pd *PageDirectory) Root() mm.Frame {
	return pd.root
}

// Activate loads the directory on the current CPU.
func (pd *PageDirectory) Activate() {
	cpuID := currentCPU()
	bit := uint64(1) << cpuID

	if prev := activeDirs[cpuID]; prev != nil && prev != pd {
		atomic.AndUint64(&prev.activeCPUs, ^bit)
	}
	atomic.OrUint64(&pd.activeCPUs, bit)
	activeDirs[cpuID] = pd

	switchPDTFn(pd.root.Address())
}

// ActiveCPUs returns the mask of CPUs that have the directory loaded.
func (pd *PageDirectory) ActiveCPUs() uint64 {
	return atomic.LoadUint64(&pd.activeCPUs)
}

// Translate returns the physical address that virtAddr maps to or
// ErrInvalidMapping.
func (pd *PageDirectory) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pd.lock.Acquire()
	_, pte, ok := pd.lookupPTE(virtAddr)
	pd.lock.Release()

	if !ok || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// FlushTLB invalidates the TLB entries for every page of rng on each CPU that
// may cache them.
func (pd *PageDirectory) FlushTLB(rng mm.VirtualRange) {
	for page := uintptr(0); page < rng.PageCount(); page++ {
		pd.invalidate(rng.Base + page<<mm.PageShift)
	}
}

func (pd *PageDirectory) assertLocked() {
	if !pd.lock.Held() {
		panic(errDirectoryNotLocked)
	}
}

// invalidate flushes virtAddr from the TLBs. Kernel mappings may be cached by
// every CPU; other directories only by the CPUs that have them loaded.
func (pd *PageDirectory) invalidate(virtAddr uintptr) {
	self := uint64(1) << currentCPU()
	mask := ^uint64(0)
	if !pd.kernel {
		mask = atomic.LoadUint64(&pd.activeCPUs)
	}

	if mask&self != 0 {
		flushTLBEntryFn(virtAddr)
	}
	if others := mask &^ self; others != 0 && shootdownFn != nil {
		shootdownFn(others, virtAddr)
	}
}

// entryAt returns the entry at level for virtAddr. It reports false if a
// table above level is missing.
func (pd *PageDirectory) entryAt(virtAddr uintptr, level int) (pageTableEntry, bool) {
	table := pd.root
	for l := 0; l < level; l++ {
		pte := loadEntry(table, levelIndex(virtAddr, l))
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return 0, false
		}
		table = pte.Frame()
	}
	return loadEntry(table, levelIndex(virtAddr, level)), true
}

// lookupPTE returns the leaf entry for virtAddr without creating missing
// tables. It reports false if any table above the leaf is absent. The caller
// must hold the directory lock.
func (pd *PageDirectory) lookupPTE(virtAddr uintptr) (entryRef, pageTableEntry, bool) {
	pd.assertLocked()

	table := pd.root
	for level := 0; level < pageLevels-1; level++ {
		pte := loadEntry(table, levelIndex(virtAddr, level))
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return entryRef{}, 0, false
		}
		table = pte.Frame()
	}

	ref := entryRef{table: table, index: levelIndex(virtAddr, pageLevels-1)}
	return ref, ref.load(), true
}

// ensurePTE returns the leaf entry for virtAddr, allocating missing tables.
//
// Allocating a table may run reclamation which unmaps pages and frees page
// tables of this very directory, so the directory lock is dropped around the
// allocation and the walk restarts from the top afterwards. The caller must
// hold the directory lock and must re-validate anything it read before the
// call.
func (pd *PageDirectory) ensurePTE(virtAddr uintptr) (entryRef, *kernel.Error) {
	pd.assertLocked()

	var (
		spare      = mm.InvalidFrame
		tableFlags = FlagPresent | FlagRW
	)
	if virtAddr < mm.KernelBase {
		tableFlags |= FlagUserAccessible
	}

restart:
	table := pd.root
	for level := 0; level < pageLevels-1; level++ {
		index := levelIndex(virtAddr, level)
		pte := loadEntry(table, index)

		if pte.HasFlags(FlagHugePage) {
			pd.releaseSpare(spare)
			return entryRef{}, errNoHugePageSupport
		}

		if !pte.HasFlags(FlagPresent) {
			if level == 0 && pd.kernel && kernelSlotsSealed {
				panic(errKernelSlotMissing)
			}

			if !spare.Valid() {
				pd.lock.Release()
				frame, err := allocTable()
				pd.lock.Acquire()
				if err != nil {
					return entryRef{}, err
				}
				spare = frame
				goto restart
			}

			pte = makeEntry(spare, tableFlags)
			storeEntry(table, index, pte)
			spare = mm.InvalidFrame
		}

		table = pte.Frame()
	}

	pd.releaseSpare(spare)
	return entryRef{table: table, index: levelIndex(virtAddr, pageLevels-1)}, nil
}

// releaseSpare frees a table frame that ensurePTE allocated but did not need
// because the slot was populated while the lock was dropped.
func (pd *PageDirectory) releaseSpare(frame mm.Frame) {
	if frame.Valid() {
		releaseTableFn(frame)
	}
}

// releasePTE clears the leaf entry for virtAddr and returns its previous
// value. Page tables that become empty are unlinked and freed, except for the
// kernel's shared third-level tables. Releasing an entry that is not set is
// a no-op. The caller must hold the directory lock.
func (pd *PageDirectory) releasePTE(virtAddr uintptr) pageTableEntry {
	pd.assertLocked()

	var path [pageLevels]mm.Frame

	table := pd.root
	for level := 0; level < pageLevels-1; level++ {
		path[level] = table
		pte := loadEntry(table, levelIndex(virtAddr, level))
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return 0
		}
		table = pte.Frame()
	}
	path[pageLevels-1] = table

	leaf := entryRef{table: table, index: levelIndex(virtAddr, pageLevels-1)}
	old := leaf.load()
	if old == 0 {
		return 0
	}

	leaf.store(0)
	if old.HasFlags(FlagPresent) {
		pd.invalidate(virtAddr)
	}

	minLevel := 1
	if pd.kernel {
		minLevel = 2
	}
	for level := pageLevels - 1; level >= minLevel; level-- {
		if !tableIsEmpty(path[level]) {
			break
		}

		storeEntry(path[level-1], levelIndex(virtAddr, level-1), 0)
		pd.invalidate(virtAddr)
		releaseTableFn(path[level])
	}

	return old
}

// setLeaf stores a mapping of frame into the leaf entry ref obtained from
// ensurePTE and invalidates the previous translation if there was one.
// Unless replace is set the entry must not be present yet. The caller must
// hold the directory lock.
func (pd *PageDirectory) setLeaf(ref entryRef, virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag, replace bool) {
	pd.assertLocked()

	old := ref.load()
	if old.HasFlags(FlagPresent) && !replace {
		panic(errEntryAlreadyPresent)
	}

	pte := makeEntry(frame, flags|FlagPresent)
	if pte == old {
		return
	}

	ref.store(pte)
	if old.HasFlags(FlagPresent) {
		pd.invalidate(virtAddr)
	}
}

// destroy frees every table of the user half and the top-level table. The
// directory must not be active on any CPU.
func (pd *PageDirectory) destroy() {
	if pd.kernel {
		return
	}
	if atomic.LoadUint64(&pd.activeCPUs) != 0 {
		panic(errDirectoryStillActive)
	}

	pd.lock.Acquire()
	for index := uintptr(0); index < firstKernelSlot; index++ {
		if pte := loadEntry(pd.root, index); pte.HasFlags(FlagPresent) {
			freeTables(pte.Frame(), 1)
			storeEntry(pd.root, index, 0)
		}
	}
	pd.lock.Release()

	releaseTableFn(pd.root)
	pd.root = mm.InvalidFrame
}

// freeTables releases the table in frame at level together with every table
// below it. Leaf entries are dropped without touching the frames they point
// to; those belong to the region objects.
func freeTables(frame mm.Frame, level int) {
	if level < pageLevels-1 {
		for index := uintptr(0); index < entriesPerTable; index++ {
			if pte := loadEntry(frame, index); pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage) {
				freeTables(pte.Frame(), level+1)
			}
		}
	}
	releaseTableFn(frame)
}

// allocTable obtains a zeroed frame for a page table and tags it in the page
// frame database.
func allocTable() (mm.Frame, *kernel.Error) {
	frame, err := allocTableFn()
	if err != nil {
		return mm.InvalidFrame, err
	}
	pmm.MarkFrames(frame, 1, pmm.PageKindPageTable)
	return frame, nil
}
