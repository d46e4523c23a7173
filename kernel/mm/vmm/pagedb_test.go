package vmm

import (
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"testing"
)

func TestMissingTables(t *testing.T) {
	setupVMM(t, 64)

	specs := []struct {
		baseAddr uintptr
		pages    uint64
		exp      uint64
	}{
		// Nothing mapped below the top-level entry.
		{pageDatabaseAddr, 1, 3},
		// Two page tables below a single page directory.
		{pageDatabaseAddr, 513, 4},
		// The quickmap tables already exist.
		{quickmapBase, 1, 0},
		// Straddling a 1Gb boundary needs a second page directory.
		{pageDatabaseAddr + 1<<30 - mm.PageSize, 2, 5},
	}

	kernelDir.lock.Acquire()
	defer kernelDir.lock.Release()

	for specIndex, spec := range specs {
		if got := kernelDir.missingTables(spec.baseAddr, spec.pages); got != spec.exp {
			t.Errorf("[spec %d] expected %d missing tables; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestBootstrapPageDatabase(t *testing.T) {
	phys := setupVMM(t, 512)

	if err := bootstrapPageDatabase(); err != nil {
		t.Fatal(err)
	}

	// 0x300 frames need two pages of entries and three tables to map them.
	kernelDir.lock.Acquire()
	_, pte, ok := kernelDir.lookupPTE(pageDatabaseAddr)
	kernelDir.lock.Release()
	if !ok || !pte.HasFlags(FlagPresent|FlagRW|FlagNoExecute|FlagGlobal) {
		t.Fatalf("expected the page frame database to be mapped; got 0x%x", uintptr(pte))
	}

	arrayFrame := pte.Frame()
	specs := []struct {
		frame   mm.Frame
		expKind pmm.PageKind
	}{
		{fakeRootFrame, pmm.PageKindReserved},
		{arrayFrame - 3, pmm.PageKindPageTable},
		{arrayFrame - 1, pmm.PageKindPageTable},
		{arrayFrame, pmm.PageKindPageDatabase},
		{arrayFrame + 1, pmm.PageKindPageDatabase},
		{arrayFrame + 2, pmm.PageKindFree},
		{0x2ff, pmm.PageKindFree},
	}
	for _, frame := range earlyTables {
		specs = append(specs, struct {
			frame   mm.Frame
			expKind pmm.PageKind
		}{frame, pmm.PageKindPageTable})
	}

	for specIndex, spec := range specs {
		entry := pmm.PageEntryFor(spec.frame)
		if entry == nil || entry.Kind() != spec.expKind {
			t.Errorf("[spec %d] expected frame 0x%x to be of kind %d", specIndex, spec.frame, spec.expKind)
		}
	}

	if pmm.PageEntryFor(0x300) != nil {
		t.Fatal("expected the database to end at the highest physical address")
	}

	// The entries live in the carved frames.
	frame, err := pmm.AllocatePhysicalPage(false)
	if err != nil {
		t.Fatal(err)
	}
	raw := phys.pages[arrayFrame-phys.base][uintptr(frame)*8:]
	if raw[0] != 1 || raw[4] != byte(pmm.PageKindAllocated) {
		t.Fatalf("expected the entry of frame 0x%x to be stored in the array; got %v", frame, raw[:8])
	}

	mustBalance(t)
}

func TestBootstrapPageDatabaseWithoutUntouchedRegion(t *testing.T) {
	setupVMM(t, 64)

	if _, err := pmm.AllocatePhysicalPage(false); err != nil {
		t.Fatal(err)
	}

	if err := bootstrapPageDatabase(); err != pmm.ErrNoRegionForCarve {
		t.Fatalf("expected ErrNoRegionForCarve; got %v", err)
	}
	if kernelDir.lock.Held() {
		t.Fatal("expected the kernel directory lock to be released")
	}
}
