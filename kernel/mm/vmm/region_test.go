package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"sync/atomic"
	"testing"
)

// testObject is an Object whose frames and fault behavior are controlled by
// the test.
type testObject struct {
	objectRefs

	frames   []mm.Frame
	faultFn  func(r *Region, index uintptr, access FaultAccess) FaultResponse
	releases int32
}

func newTestObject(frames ...mm.Frame) *testObject {
	return &testObject{frames: frames}
}

func (o *testObject) PageCount() uintptr { return uintptr(len(o.frames)) }

func (o *testObject) FrameAt(index uintptr) mm.Frame { return o.frames[index] }

func (o *testObject) HandleFault(r *Region, index uintptr, access FaultAccess) FaultResponse {
	if o.faultFn != nil {
		return o.faultFn(r, index, access)
	}
	return FaultContinue
}

func (o *testObject) Unref() {
	if o.drop() {
		atomic.AddInt32(&o.releases, 1)
	}
}

func (o *testObject) released() int32 { return atomic.LoadInt32(&o.releases) }

func TestPlaceRange(t *testing.T) {
	var (
		tree   mm.RangeTree
		window = mm.VirtualRange{Base: 0x10000, Size: 0x10000}
	)
	tree.Insert(mm.VirtualRange{Base: 0x10000, Size: 0x2000}, nil)

	specs := []struct {
		size    uintptr
		p       Placement
		expBase uintptr
		expErr  *kernel.Error
	}{
		{0, Anywhere(), 0, ErrInvalidRegion},
		{0x1001, Anywhere(), 0, ErrInvalidRegion},
		{0x1000, Anywhere(), 0x12000, nil},
		{0x1000, Exactly(0x11000), 0, ErrRangeOccupied},
		{0x2000, Exactly(0x14000), 0x14000, nil},
		{0x1000, Exactly(0x14001), 0, ErrInvalidRegion},
		{0x1000, Exactly(0x8000), 0, ErrInvalidRegion},
		{0x2000, Exactly(0x1f000), 0, ErrInvalidRegion},
		{0x10000, Anywhere(), 0, ErrAddressSpaceExhausted},
		{0xe000, Anywhere(), 0x12000, nil},
	}

	for specIndex, spec := range specs {
		rng, err := placeRange(&tree, window, spec.size, spec.p)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err == nil && (rng.Base != spec.expBase || rng.Size != spec.size) {
			t.Errorf("[spec %d] expected range at 0x%x; got %+v", specIndex, spec.expBase, rng)
		}
	}
}

func TestPlaceRangeRandomized(t *testing.T) {
	defer func(origRandomize func() bool, origRandomPages func(uint64) uint64) {
		randomizePlacementFn, randomPagesFn = origRandomize, origRandomPages
	}(randomizePlacementFn, randomPagesFn)

	var (
		tree   mm.RangeTree
		window = mm.VirtualRange{Base: 0x10000, Size: 0x10000}
	)
	tree.Insert(mm.VirtualRange{Base: 0x1c000, Size: 0x4000}, nil)

	var limit uint64
	randomizePlacementFn = func() bool { return true }

	specs := []struct {
		randomPages uint64
		expBase     uintptr
	}{
		{0, 0x10000},
		{5, 0x15000},
		// No hole after the random start; the search wraps around.
		{0xd, 0x10000},
	}

	for specIndex, spec := range specs {
		randomPagesFn = func(n uint64) uint64 {
			limit = n
			return spec.randomPages
		}

		rng, err := placeRange(&tree, window, 0x2000, Anywhere())
		if err != nil || rng.Base != spec.expBase {
			t.Errorf("[spec %d] expected base 0x%x; got 0x%x, %v", specIndex, spec.expBase, rng.Base, err)
		}
		if exp := uint64((window.Size - 0x2000) >> mm.PageShift); limit != exp {
			t.Errorf("[spec %d] expected random page limit %d; got %d", specIndex, exp, limit)
		}
	}
}

func mustAllocateKernelRegion(t *testing.T, pages uint64, access Access, strategy AllocationStrategy) *Region {
	t.Helper()
	r, err := AllocateKernelRegion(mm.Size(pages<<mm.PageShift), "test", access, strategy)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAllocateKernelRegion(t *testing.T) {
	phys := setupVMM(t, 128)

	t.Run("allocate now", func(t *testing.T) {
		r := mustAllocateKernelRegion(t, 3, AccessWrite, AllocateNow)
		if r.Range().Base != kernelRegionsBase || r.Range().Size != 3*mm.PageSize {
			t.Fatalf("unexpected range %+v", r.Range())
		}
		if r.Access() != AccessRead|AccessWrite {
			t.Fatalf("expected kernel regions to be readable; got access %d", r.Access())
		}

		for index := uintptr(0); index < 3; index++ {
			pte := phys.leaf(&kernelDir, r.pageAddr(index))
			if pte.Frame() != r.Object().FrameAt(index) || !pte.HasFlags(FlagPresent|FlagRW|FlagGlobal|FlagNoExecute) || pte.HasFlags(FlagUserAccessible) {
				t.Errorf("unexpected entry 0x%x for page %d", uintptr(pte), index)
			}
		}

		if FindKernelRegion(r.Range().Base+0x2fff) != r {
			t.Fatal("expected FindKernelRegion to return the region")
		}
		DeallocateKernelRegion(r)
	})

	t.Run("reserve", func(t *testing.T) {
		before := mustBalance(t)
		r := mustAllocateKernelRegion(t, 2, AccessWrite, Reserve)

		if got := mustBalance(t); got.PhysicalPagesCommitted != before.PhysicalPagesCommitted+2 {
			t.Fatalf("expected 2 pages to be committed; got %d", got.PhysicalPagesCommitted)
		}
		if pte := phys.leaf(&kernelDir, r.Range().Base); pte.HasFlags(FlagPresent) {
			t.Fatal("expected reserved pages not to be mapped")
		}

		if resp := HandlePageFault(Fault{Address: r.Range().Base + 0x1008, Access: FaultWrite}); resp != FaultContinue {
			t.Fatalf("expected the fault to be resolved; got %d", resp)
		}
		if pte := phys.leaf(&kernelDir, r.pageAddr(1)); !pte.HasFlags(FlagPresent) || pte.Frame() != r.Object().FrameAt(1) {
			t.Fatalf("expected page 1 to be mapped; got 0x%x", uintptr(pte))
		}
		if got := mustBalance(t); got.PhysicalPagesCommitted != before.PhysicalPagesCommitted+1 {
			t.Fatalf("expected the fault to redeem one committed page; got %d committed", got.PhysicalPagesCommitted)
		}

		DeallocateKernelRegion(r)
		if got := mustBalance(t); got.PhysicalPagesCommitted != before.PhysicalPagesCommitted {
			t.Fatal("expected the remaining commitment to be released")
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		if _, err := AllocateKernelRegion(mm.Size(1024<<mm.PageShift), "huge", AccessWrite, Reserve); err != pmm.ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := AllocateKernelRegion(0, "empty", AccessWrite, None); err != ErrInvalidRegion {
			t.Fatalf("expected ErrInvalidRegion; got %v", err)
		}
	})
}

func TestDeallocateKernelRegion(t *testing.T) {
	phys := setupVMM(t, 128)

	// The first region creates the kernel window's third-level table,
	// which is never freed.
	DeallocateKernelRegion(mustAllocateKernelRegion(t, 1, AccessWrite, AllocateNow))
	baseline := mustBalance(t)

	r := mustAllocateKernelRegion(t, 4, AccessWrite, AllocateNow)
	DeallocateKernelRegion(r)

	if !r.Released() {
		t.Fatal("expected the region to be released")
	}
	for index := uintptr(0); index < 4; index++ {
		if pte := phys.leaf(&kernelDir, r.pageAddr(index)); pte != 0 {
			t.Errorf("expected page %d to be unmapped", index)
		}
		if !phys.wasFlushed(r.pageAddr(index)) {
			t.Errorf("expected page %d to be flushed", index)
		}
	}
	if got := mustBalance(t); got.PhysicalPagesUsed != baseline.PhysicalPagesUsed {
		t.Fatalf("expected pages and tables to be freed; used %d, expected %d", got.PhysicalPagesUsed, baseline.PhysicalPagesUsed)
	}
	if FindKernelRegion(r.Range().Base) != nil {
		t.Fatal("expected the region to be removed from the tree")
	}

	// A second deallocation is ignored.
	DeallocateKernelRegion(r)
	mustBalance(t)
}

func TestDeallocateWithFaultInFlight(t *testing.T) {
	setupVMM(t, 64)

	obj := newTestObject(mm.InvalidFrame, mm.InvalidFrame)
	r, err := AllocateKernelRegionWithObject(obj, "test", AccessWrite)
	if err != nil {
		t.Fatal(err)
	}
	if obj.refCount() != 1 {
		t.Fatalf("expected the region to hold one reference; got %d", obj.refCount())
	}

	if enterKernelFault(r.Range().Base) != r {
		t.Fatal("expected to enter a fault on the region")
	}
	if r.InFlightFaults() != 1 {
		t.Fatalf("expected 1 fault in flight; got %d", r.InFlightFaults())
	}

	DeallocateKernelRegion(r)
	if r.Released() || obj.released() != 0 {
		t.Fatal("expected the release to be deferred while a fault is in flight")
	}
	if enterKernelFault(r.Range().Base) != nil {
		t.Fatal("expected no new fault to enter a removed region")
	}

	r.exitFault()
	if !r.Released() || obj.released() != 1 {
		t.Fatal("expected the region to be released once the fault completed")
	}

	// Late exits never release twice.
	r.releaseIfIdle()
	if obj.released() != 1 {
		t.Fatal("expected the object to be released exactly once")
	}
}

func TestAllocateKernelRegionWithObjectShared(t *testing.T) {
	phys := setupVMM(t, 64)
	DeallocateKernelRegion(mustAllocateKernelRegion(t, 1, AccessWrite, AllocateNow))
	baseline := mustBalance(t)

	obj, err := NewAnonymousObject(2, AllocateNow)
	if err != nil {
		t.Fatal(err)
	}

	a, err := AllocateKernelRegionWithObject(obj, "a", AccessWrite)
	if err != nil {
		t.Fatal(err)
	}
	b, err := AllocateKernelRegionWithObject(obj, "b", 0)
	if err != nil {
		t.Fatal(err)
	}

	if obj.refCount() != 2 {
		t.Fatalf("expected 2 references; got %d", obj.refCount())
	}
	if phys.leaf(&kernelDir, a.Range().Base).Frame() != phys.leaf(&kernelDir, b.Range().Base).Frame() {
		t.Fatal("expected both regions to map the same frame")
	}
	if phys.leaf(&kernelDir, b.Range().Base).HasFlags(FlagRW) {
		t.Fatal("expected the read-only mapping not to be writable")
	}

	DeallocateKernelRegion(a)
	if !obj.FrameAt(0).Valid() {
		t.Fatal("expected the object to survive while b maps it")
	}

	DeallocateKernelRegion(b)
	if obj.FrameAt(0).Valid() {
		t.Fatal("expected the object to be released with its last region")
	}
	if got := mustBalance(t); got.PhysicalPagesUsed != baseline.PhysicalPagesUsed {
		t.Fatalf("expected the object's pages to be freed; used %d, expected %d", got.PhysicalPagesUsed, baseline.PhysicalPagesUsed)
	}
}

func TestAllocateKernelRegionReleasesUnusedObject(t *testing.T) {
	setupVMM(t, 64)

	allocErr := &kernel.Error{Module: "test", Message: "no tables"}
	allocTableFn = func() (mm.Frame, *kernel.Error) { return mm.InvalidFrame, allocErr }

	obj := newTestObject(mm.Frame(0x42))
	if _, err := AllocateKernelRegionWithObject(obj, "test", AccessWrite); err != allocErr {
		t.Fatalf("expected the table allocation error; got %v", err)
	}
	if obj.released() != 1 {
		t.Fatal("expected the unreferenced object to be released")
	}
	if FindKernelRegion(kernelRegionsBase) != nil {
		t.Fatal("expected the failed region to be removed")
	}
}

func TestSetWritable(t *testing.T) {
	phys := setupVMM(t, 64)
	r := mustAllocateKernelRegion(t, 2, 0, AllocateNow)

	if r.IsWritable() || phys.leaf(&kernelDir, r.Range().Base).HasFlags(FlagRW) {
		t.Fatal("expected a read-only region")
	}

	if err := r.SetWritable(true); err != nil {
		t.Fatal(err)
	}
	for index := uintptr(0); index < 2; index++ {
		if !phys.leaf(&kernelDir, r.pageAddr(index)).HasFlags(FlagRW) {
			t.Errorf("expected page %d to be writable", index)
		}
	}

	phys.flushed = nil
	if err := r.SetWritable(false); err != nil {
		t.Fatal(err)
	}
	if r.IsWritable() || phys.leaf(&kernelDir, r.Range().Base).HasFlags(FlagRW) {
		t.Fatal("expected write access to be revoked")
	}
	if !phys.wasFlushed(r.Range().Base) {
		t.Fatal("expected the downgraded mapping to be invalidated")
	}
}

func TestSyncPageRevalidates(t *testing.T) {
	specs := []struct {
		name string
		race func(r *Region, obj *testObject)
	}{
		{"frame changed", func(_ *Region, obj *testObject) { obj.frames[0] = mm.Frame(0x43) }},
		{"frame dropped", func(_ *Region, obj *testObject) { obj.frames[0] = mm.InvalidFrame }},
		{"region torn down", func(r *Region, _ *testObject) { DeallocateKernelRegion(r) }},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			phys := setupVMM(t, 64)

			obj := newTestObject(mm.InvalidFrame)
			r, err := AllocateKernelRegionWithObject(obj, "test", AccessWrite)
			if err != nil {
				t.Fatal(err)
			}

			// Reclamation runs while ensurePTE allocates a table.
			raced := false
			allocTableFn = func() (mm.Frame, *kernel.Error) {
				if !raced {
					raced = true
					spec.race(r, obj)
				}
				return mm.AllocFrame()
			}

			obj.frames[0] = mm.Frame(0x42)
			if err = r.MapObjectPage(0); err != nil {
				t.Fatal(err)
			}

			pte := phys.leaf(&kernelDir, r.Range().Base)
			switch {
			case !r.live():
				if pte != 0 {
					t.Fatal("expected a torn down region to stay unmapped")
				}
			case obj.frames[0].Valid():
				if pte.Frame() != obj.frames[0] {
					t.Fatalf("expected the current frame 0x%x to be mapped; got 0x%x", obj.frames[0], pte.Frame())
				}
			default:
				if pte.HasFlags(FlagPresent) {
					t.Fatal("expected a dropped frame to stay unmapped")
				}
			}
		})
	}
}

func TestAllocateMMIORegion(t *testing.T) {
	phys := setupVMM(t, 64)

	specs := []struct {
		physAddr uintptr
		size     mm.Size
		expPages uintptr
	}{
		{0xfee00000, 0x1000, 1},
		{0xfee00010, 0x20, 1},
		{0xfee00ff0, 0x20, 2},
	}

	for specIndex, spec := range specs {
		r, err := AllocateMMIORegion(spec.physAddr, spec.size, "mmio", AccessWrite, mm.MemoryTypeUncached)
		if err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}
		if r.Range().PageCount() != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, r.Range().PageCount())
		}

		physAddr, err := kernelDir.Translate(r.Range().Base + PageOffset(spec.physAddr))
		if err != nil || physAddr != spec.physAddr {
			t.Errorf("[spec %d] expected translation to 0x%x; got 0x%x, %v", specIndex, spec.physAddr, physAddr, err)
		}
		if pte := phys.leaf(&kernelDir, r.Range().Base); !pte.HasFlags(FlagWriteThroughCaching | FlagDoNotCache) {
			t.Errorf("[spec %d] expected an uncached mapping; got 0x%x", specIndex, uintptr(pte))
		}

		// MMIO frames never reach the physical allocator.
		DeallocateKernelRegion(r)
		mustBalance(t)
	}

	if _, err := AllocateMMIORegion(0xfee00000, 0, "mmio", AccessWrite, mm.MemoryTypeUncached); err != ErrInvalidRegion {
		t.Fatalf("expected ErrInvalidRegion; got %v", err)
	}
}

func TestAllocateDMABuffer(t *testing.T) {
	phys := setupVMM(t, 64)
	before := mustBalance(t)

	r, physBase, err := AllocateDMABuffer(mm.Size(3*mm.PageSize), "dma")
	if err != nil {
		t.Fatal(err)
	}

	if !r.IsWritable() || r.MemoryType() != mm.MemoryTypeUncached {
		t.Fatal("expected an uncached writable region")
	}
	for index := uintptr(0); index < 3; index++ {
		pte := phys.leaf(&kernelDir, r.pageAddr(index))
		if pte.Frame().Address() != physBase+index<<mm.PageShift {
			t.Errorf("expected page %d to map 0x%x; got 0x%x", index, physBase+index<<mm.PageShift, pte.Frame().Address())
		}
		if !pte.HasFlags(FlagDoNotCache) {
			t.Errorf("expected page %d to be uncached", index)
		}
	}

	DeallocateKernelRegion(r)
	if got := mustBalance(t); got.PhysicalPagesUsed != before.PhysicalPagesUsed+1 {
		// The kernel window's third-level table stays allocated.
		t.Fatalf("expected the buffer to be freed; used %d, before %d", got.PhysicalPagesUsed, before.PhysicalPagesUsed)
	}
}

func TestAllocateContiguousKernelRegion(t *testing.T) {
	phys := setupVMM(t, 64)

	r, err := AllocateContiguousKernelRegion(mm.Size(2*mm.PageSize), "fb", AccessWrite, mm.MemoryTypeWriteCombining)
	if err != nil {
		t.Fatal(err)
	}

	first, second := phys.leaf(&kernelDir, r.pageAddr(0)), phys.leaf(&kernelDir, r.pageAddr(1))
	if second.Frame() != first.Frame()+1 {
		t.Fatal("expected physically contiguous frames")
	}
	if !first.HasFlags(FlagWriteThroughCaching) || first.HasFlags(FlagDoNotCache) {
		t.Fatalf("expected a write-combining mapping; got 0x%x", uintptr(first))
	}

	// A fault on a contiguous region re-establishes the mapping.
	kernelDir.lock.Acquire()
	kernelDir.releasePTE(r.pageAddr(1))
	kernelDir.lock.Release()

	if resp := HandlePageFault(Fault{Address: r.pageAddr(1), Access: FaultRead}); resp != FaultContinue {
		t.Fatalf("expected FaultContinue; got %d", resp)
	}
	if phys.leaf(&kernelDir, r.pageAddr(1)) != second {
		t.Fatal("expected the mapping to be restored")
	}

	if _, err = AllocateContiguousKernelRegion(mm.Size(1024*mm.PageSize), "fb", AccessWrite, mm.MemoryTypeWriteCombining); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}
