package pmm

import (
	"gophermm/kernel/mm"
	"math/rand"
	"testing"
)

// initPages sets up the global data with a single region of n pages starting
// at physical address 0x100000 (frame 0x100).
func initPages(t *testing.T, n uint64) *[]zeroCall {
	calls := resetState(t)
	InitFromRanges([]mm.PhysicalRange{
		{Start: 0x100000, Length: n << mm.PageShift, Type: mm.PhysicalRangeUsable},
	}, nil, mm.PhysicalRange{})
	return calls
}

func TestAllocateAndFreePhysicalPage(t *testing.T) {
	calls := initPages(t, 4)

	frame, err := AllocatePhysicalPage(true)
	if err != nil {
		t.Fatal(err)
	}

	if len(*calls) != 1 || (*calls)[0] != (zeroCall{frame, 1, mm.MemoryTypeWriteBack}) {
		t.Fatalf("expected the page to be zeroed once; got %+v", *calls)
	}

	info := mustBalance(t)
	if info.PhysicalPagesUsed != 1 || info.PhysicalPagesUncommitted != 3 {
		t.Fatalf("unexpected counters after allocation: %+v", info)
	}

	// Non-zeroed allocations skip the zeroer.
	if _, err = AllocatePhysicalPage(false); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 1 {
		t.Fatal("expected zeroer not to be invoked for a non-zeroed allocation")
	}

	FreePhysicalPage(frame)
	info = mustBalance(t)
	if info.PhysicalPagesUsed != 1 || info.PhysicalPagesUncommitted != 3 {
		t.Fatalf("unexpected counters after free: %+v", info)
	}

	expectPanic(t, errDoubleFree, func() { FreePhysicalPage(frame) })
	expectPanic(t, errUnknownFrame, func() { FreePhysicalPage(mm.Frame(0x42)) })
}

func TestAllocatePhysicalPageOutOfMemory(t *testing.T) {
	initPages(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := AllocatePhysicalPage(false); err != nil {
			t.Fatal(err)
		}
	}

	before := mustBalance(t)
	if before.PhysicalPagesUncommitted != 0 {
		t.Fatalf("expected uncommitted pool to be empty; got %d", before.PhysicalPagesUncommitted)
	}

	frame, err := AllocatePhysicalPage(true)
	if err != ErrOutOfMemory || frame.Valid() {
		t.Fatalf("expected ErrOutOfMemory and an invalid frame; got 0x%x, %v", frame, err)
	}

	if after := mustBalance(t); after != before {
		t.Fatalf("expected counters to be unchanged; before %+v, after %+v", before, after)
	}
}

func TestAllocatePhysicalPageReclaimsInOrder(t *testing.T) {
	initPages(t, 2)

	var held []mm.Frame
	for i := 0; i < 2; i++ {
		frame, err := AllocatePhysicalPage(false)
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, frame)
	}

	var trace []string
	purge := func() uint64 {
		trace = append(trace, "purge")
		if len(held) == 2 {
			// Purging frees one page the first time round.
			FreePhysicalPage(held[1])
			held = held[:1]
			return 1
		}
		return 0
	}
	releaseClean := func() uint64 {
		trace = append(trace, "release-clean")
		if len(held) == 1 {
			FreePhysicalPage(held[0])
			held = held[:0]
			return 1
		}
		return 0
	}
	SetReclaimers(purge, releaseClean)

	// Satisfied by the purge.
	if _, err := AllocatePhysicalPage(false); err != nil {
		t.Fatal(err)
	}
	// Purge yields nothing; satisfied by releasing clean pages.
	if _, err := AllocatePhysicalPage(false); err != nil {
		t.Fatal(err)
	}
	// Nothing left anywhere.
	if _, err := AllocatePhysicalPage(false); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	exp := []string{"purge", "purge", "release-clean", "purge", "release-clean"}
	if len(trace) != len(exp) {
		t.Fatalf("expected reclamation trace %v; got %v", exp, trace)
	}
	for i := range exp {
		if trace[i] != exp[i] {
			t.Fatalf("expected reclamation trace %v; got %v", exp, trace)
		}
	}
	mustBalance(t)
}

func TestAllocateContiguousPhysicalPages(t *testing.T) {
	calls := initPages(t, 8)

	frame, err := AllocateContiguousPhysicalPages(3, mm.MemoryTypeUncached)
	if err != nil {
		t.Fatal(err)
	}

	if len(*calls) != 1 || (*calls)[0] != (zeroCall{frame, 3, mm.MemoryTypeUncached}) {
		t.Fatalf("expected the run to be zeroed once with the requested memory type; got %+v", *calls)
	}
	for i := mm.Frame(0); i < 3; i++ {
		if entry := PageEntryFor(frame + i); entry != nil {
			t.Fatal("expected no page entries before the database is installed")
		}
	}

	info := mustBalance(t)
	if info.PhysicalPagesUsed != 3 {
		t.Fatalf("expected 3 used pages; got %d", info.PhysicalPagesUsed)
	}

	// Punch a hole so the largest free run is 2 pages long:
	// frames 0x100-0x102 contiguous, 0x103 single, 0x104-0x105 free,
	// 0x106 single, 0x107 free.
	var singles []mm.Frame
	for i := 0; i < 5; i++ {
		f, err := AllocatePhysicalPage(false)
		if err != nil {
			t.Fatal(err)
		}
		singles = append(singles, f)
	}
	FreePhysicalPage(singles[1])
	FreePhysicalPage(singles[2])
	FreePhysicalPage(singles[4])

	snapshotPools := func() (free, largest uint64) {
		WithGlobalData(func(g *GlobalData) {
			for _, r := range g.Regions {
				free += r.FreePages()
				if run := r.largestFreeRun(); run > largest {
					largest = run
				}
			}
		})
		return free, largest
	}

	before := mustBalance(t)
	freeBefore, largestBefore := snapshotPools()
	if largestBefore != 2 {
		t.Fatalf("expected the largest free run to be 2 pages; got %d", largestBefore)
	}

	if _, err = AllocateContiguousPhysicalPages(3, mm.MemoryTypeWriteBack); err != ErrNoContiguousRange {
		t.Fatalf("expected ErrNoContiguousRange; got %v", err)
	}
	if _, err = AllocateContiguousPhysicalPages(4, mm.MemoryTypeWriteBack); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory when not enough pages are uncommitted; got %v", err)
	}

	if after := mustBalance(t); after != before {
		t.Fatalf("expected counters to be unchanged; before %+v, after %+v", before, after)
	}
	if freeAfter, largestAfter := snapshotPools(); freeAfter != freeBefore || largestAfter != largestBefore {
		t.Fatal("expected failed contiguous allocations to leave the free pools unchanged")
	}

	FreeContiguousPhysicalPages(frame, 3)
	if _, largest := snapshotPools(); largest != 3 {
		t.Fatalf("expected freed run to be available again; largest run is %d", largest)
	}
}

func TestCounterInvariantUnderRandomOperations(t *testing.T) {
	initPages(t, 64)

	var (
		rng  = rand.New(rand.NewSource(42))
		held []mm.Frame
		sets []*CommittedPhysicalPageSet
	)

	for op := 0; op < 2000; op++ {
		switch rng.Intn(5) {
		case 0:
			if frame, err := AllocatePhysicalPage(rng.Intn(2) == 0); err == nil {
				held = append(held, frame)
			}
		case 1:
			if len(held) != 0 {
				index := rng.Intn(len(held))
				FreePhysicalPage(held[index])
				held = append(held[:index], held[index+1:]...)
			}
		case 2:
			if set, err := CommitPhysicalPages(uint64(rng.Intn(4))); err == nil {
				sets = append(sets, set)
			}
		case 3:
			if len(sets) != 0 {
				if set := sets[rng.Intn(len(sets))]; set.Remaining() != 0 {
					held = append(held, set.TakeOne())
				}
			}
		case 4:
			if len(sets) != 0 {
				index := rng.Intn(len(sets))
				sets[index].Release()
				sets = append(sets[:index], sets[index+1:]...)
			}
		}

		if info := SystemMemory(); !info.Balanced() {
			t.Fatalf("[op %d] counters out of balance: %+v", op, info)
		}
	}
}
