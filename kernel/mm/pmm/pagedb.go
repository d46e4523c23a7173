package pmm

import (
	"gophermm/kernel/mm"
	"sync/atomic"
)

// PageKind records what a physical frame is currently used for.
type PageKind uint8

const (
	// PageKindFree frames sit in a physical region's free pool.
	PageKindFree PageKind = iota

	// PageKindAllocated frames were handed out one at a time.
	PageKindAllocated

	// PageKindContiguous frames belong to a physically contiguous
	// allocation.
	PageKindContiguous

	// PageKindPageTable frames hold page tables.
	PageKindPageTable

	// PageKindPageDatabase frames hold the page frame database itself.
	PageKindPageDatabase

	// PageKindReserved frames are not managed by any physical region.
	PageKindReserved
)

// PageEntry is the metadata slot kept for every physical frame below the
// page database bound.
type PageEntry struct {
	refCount uint32
	kind     PageKind
	_        [3]uint8
}

// RefCount returns the number of references held on the frame.
func (e *PageEntry) RefCount() uint32 {
	return atomic.LoadUint32(&e.refCount)
}

// Kind returns the current use of the frame.
func (e *PageEntry) Kind() PageKind {
	return e.kind
}

func (e *PageEntry) set(kind PageKind, refCount uint32) {
	e.kind = kind
	atomic.StoreUint32(&e.refCount, refCount)
}

// pageDB is the flat page frame database indexed by frame number. It is
// installed once by InstallPageDatabase and never resized.
var pageDB []PageEntry

// InstallPageDatabase makes entries the page frame database. entries must
// hold one zeroed slot for every frame below the database bound. Frames that
// are not owned by any physical region are marked PageKindReserved.
func InstallPageDatabase(entries []PageEntry) {
	WithGlobalData(func(g *GlobalData) {
		for i := range entries {
			if g.regionFor(mm.Frame(i)) == nil {
				entries[i].set(PageKindReserved, 1)
			}
		}
	})

	pageDB = entries
}

// PageEntryFor returns the page frame database entry for f or nil if f lies
// past the database bound or the database has not been installed yet.
func PageEntryFor(f mm.Frame) *PageEntry {
	if uint64(f) >= uint64(len(pageDB)) {
		return nil
	}
	return &pageDB[f]
}

// MarkFrames sets the kind of count frames starting at f and gives each one
// a single reference. It is used by the page database bootstrap for frames
// consumed before the database existed.
func MarkFrames(f mm.Frame, count uint64, kind PageKind) {
	for i := uint64(0); i < count; i++ {
		if entry := PageEntryFor(f + mm.Frame(i)); entry != nil {
			entry.set(kind, 1)
		}
	}
}

// Ref adds a reference to frame f.
func Ref(f mm.Frame) {
	if entry := PageEntryFor(f); entry != nil {
		atomic.AddUint32(&entry.refCount, 1)
	}
}

// Unref drops a reference to frame f. When the last reference is dropped the
// frame is returned to its physical region. Unref reports whether that
// happened.
func Unref(f mm.Frame) bool {
	entry := PageEntryFor(f)
	if entry == nil {
		return false
	}

	for {
		cur := atomic.LoadUint32(&entry.refCount)
		if cur == 0 {
			panic(errRefCountUnderflow)
		}
		if atomic.CompareAndSwapUint32(&entry.refCount, cur, cur-1) {
			if cur != 1 {
				return false
			}
			break
		}
	}

	FreePhysicalPage(f)
	return true
}

func setPageEntries(f mm.Frame, count uint64, kind PageKind, refCount uint32) {
	for i := uint64(0); i < count; i++ {
		if entry := PageEntryFor(f + mm.Frame(i)); entry != nil {
			entry.set(kind, refCount)
		}
	}
}
