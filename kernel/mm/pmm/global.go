package pmm

import (
	"gophermm/kernel/mm"
	"gophermm/kernel/sync"
	"sort"
)

// GlobalData bundles the process-wide memory manager state. It is created
// during boot and is only ever accessed through WithGlobalData.
type GlobalData struct {
	// PhysicalRanges is the normalized boot memory map.
	PhysicalRanges []mm.PhysicalRange

	// UsedRanges lists usable memory that was already in use at boot or
	// was carved out for the page frame database.
	UsedRanges []mm.UsedRange

	// Regions is sorted by start frame.
	Regions []*PhysicalRegion

	// Framebuffer covers the boot framebuffer; zero length if absent.
	Framebuffer mm.PhysicalRange

	Memory SystemMemoryInfo

	// KernelRegions maps the kernel half of the address space. Its values
	// are owned by the virtual memory manager.
	KernelRegions mm.RangeTree
}

var global struct {
	lock sync.IRQSpinlock
	data GlobalData
}

// WithGlobalData runs fn while holding the global memory manager lock. fn
// must not block or call back into a function that takes the global lock.
func WithGlobalData(fn func(*GlobalData)) {
	global.lock.Acquire()
	defer global.lock.Release()
	fn(&global.data)
}

// SystemMemory returns a consistent snapshot of the system memory counters.
func SystemMemory() SystemMemoryInfo {
	var snapshot SystemMemoryInfo
	WithGlobalData(func(g *GlobalData) {
		snapshot = g.Memory
	})
	return snapshot
}

// regionFor returns the physical region that owns f or nil.
func (g *GlobalData) regionFor(f mm.Frame) *PhysicalRegion {
	index := sort.Search(len(g.Regions), func(i int) bool {
		return g.Regions[i].End() > f
	})
	if index == len(g.Regions) || !g.Regions[index].Contains(f) {
		return nil
	}
	return g.Regions[index]
}

// takeFrame removes one frame from the first region with free pages.
func (g *GlobalData) takeFrame() mm.Frame {
	for _, r := range g.Regions {
		if frame, ok := r.takeOne(); ok {
			return frame
		}
	}

	panic(errRegionsExhausted)
}

// freePages returns the total number of frames in all free pools.
func (g *GlobalData) freePages() uint64 {
	var total uint64
	for _, r := range g.Regions {
		total += r.FreePages()
	}
	return total
}
