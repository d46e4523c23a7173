package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
)

var kernelWindow = mm.VirtualRange{Base: kernelRegionsBase, Size: kernelRegionsSize}

// AllocateKernelRegion creates a region of anonymous memory in the kernel
// half. The region is readable plus whatever access adds.
func AllocateKernelRegion(size mm.Size, name string, access Access, strategy AllocationStrategy) (*Region, *kernel.Error) {
	obj, err := NewAnonymousObject(uintptr(size.Pages()), strategy)
	if err != nil {
		return nil, err
	}
	return allocateKernelRegion(obj, name, access, mm.MemoryTypeWriteBack)
}

// AllocateContiguousKernelRegion creates a kernel region backed by
// physically contiguous memory mapped with memType.
func AllocateContiguousKernelRegion(size mm.Size, name string, access Access, memType mm.MemoryType) (*Region, *kernel.Error) {
	obj, err := NewContiguousObject(uintptr(size.Pages()), memType)
	if err != nil {
		return nil, err
	}
	return allocateKernelRegion(obj, name, access, memType)
}

// AllocateDMABuffer creates an uncached, physically contiguous, writable
// kernel region and returns it together with its physical base address.
func AllocateDMABuffer(size mm.Size, name string) (*Region, uintptr, *kernel.Error) {
	obj, err := NewContiguousObject(uintptr(size.Pages()), mm.MemoryTypeUncached)
	if err != nil {
		return nil, 0, err
	}

	r, err := allocateKernelRegion(obj, name, AccessRead|AccessWrite, mm.MemoryTypeUncached)
	if err != nil {
		return nil, 0, err
	}
	return r, obj.PhysicalBase(), nil
}

// AllocateMMIORegion maps size bytes of device memory starting at physAddr
// into the kernel half. physAddr does not have to be page aligned; the
// region covers every page the range touches and the caller adds
// PageOffset(physAddr) to its base.
func AllocateMMIORegion(physAddr uintptr, size mm.Size, name string, access Access, memType mm.MemoryType) (*Region, *kernel.Error) {
	if size == 0 {
		return nil, ErrInvalidRegion
	}

	pages := (mm.Size(PageOffset(physAddr)) + size).Pages()
	return allocateKernelRegion(NewMMIOObject(physAddr, uintptr(pages)), name, access, memType)
}

// AllocateKernelRegionWithObject maps an existing object into the kernel
// half. The region takes its own reference on obj.
func AllocateKernelRegionWithObject(obj Object, name string, access Access) (*Region, *kernel.Error) {
	return allocateKernelRegion(obj, name, access, mm.MemoryTypeWriteBack)
}

// allocateKernelRegion places a region for obj in the kernel window and maps
// it. When it fails, an object nobody holds a reference to is released.
func allocateKernelRegion(obj Object, name string, access Access, memType mm.MemoryType) (*Region, *kernel.Error) {
	var (
		r   = newRegion(&kernelDir, obj, name, access|AccessRead, memType, 0)
		err *kernel.Error
	)

	pmm.WithGlobalData(func(g *pmm.GlobalData) {
		if r.rng, err = placeRange(&g.KernelRegions, kernelWindow, obj.PageCount()<<mm.PageShift, Anywhere()); err == nil {
			g.KernelRegions.Insert(r.rng, r)
		}
	})

	if err != nil {
		obj.Ref()
		obj.Unref()
		return nil, err
	}

	if err = r.bind(); err != nil {
		DeallocateKernelRegion(r)
		return nil, err
	}

	return r, nil
}

// DeallocateKernelRegion removes r from the kernel half. Its pages are
// unmapped immediately and released once no fault on r is in flight.
func DeallocateKernelRegion(r *Region) {
	var found bool
	pmm.WithGlobalData(func(g *pmm.GlobalData) {
		if _, value, ok := g.KernelRegions.Find(r.rng.Base); ok && value == r {
			_, found = g.KernelRegions.Remove(r.rng.Base)
		}
	})

	if found {
		r.teardown()
	}
}

// FindKernelRegion returns the kernel region containing virtAddr or nil.
func FindKernelRegion(virtAddr uintptr) *Region {
	var r *Region
	pmm.WithGlobalData(func(g *pmm.GlobalData) {
		if _, value, ok := g.KernelRegions.Find(virtAddr); ok {
			r = value.(*Region)
		}
	})
	return r
}

// enterKernelFault looks up the kernel region containing virtAddr and marks
// a fault in flight on it.
func enterKernelFault(virtAddr uintptr) *Region {
	var r *Region
	pmm.WithGlobalData(func(g *pmm.GlobalData) {
		if _, value, ok := g.KernelRegions.Find(virtAddr); ok {
			if candidate := value.(*Region); candidate.enterFault() {
				r = candidate
			}
		}
	})
	return r
}
