package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"sync/atomic"
)

// Access describes the permitted accesses to a region.
type Access uint32

const (
	// AccessRead allows reads.
	AccessRead Access = 1 << iota

	// AccessWrite allows writes.
	AccessWrite

	// AccessExecute allows instruction fetches.
	AccessExecute
)

// RegionFlag is an OR-able attribute of a region.
type RegionFlag uint8

const (
	// RegionStack marks a region as a thread stack.
	RegionStack RegionFlag = 1 << iota

	// RegionSyscall marks a region as allowed to issue system calls.
	RegionSyscall
)

const (
	regionLive uint32 = iota
	regionTornDown
	regionReleased
)

// Region binds a virtual range of one page directory to a backing object.
//
// A region is torn down in two steps. Removing it from its tree unmaps it
// right away, but the reference on its object is only dropped once no page
// fault on the region is in flight.
type Region struct {
	rng     mm.VirtualRange
	name    string
	object  Object
	memType mm.MemoryType
	flags   RegionFlag
	dir     *PageDirectory

	// access is read by the fault path without holding any lock.
	access uint32

	inflight int32
	state    uint32
}

func newRegion(dir *PageDirectory, obj Object, name string, access Access, memType mm.MemoryType, flags RegionFlag) *Region {
	return &Region{
		name:    name,
		object:  obj,
		memType: memType,
		flags:   flags,
		dir:     dir,
		access:  uint32(access),
	}
}

// Range returns the virtual range covered by the region.
func (r *Region) Range() mm.VirtualRange { return r.rng }

// Name returns the name the region was created with.
func (r *Region) Name() string { return r.name }

// Object returns the object backing the region.
func (r *Region) Object() Object { return r.object }

// MemoryType returns the caching type used for the region's mappings.
func (r *Region) MemoryType() mm.MemoryType { return r.memType }

// Flags returns the region attributes.
func (r *Region) Flags() RegionFlag { return r.flags }

// Access returns the permitted accesses.
func (r *Region) Access() Access { return Access(atomic.LoadUint32(&r.access)) }

// IsWritable returns true if the region permits writes.
func (r *Region) IsWritable() bool { return r.Access()&AccessWrite != 0 }

// InFlightFaults returns the number of page faults currently being resolved
// for the region.
func (r *Region) InFlightFaults() int32 { return atomic.LoadInt32(&r.inflight) }

func (r *Region) live() bool {
	return atomic.LoadUint32(&r.state) == regionLive
}

func (r *Region) pageAddr(index uintptr) uintptr {
	return r.rng.Base + index<<mm.PageShift
}

// pageFlags returns the page table flags for the region's leaf entries.
func (r *Region) pageFlags() PageTableEntryFlag {
	flags := FlagPresent | memoryTypeFlags(r.memType)

	access := r.Access()
	if access&AccessWrite != 0 {
		flags |= FlagRW
	}
	if access&AccessExecute == 0 {
		flags |= FlagNoExecute
	}
	if r.rng.Base < mm.KernelBase {
		flags |= FlagUserAccessible
	} else {
		flags |= FlagGlobal
	}
	return flags
}

// permits returns true if the region allows access.
func (r *Region) permits(access FaultAccess) bool {
	allowed := r.Access()
	switch access {
	case FaultWrite:
		return allowed&AccessWrite != 0
	case FaultExecute:
		return allowed&AccessExecute != 0
	default:
		return allowed&(AccessRead|AccessWrite|AccessExecute) != 0
	}
}

// MapObjectPage installs the current backing of page index into the page
// tables. It is called by Object.HandleFault implementations once they have
// populated the page.
func (r *Region) MapObjectPage(index uintptr) *kernel.Error {
	r.dir.lock.Acquire()
	err := r.syncPage(index)
	r.dir.lock.Release()
	return err
}

// Remap brings every page table entry of the region in line with its object
// and access permissions. Pages without backing are unmapped.
func (r *Region) Remap() *kernel.Error {
	r.dir.lock.Acquire()
	for index := uintptr(0); index < r.rng.PageCount(); index++ {
		if err := r.syncPage(index); err != nil {
			r.dir.lock.Release()
			return err
		}
	}
	r.dir.lock.Release()
	return nil
}

// unmapPages clears the entries of the given object pages. Indices outside
// the region are ignored.
func (r *Region) unmapPages(indices []uintptr) {
	r.dir.lock.Acquire()
	for _, index := range indices {
		if index < r.rng.PageCount() {
			r.dir.releasePTE(r.pageAddr(index))
		}
	}
	r.dir.lock.Release()
}

// SetWritable grants or revokes write access and updates the mappings.
func (r *Region) SetWritable(writable bool) *kernel.Error {
	for {
		old := atomic.LoadUint32(&r.access)
		access := old &^ uint32(AccessWrite)
		if writable {
			access |= uint32(AccessWrite)
		}
		if atomic.CompareAndSwapUint32(&r.access, old, access) {
			break
		}
	}
	return r.Remap()
}

// syncPage makes the entry for page index match the object. Creating a
// missing page table drops the directory lock, during which reclamation can
// change the object or tear down the region, so both are re-checked before
// the leaf is written. The caller holds the directory lock.
func (r *Region) syncPage(index uintptr) *kernel.Error {
	virtAddr := r.pageAddr(index)
	for {
		if !r.live() {
			r.dir.releasePTE(virtAddr)
			return nil
		}

		frame := r.object.FrameAt(index)
		if !frame.Valid() {
			r.dir.releasePTE(virtAddr)
			return nil
		}

		ref, err := r.dir.ensurePTE(virtAddr)
		if err != nil {
			return err
		}

		if r.live() && r.object.FrameAt(index) == frame {
			r.dir.setLeaf(ref, virtAddr, frame, r.pageFlags(), true)
			return nil
		}
	}
}

// enterFault records a fault in flight. It must be called while holding the
// lock of the tree the region was found in so that it cannot race with the
// removal of the region.
func (r *Region) enterFault() bool {
	if !r.live() {
		return false
	}
	atomic.AddInt32(&r.inflight, 1)
	return true
}

// exitFault completes a fault and runs the deferred release if the region
// was torn down in the meantime.
func (r *Region) exitFault() {
	if atomic.AddInt32(&r.inflight, -1) == 0 {
		r.releaseIfIdle()
	}
}

// teardown unmaps the region. It must be called after the region has been
// removed from its tree.
func (r *Region) teardown() {
	r.dir.lock.Acquire()
	if !atomic.CompareAndSwapUint32(&r.state, regionLive, regionTornDown) {
		r.dir.lock.Release()
		return
	}
	for index := uintptr(0); index < r.rng.PageCount(); index++ {
		r.dir.releasePTE(r.pageAddr(index))
	}
	r.dir.lock.Release()

	if tracker, ok := r.object.(mappingTracker); ok {
		tracker.detach(r)
	}
	r.releaseIfIdle()
}

// releaseIfIdle drops the region's reference on its object once the region
// is torn down and no fault is in flight. It runs at most once.
func (r *Region) releaseIfIdle() {
	if atomic.LoadInt32(&r.inflight) != 0 {
		return
	}
	if atomic.CompareAndSwapUint32(&r.state, regionTornDown, regionReleased) {
		r.object.Unref()
	}
}

// Released returns true once the region's object reference was dropped.
func (r *Region) Released() bool {
	return atomic.LoadUint32(&r.state) == regionReleased
}

// bind takes a reference on the region's object and maps what it already
// holds.
func (r *Region) bind() *kernel.Error {
	r.object.Ref()
	if tracker, ok := r.object.(mappingTracker); ok {
		tracker.attach(r)
	}
	return r.Remap()
}

// PlacementKind selects how a region's base address is chosen.
type PlacementKind uint8

const (
	// PlaceAnywhere picks the lowest hole that fits. When the mm.randomize
	// boot option is on the search starts at a random address.
	PlaceAnywhere PlacementKind = iota

	// PlaceExactly puts the region at a caller-chosen address.
	PlaceExactly
)

// Placement describes where a region should be placed.
type Placement struct {
	Kind PlacementKind
	Base uintptr
}

// Anywhere returns a PlaceAnywhere placement.
func Anywhere() Placement { return Placement{Kind: PlaceAnywhere} }

// Exactly returns a PlaceExactly placement at base.
func Exactly(base uintptr) Placement { return Placement{Kind: PlaceExactly, Base: base} }

// placeRange picks a range of size bytes within window that does not overlap
// any range of tree. The caller holds the lock guarding tree.
func placeRange(tree *mm.RangeTree, window mm.VirtualRange, size uintptr, p Placement) (mm.VirtualRange, *kernel.Error) {
	if size == 0 || size&(mm.PageSize-1) != 0 {
		return mm.VirtualRange{}, ErrInvalidRegion
	}

	if p.Kind == PlaceExactly {
		rng := mm.VirtualRange{Base: p.Base, Size: size}
		if p.Base&(mm.PageSize-1) != 0 || p.Base < window.Base || rng.End() > window.End() || rng.End() < rng.Base {
			return mm.VirtualRange{}, ErrInvalidRegion
		}
		if base, ok := tree.FindHole(rng, size, mm.PageSize, p.Base); !ok || base != p.Base {
			return mm.VirtualRange{}, ErrRangeOccupied
		}
		return rng, nil
	}

	from := window.Base
	if size < window.Size && randomizePlacementFn() {
		from += uintptr(randomPagesFn(uint64((window.Size-size)>>mm.PageShift))) << mm.PageShift
	}

	base, ok := tree.FindHole(window, size, mm.PageSize, from)
	if !ok && from != window.Base {
		base, ok = tree.FindHole(window, size, mm.PageSize, window.Base)
	}
	if !ok {
		return mm.VirtualRange{}, ErrAddressSpaceExhausted
	}
	return mm.VirtualRange{Base: base, Size: size}, nil
}
