package vmm

import (
	"gophermm/boot"
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/sync"
	"math/rand/v2"
	"sync/atomic"
)

var (
	userWindow = mm.VirtualRange{Base: userSpaceBase, Size: userSpaceEnd - userSpaceBase}

	// randomizePlacementFn reports whether PlaceAnywhere should start
	// searching at a random address.
	randomizePlacementFn = func() bool { return boot.OptionEnabled("mm.randomize", false) }

	// randomPagesFn returns a random page count in [0, n).
	randomPagesFn = func(n uint64) uint64 {
		if n == 0 {
			return 0
		}
		return rand.Uint64N(n)
	}

	// spaces tracks every live address space for the usage report.
	spaces struct {
		lock   sync.Spinlock
		list   []*AddressSpace
		nextID uint64
	}
)

// AddressSpace is the user half of a process: a page directory and the tree
// of regions mapped into it.
type AddressSpace struct {
	id  uint64
	dir *PageDirectory

	// lock guards regions. It is taken before the directory lock.
	lock    sync.IRQSpinlock
	regions mm.RangeTree

	enforceSyscallRegions uint32
}

// NewAddressSpace creates an empty address space with its own page
// directory. Whether system calls must come from RegionSyscall regions
// defaults to the mm.enforce_syscall_regions boot option.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	dir, err := NewPageDirectory()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{dir: dir}
	as.SetEnforceSyscallRegions(boot.OptionEnabled("mm.enforce_syscall_regions", true))

	spaces.lock.Acquire()
	spaces.nextID++
	as.id = spaces.nextID
	spaces.list = append(spaces.list, as)
	spaces.lock.Release()

	return as, nil
}

// ID returns a number that identifies the address space in reports.
func (as *AddressSpace) ID() uint64 { return as.id }

// PageDirectory returns the page directory of the address space.
func (as *AddressSpace) PageDirectory() *PageDirectory { return as.dir }

// SetEnforceSyscallRegions selects whether system calls must be issued from
// regions flagged RegionSyscall.
func (as *AddressSpace) SetEnforceSyscallRegions(enforce bool) {
	var v uint32
	if enforce {
		v = 1
	}
	atomic.StoreUint32(&as.enforceSyscallRegions, v)
}

// EnforcesSyscallRegions returns the current syscall region policy.
func (as *AddressSpace) EnforcesSyscallRegions() bool {
	return atomic.LoadUint32(&as.enforceSyscallRegions) == 1
}

// AllocateRegion creates a region of anonymous memory.
func (as *AddressSpace) AllocateRegion(p Placement, size mm.Size, name string, access Access, flags RegionFlag, strategy AllocationStrategy) (*Region, *kernel.Error) {
	obj, err := NewAnonymousObject(uintptr(size.Pages()), strategy)
	if err != nil {
		return nil, err
	}
	return as.allocateRegion(p, obj, name, access, flags)
}

// AllocateRegionWithObject maps an existing object. The region takes its own
// reference on obj; an object nobody holds a reference to is released if
// the allocation fails.
func (as *AddressSpace) AllocateRegionWithObject(p Placement, obj Object, name string, access Access, flags RegionFlag) (*Region, *kernel.Error) {
	return as.allocateRegion(p, obj, name, access, flags)
}

func (as *AddressSpace) allocateRegion(p Placement, obj Object, name string, access Access, flags RegionFlag) (*Region, *kernel.Error) {
	var (
		r   = newRegion(as.dir, obj, name, access|AccessRead, mm.MemoryTypeWriteBack, flags)
		err *kernel.Error
	)

	as.lock.Acquire()
	if r.rng, err = placeRange(&as.regions, userWindow, obj.PageCount()<<mm.PageShift, p); err == nil {
		as.regions.Insert(r.rng, r)
	}
	as.lock.Release()

	if err != nil {
		obj.Ref()
		obj.Unref()
		return nil, err
	}

	if err = r.bind(); err != nil {
		_ = as.DeallocateRegion(r)
		return nil, err
	}

	return r, nil
}

// FindRegion returns the region containing virtAddr or nil.
func (as *AddressSpace) FindRegion(virtAddr uintptr) *Region {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.findLocked(virtAddr)
}

// DeallocateRegion removes r from the address space. Its pages are unmapped
// immediately and released once no fault on r is in flight.
func (as *AddressSpace) DeallocateRegion(r *Region) *kernel.Error {
	var found bool

	as.lock.Acquire()
	if _, value, ok := as.regions.Find(r.rng.Base); ok && value == r {
		_, found = as.regions.Remove(r.rng.Base)
	}
	as.lock.Release()

	if !found {
		return ErrRegionNotFound
	}

	r.teardown()
	return nil
}

// Destroy tears down every region and frees the page directory. The address
// space must not be active on any CPU.
func (as *AddressSpace) Destroy() {
	as.lock.Acquire()
	var regions []*Region
	as.regions.Visit(func(_ mm.VirtualRange, value interface{}) bool {
		regions = append(regions, value.(*Region))
		return true
	})
	as.regions = mm.RangeTree{}
	as.lock.Release()

	for _, r := range regions {
		r.teardown()
	}

	spaces.lock.Acquire()
	for i, cur := range spaces.list {
		if cur == as {
			spaces.list = append(spaces.list[:i], spaces.list[i+1:]...)
			break
		}
	}
	spaces.lock.Release()

	as.dir.destroy()
}

// enterFault returns the region containing virtAddr with a fault marked in
// flight, or nil.
func (as *AddressSpace) enterFault(virtAddr uintptr) *Region {
	as.lock.Acquire()
	defer as.lock.Release()

	if r := as.findLocked(virtAddr); r != nil && r.enterFault() {
		return r
	}
	return nil
}

// regionUsage summarizes the memory use of a set of regions.
type regionUsage struct {
	regions       int
	virtualPages  uint64
	residentPages uint64
	sharedPages   uint64
}

// refCounter is implemented by objects that expose how many regions hold
// them.
type refCounter interface {
	refCount() int32
}

// add accounts for r. A resident page is shared when its object is mapped by
// more than one region or when its frame has other holders.
func (u *regionUsage) add(r *Region) {
	u.regions++
	u.virtualPages += uint64(r.rng.PageCount())

	rc, ok := r.object.(refCounter)
	objectShared := ok && rc.refCount() > 1
	for index := uintptr(0); index < r.object.PageCount(); index++ {
		frame := r.object.FrameAt(index)
		if !frame.Valid() {
			continue
		}
		u.residentPages++
		if objectShared {
			u.sharedPages++
		} else if entry := pmm.PageEntryFor(frame); entry != nil && entry.RefCount() > 1 {
			u.sharedPages++
		}
	}
}

// usage reports the memory used by the address space.
func (as *AddressSpace) usage() regionUsage {
	var u regionUsage

	as.lock.Acquire()
	as.regions.Visit(func(_ mm.VirtualRange, value interface{}) bool {
		u.add(value.(*Region))
		return true
	})
	as.lock.Release()

	return u
}
