package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/sync"
	"sync/atomic"
)

// Object supplies the physical pages behind one or more regions. Objects are
// reference counted: every region holds a reference and the pages of the
// object are released when the last one is dropped.
type Object interface {
	// PageCount returns the size of the object in pages.
	PageCount() uintptr

	// FrameAt returns the frame that backs page index of the object or
	// mm.InvalidFrame if the page has no backing yet.
	FrameAt(index uintptr) mm.Frame

	// HandleFault resolves a fault on page index of the object, accessed
	// through region r. Implementations that produce a frame install it
	// with r.MapObjectPage.
	HandleFault(r *Region, index uintptr, access FaultAccess) FaultResponse

	// Ref adds a reference to the object.
	Ref()

	// Unref drops a reference to the object.
	Unref()
}

// mappingTracker is implemented by objects that need to know which regions
// map them.
type mappingTracker interface {
	attach(r *Region)
	detach(r *Region)
}

var (
	allocatePageFn = pmm.AllocatePhysicalPage
	commitPagesFn  = pmm.CommitPhysicalPages
)

// objectRefs implements the reference counting part of Object.
type objectRefs struct {
	refs int32
}

// Ref adds a reference to the object.
func (o *objectRefs) Ref() {
	atomic.AddInt32(&o.refs, 1)
}

// drop removes a reference and reports whether it was the last one.
func (o *objectRefs) drop() bool {
	refs := atomic.AddInt32(&o.refs, -1)
	if refs < 0 {
		panic(errObjectRefUnderflow)
	}
	return refs == 0
}

func (o *objectRefs) refCount() int32 {
	return atomic.LoadInt32(&o.refs)
}

// releaseFrame drops the reference held on an object page and reports whether
// the frame went back to the allocator. Frames without a page database entry
// are freed directly.
func releaseFrame(frame mm.Frame) bool {
	if pmm.PageEntryFor(frame) != nil {
		return pmm.Unref(frame)
	}
	pmm.FreePhysicalPage(frame)
	return true
}

// AllocationStrategy selects when the pages of an anonymous object are
// committed and populated.
type AllocationStrategy uint8

const (
	// AllocateNow commits and populates every page when the object is
	// created.
	AllocateNow AllocationStrategy = iota

	// Reserve commits every page when the object is created. Pages are
	// populated from the commitment on first access.
	Reserve

	// None commits nothing. Pages are allocated on first access on a
	// best-effort basis.
	None
)

// AnonymousObject is zero-filled memory that is not backed by any file.
// A volatile anonymous object may have its pages purged when the system
// runs out of memory.
type AnonymousObject struct {
	objectRefs

	lock sync.Spinlock

	frames  []mm.Frame
	commit  *pmm.CommittedPhysicalPageSet
	regions []*Region

	volatile bool
	purged   bool
}

// NewAnonymousObject creates an anonymous object of pages pages.
func NewAnonymousObject(pages uintptr, strategy AllocationStrategy) (*AnonymousObject, *kernel.Error) {
	if pages == 0 {
		return nil, ErrInvalidRegion
	}

	obj := &AnonymousObject{frames: make([]mm.Frame, pages)}
	for i := range obj.frames {
		obj.frames[i] = mm.InvalidFrame
	}

	if strategy == None {
		return obj, nil
	}

	commit, err := commitPagesFn(uint64(pages))
	if err != nil {
		return nil, err
	}
	obj.commit = commit

	if strategy == AllocateNow {
		for i := range obj.frames {
			obj.frames[i] = commit.TakeOne()
		}
	}

	return obj, nil
}

// PageCount returns the size of the object in pages.
func (o *AnonymousObject) PageCount() uintptr {
	return uintptr(len(o.frames))
}

// FrameAt returns the frame backing page index or mm.InvalidFrame.
func (o *AnonymousObject) FrameAt(index uintptr) mm.Frame {
	frame := mm.InvalidFrame
	o.lock.Acquire()
	if index < uintptr(len(o.frames)) {
		frame = o.frames[index]
	}
	o.lock.Release()
	return frame
}

// HandleFault populates page index with a zeroed frame and maps it.
func (o *AnonymousObject) HandleFault(r *Region, index uintptr, _ FaultAccess) FaultResponse {
	if _, err := o.populate(index); err != nil {
		return FaultOutOfMemory
	}
	if err := r.MapObjectPage(index); err != nil {
		return FaultOutOfMemory
	}
	return FaultContinue
}

// populate returns the frame backing page index, allocating it if needed.
// The object lock is not held while allocating from the uncommitted pool as
// reclamation may purge this very object.
func (o *AnonymousObject) populate(index uintptr) (mm.Frame, *kernel.Error) {
	o.lock.Acquire()
	if frame := o.frames[index]; frame.Valid() {
		o.lock.Release()
		return frame, nil
	}
	if o.commit != nil && o.commit.Remaining() != 0 {
		frame := o.commit.TakeOne()
		o.frames[index] = frame
		o.lock.Release()
		return frame, nil
	}
	o.lock.Release()

	frame, err := allocatePageFn(true)
	if err != nil {
		return mm.InvalidFrame, err
	}

	o.lock.Acquire()
	if cur := o.frames[index]; cur.Valid() {
		o.lock.Release()
		releaseFrame(frame)
		return cur, nil
	}
	o.frames[index] = frame
	o.lock.Release()
	return frame, nil
}

// SetVolatile marks the object as purgeable (or not). Marking an object
// volatile gives up the unredeemed part of its commitment. Clearing the flag
// reports whether the contents were purged while the object was volatile;
// purged pages read back as zeroes.
func (o *AnonymousObject) SetVolatile(volatile bool) (wasPurged bool) {
	o.lock.Acquire()
	o.volatile = volatile

	var commit *pmm.CommittedPhysicalPageSet
	if volatile {
		commit, o.commit = o.commit, nil
	} else {
		wasPurged, o.purged = o.purged, false
	}
	o.lock.Release()

	if commit != nil {
		commit.Release()
	}

	if volatile {
		registerVolatile(o)
	} else {
		unregisterVolatile(o)
	}
	return wasPurged
}

// IsVolatile returns true if the object may be purged.
func (o *AnonymousObject) IsVolatile() bool {
	o.lock.Acquire()
	volatile := o.volatile
	o.lock.Release()
	return volatile
}

// Purge discards the contents of a volatile object and returns the number of
// pages that went back to the allocator. Pages still referenced elsewhere are
// not counted. The pages are unmapped from every region before they
// are freed. Non-volatile objects are left alone.
func (o *AnonymousObject) Purge() uint64 {
	o.lock.Acquire()
	if !o.volatile {
		o.lock.Release()
		return 0
	}

	var (
		indices []uintptr
		frames  []mm.Frame
	)
	for i, frame := range o.frames {
		if frame.Valid() {
			indices = append(indices, uintptr(i))
			frames = append(frames, frame)
			o.frames[i] = mm.InvalidFrame
		}
	}
	if len(frames) == 0 {
		o.lock.Release()
		return 0
	}
	o.purged = true
	regions := append([]*Region(nil), o.regions...)
	o.lock.Release()

	for _, r := range regions {
		r.unmapPages(indices)
	}

	var freed uint64
	for _, frame := range frames {
		if releaseFrame(frame) {
			freed++
		}
	}
	return freed
}

// Unref drops a reference; the last one releases every page and the
// remaining commitment.
func (o *AnonymousObject) Unref() {
	if !o.drop() {
		return
	}

	unregisterVolatile(o)

	o.lock.Acquire()
	frames := o.frames
	o.frames = nil
	commit := o.commit
	o.commit = nil
	o.lock.Release()

	for _, frame := range frames {
		if frame.Valid() {
			releaseFrame(frame)
		}
	}
	if commit != nil {
		commit.Release()
	}
}

func (o *AnonymousObject) attach(r *Region) {
	o.lock.Acquire()
	o.regions = append(o.regions, r)
	o.lock.Release()
}

func (o *AnonymousObject) detach(r *Region) {
	o.lock.Acquire()
	for i, cur := range o.regions {
		if cur == r {
			o.regions = append(o.regions[:i], o.regions[i+1:]...)
			break
		}
	}
	o.lock.Release()
}

// ContiguousObject is backed by physically contiguous frames that are
// allocated when the object is created.
type ContiguousObject struct {
	objectRefs

	base  mm.Frame
	count uintptr
}

// NewContiguousObject allocates pages physically contiguous frames, zeroed
// through a mapping of type memType.
func NewContiguousObject(pages uintptr, memType mm.MemoryType) (*ContiguousObject, *kernel.Error) {
	if pages == 0 {
		return nil, ErrInvalidRegion
	}

	base, err := pmm.AllocateContiguousPhysicalPages(uint64(pages), memType)
	if err != nil {
		return nil, err
	}
	return &ContiguousObject{base: base, count: pages}, nil
}

// PageCount returns the size of the object in pages.
func (o *ContiguousObject) PageCount() uintptr { return o.count }

// FrameAt returns the frame backing page index.
func (o *ContiguousObject) FrameAt(index uintptr) mm.Frame { return o.base + mm.Frame(index) }

// PhysicalBase returns the physical address of the first page.
func (o *ContiguousObject) PhysicalBase() uintptr { return o.base.Address() }

// HandleFault re-establishes the mapping of page index.
func (o *ContiguousObject) HandleFault(r *Region, index uintptr, _ FaultAccess) FaultResponse {
	return remapOnFault(r, index)
}

// Unref drops a reference; the last one frees the frames.
func (o *ContiguousObject) Unref() {
	if o.drop() {
		pmm.FreeContiguousPhysicalPages(o.base, uint64(o.count))
	}
}

// MMIOObject covers a range of device memory. Its frames are not managed by
// the physical memory manager and are never freed.
type MMIOObject struct {
	objectRefs

	base  mm.Frame
	count uintptr
}

// NewMMIOObject creates an object covering pages frames starting at the
// frame that contains physAddr.
func NewMMIOObject(physAddr uintptr, pages uintptr) *MMIOObject {
	return &MMIOObject{base: mm.FrameFromAddress(physAddr), count: pages}
}

// PageCount returns the size of the object in pages.
func (o *MMIOObject) PageCount() uintptr { return o.count }

// FrameAt returns the frame backing page index.
func (o *MMIOObject) FrameAt(index uintptr) mm.Frame { return o.base + mm.Frame(index) }

// HandleFault re-establishes the mapping of page index.
func (o *MMIOObject) HandleFault(r *Region, index uintptr, _ FaultAccess) FaultResponse {
	return remapOnFault(r, index)
}

// Unref drops a reference.
func (o *MMIOObject) Unref() {
	o.drop()
}

func remapOnFault(r *Region, index uintptr) FaultResponse {
	if err := r.MapObjectPage(index); err != nil {
		return FaultOutOfMemory
	}
	return FaultContinue
}
