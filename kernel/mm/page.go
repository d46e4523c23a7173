// Package mm contains the vocabulary shared by the physical and virtual
// memory managers: frames, pages, physical and virtual ranges and the hooks
// through which the page-table code obtains physical frames.
package mm

import (
	"gophermm/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte of this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocatorFn returns a zero-filled physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn returns a frame obtained through a FrameAllocatorFn.
type FrameReleaserFn func(Frame)

var (
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// SetFrameAllocator registers the function used by the page-table code when
// it needs a frame for a new page table.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser registers the function used by the page-table code to
// hand back the frame of a page table that became empty.
func SetFrameReleaser(releaseFn FrameReleaserFn) { frameReleaser = releaseFn }

// AllocFrame allocates a zero-filled frame using the active frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// ReleaseFrame returns f to the active frame releaser.
func ReleaseFrame(f Frame) { frameReleaser(f) }
