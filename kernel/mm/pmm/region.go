package pmm

import (
	"gophermm/kernel/mm"
	"math/bits"
)

// PhysicalRegion owns a contiguous run of frames and tracks which of them
// are in use with a bitmap. Each bit i corresponds to frame Start()+i and is
// set while the frame is handed out.
//
// PhysicalRegion does no locking; all access happens under the global lock.
type PhysicalRegion struct {
	start     mm.Frame
	count     uint64
	freeCount uint64

	bitmap []uint64

	// nextBlock is the bitmap block where the next single-page search
	// starts.
	nextBlock int
}

func newPhysicalRegion(start mm.Frame, count uint64) *PhysicalRegion {
	r := &PhysicalRegion{
		start:     start,
		count:     count,
		freeCount: count,
		bitmap:    make([]uint64, (count+63)>>6),
	}

	// Bits past the end of the region are marked as used so the search
	// code never considers them.
	if tail := count & 63; tail != 0 {
		r.bitmap[len(r.bitmap)-1] = ^uint64(0) << tail
	}

	return r
}

// Start returns the first frame of the region.
func (r *PhysicalRegion) Start() mm.Frame { return r.start }

// End returns the first frame past the region.
func (r *PhysicalRegion) End() mm.Frame { return r.start + mm.Frame(r.count) }

// Count returns the number of frames owned by the region.
func (r *PhysicalRegion) Count() uint64 { return r.count }

// FreePages returns the number of frames currently in the free pool.
func (r *PhysicalRegion) FreePages() uint64 { return r.freeCount }

// Contains returns true if f belongs to the region.
func (r *PhysicalRegion) Contains(f mm.Frame) bool {
	return f >= r.start && f < r.End()
}

// IsFree returns true if f belongs to the region and is in its free pool.
func (r *PhysicalRegion) IsFree(f mm.Frame) bool {
	if !r.Contains(f) {
		return false
	}
	index := uint64(f - r.start)
	return r.bitmap[index>>6]&(1<<(index&63)) == 0
}

func (r *PhysicalRegion) markUsed(index, n uint64) {
	for i := index; i < index+n; i++ {
		r.bitmap[i>>6] |= 1 << (i & 63)
	}
	r.freeCount -= n
}

// takeOne removes one frame from the free pool.
func (r *PhysicalRegion) takeOne() (mm.Frame, bool) {
	if r.freeCount == 0 {
		return mm.InvalidFrame, false
	}

	for scanned := 0; scanned < len(r.bitmap); scanned++ {
		blockIndex := (r.nextBlock + scanned) % len(r.bitmap)
		block := r.bitmap[blockIndex]
		if block == ^uint64(0) {
			continue
		}

		index := uint64(blockIndex)<<6 + uint64(bits.TrailingZeros64(^block))
		r.markUsed(index, 1)
		r.nextBlock = blockIndex
		return r.start + mm.Frame(index), true
	}

	return mm.InvalidFrame, false
}

// takeContiguous removes n adjacent frames from the free pool. The free pool
// is left untouched when no such run exists.
func (r *PhysicalRegion) takeContiguous(n uint64) (mm.Frame, bool) {
	if n == 0 || r.freeCount < n {
		return mm.InvalidFrame, false
	}

	var runStart, runLen uint64
	for index := uint64(0); index < r.count; index++ {
		if r.bitmap[index>>6]&(1<<(index&63)) != 0 {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}
		if runLen++; runLen == n {
			r.markUsed(runStart, n)
			return r.start + mm.Frame(runStart), true
		}
	}

	return mm.InvalidFrame, false
}

// give returns f to the free pool. It reports false if f was already free.
func (r *PhysicalRegion) give(f mm.Frame) bool {
	index := uint64(f - r.start)
	mask := uint64(1) << (index & 63)
	if r.bitmap[index>>6]&mask == 0 {
		return false
	}

	r.bitmap[index>>6] &^= mask
	r.freeCount++
	return true
}

// largestFreeRun returns the length of the longest run of free frames.
func (r *PhysicalRegion) largestFreeRun() uint64 {
	var best, cur uint64
	for index := uint64(0); index < r.count; index++ {
		if r.bitmap[index>>6]&(1<<(index&63)) != 0 {
			cur = 0
			continue
		}
		if cur++; cur > best {
			best = cur
		}
	}
	return best
}
