package mm

import "sort"

type rangeNode struct {
	rng   VirtualRange
	value interface{}
}

// RangeTree is an ordered set of non-overlapping virtual ranges, each
// carrying an arbitrary value. Lookups are O(log n); inserts and removals
// shift the tail of the set.
//
// RangeTree does no locking of its own.
type RangeTree struct {
	nodes []rangeNode
}

// Len returns the number of ranges in the tree.
func (t *RangeTree) Len() int {
	return len(t.nodes)
}

// indexAfter returns the index of the first range whose base is > addr.
func (t *RangeTree) indexAfter(addr uintptr) int {
	return sort.Search(len(t.nodes), func(i int) bool {
		return t.nodes[i].rng.Base > addr
	})
}

// Insert adds r to the tree. It returns false without modifying the tree if r
// is empty or overlaps a range already in the tree.
func (t *RangeTree) Insert(r VirtualRange, value interface{}) bool {
	if r.Size == 0 || r.End() < r.Base {
		return false
	}

	index := t.indexAfter(r.Base)
	if index > 0 && t.nodes[index-1].rng.Overlaps(r) {
		return false
	}
	if index < len(t.nodes) && t.nodes[index].rng.Overlaps(r) {
		return false
	}

	t.nodes = append(t.nodes, rangeNode{})
	copy(t.nodes[index+1:], t.nodes[index:])
	t.nodes[index] = rangeNode{rng: r, value: value}
	return true
}

// Find returns the range containing addr and its value.
func (t *RangeTree) Find(addr uintptr) (VirtualRange, interface{}, bool) {
	index := t.indexAfter(addr) - 1
	if index < 0 || !t.nodes[index].rng.Contains(addr) {
		return VirtualRange{}, nil, false
	}

	return t.nodes[index].rng, t.nodes[index].value, true
}

// Remove deletes the range starting exactly at base and returns its value.
func (t *RangeTree) Remove(base uintptr) (interface{}, bool) {
	index := t.indexAfter(base) - 1
	if index < 0 || t.nodes[index].rng.Base != base {
		return nil, false
	}

	value := t.nodes[index].value
	copy(t.nodes[index:], t.nodes[index+1:])
	t.nodes[len(t.nodes)-1] = rangeNode{}
	t.nodes = t.nodes[:len(t.nodes)-1]
	return value, true
}

// Visit invokes fn for each range in ascending address order until fn
// returns false.
func (t *RangeTree) Visit(fn func(VirtualRange, interface{}) bool) {
	for _, node := range t.nodes {
		if !fn(node.rng, node.value) {
			return
		}
	}
}

// FindHole returns the lowest base address >= from such that
// [base, base+size) lies inside within, is aligned to align (a power of 2)
// and does not overlap any range in the tree.
func (t *RangeTree) FindHole(within VirtualRange, size, align, from uintptr) (uintptr, bool) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, false
	}
	if from < within.Base {
		from = within.Base
	}

	alignUp := func(addr uintptr) uintptr { return (addr + align - 1) &^ (align - 1) }
	candidate := alignUp(from)

	// Skip over the range that contains the starting point, if any.
	index := t.indexAfter(candidate)
	if index > 0 && t.nodes[index-1].rng.End() > candidate {
		candidate = alignUp(t.nodes[index-1].rng.End())
	}

	for {
		if candidate < from || candidate+size < candidate || candidate+size > within.End() {
			return 0, false
		}

		if index == len(t.nodes) || candidate+size <= t.nodes[index].rng.Base {
			return candidate, true
		}

		candidate = alignUp(t.nodes[index].rng.End())
		index++
	}
}
