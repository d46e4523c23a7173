package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold s bytes.
func (s Size) Pages() uint64 {
	return (uint64(s) + uint64(PageSize) - 1) >> PageShift
}

// PageAlignUp rounds addr up to the next page boundary.
func PageAlignUp(addr uint64) uint64 {
	return (addr + uint64(PageSize) - 1) &^ (uint64(PageSize) - 1)
}

// PageAlignDown rounds addr down to the page boundary below it.
func PageAlignDown(addr uint64) uint64 {
	return addr &^ (uint64(PageSize) - 1)
}
