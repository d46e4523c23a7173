package mm

// VirtualRange is a half-open range [Base, Base+Size) of virtual addresses.
type VirtualRange struct {
	Base uintptr
	Size uintptr
}

// End returns the first address past the range.
func (r VirtualRange) End() uintptr {
	return r.Base + r.Size
}

// Contains returns true if addr lies inside the range.
func (r VirtualRange) Contains(addr uintptr) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Overlaps returns true if the two ranges share at least one address.
func (r VirtualRange) Overlaps(other VirtualRange) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// PageCount returns the number of pages spanned by the range.
func (r VirtualRange) PageCount() uintptr {
	return (r.Size + PageSize - 1) >> PageShift
}
