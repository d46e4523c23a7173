// Package kernel holds the primitives shared by every memory manager package:
// the allocation-free error type and raw memory helpers.
package kernel

// Error is returned by memory manager operations. Errors are declared as
// package-level *Error values and compared by identity, so reporting one
// never needs the Go allocator.
type Error struct {
	// Module names the package that raised the error, e.g. "pmm".
	Module string

	Message string
}

// Error implements the error interface. The module tag is only added here,
// for the benefit of hosted callers such as tools; kernel code formats Module
// and Message itself.
func (e *Error) Error() string {
	if e.Module == "" {
		return e.Message
	}
	return e.Module + ": " + e.Message
}
