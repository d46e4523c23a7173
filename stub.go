package main

import "gophermm/kernel/kmain"

// multibootInfoPtr is filled in by the boot shim before main runs.
var multibootInfoPtr uintptr

// main exists so that the Go toolchain links the kernel packages into the
// image. The boot shim jumps to kmain.Kmain directly; passing a global keeps
// the call from being inlined away.
func main() {
	kmain.Kmain(multibootInfoPtr, 0, 0)
}
