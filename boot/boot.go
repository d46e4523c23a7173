// Package boot describes the information the boot shim hands over to the
// memory manager: how the machine was booted, the raw firmware memory map,
// where the kernel image and boot modules live and the kernel command line.
package boot

// Method identifies the firmware interface used to boot the kernel and thus
// the format of Info.MemoryMap.
type Method uint8

const (
	// MethodMultiboot means that MemoryMap holds the payload of a
	// multiboot2 memory map tag (legacy e820-style entries).
	MethodMultiboot Method = iota

	// MethodEFI means that MemoryMap holds an array of UEFI memory
	// descriptors, each EFIDescriptorSize bytes long.
	MethodEFI

	// MethodDeviceTree means that MemoryMap holds a flattened device tree
	// blob.
	MethodDeviceTree
)

// Module describes a file loaded into memory by the boot loader.
type Module struct {
	Start, End uint64
	CmdLine    string
}

// Framebuffer describes the framebuffer set up by the firmware.
type Framebuffer struct {
	PhysAddr      uint64
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

// Size returns the number of bytes spanned by the framebuffer.
func (fb *Framebuffer) Size() uint64 {
	return uint64(fb.Pitch) * uint64(fb.Height)
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSection describes a section of the loaded kernel image.
type ElfSection struct {
	Name    string
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64
}

// Info is the boot information consumed by the memory manager.
type Info struct {
	Method Method

	// MemoryMap holds the raw firmware memory map in the format selected
	// by Method.
	MemoryMap []byte

	// EFIDescriptorSize is the stride of the UEFI descriptor array. It is
	// only meaningful when Method is MethodEFI.
	EFIDescriptorSize uint32

	// Physical boundaries of the loaded kernel image.
	KernelStart, KernelEnd uint64

	Modules []Module

	// Framebuffer is nil if no framebuffer was set up.
	Framebuffer *Framebuffer

	// Physical location of the SMBIOS tables; zero length if absent.
	SMBIOSStart, SMBIOSLength uint64

	ElfSections []ElfSection

	// CmdLine holds the key/value pairs of the kernel command line. Bare
	// keys map to themselves.
	CmdLine map[string]string
}

var activeInfo *Info

// SetInfo makes info the boot information returned by ActiveInfo and
// consulted by Option.
func SetInfo(info *Info) {
	activeInfo = info
}

// ActiveInfo returns the boot information registered with SetInfo.
func ActiveInfo() *Info {
	return activeInfo
}
