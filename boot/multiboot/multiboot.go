// Package multiboot decodes the multiboot2 information block passed to the
// kernel by the boot loader.
package multiboot

import (
	"encoding/binary"
	"gophermm/boot"
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"unsafe"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
	tagEFI32
	tagEFI64
	tagSMBIOS
	tagACPIOld
	tagACPINew
	tagNetwork
	tagEFIMemoryMap
)

const (
	infoHeaderSize = 8
	tagHeaderSize  = 8

	// Size of a memory map entry: base (8), length (8), type (4),
	// reserved (4).
	mmapEntrySize = 24

	elfSection64Size = 64
)

// MemoryEntryType defines the type of a memory map entry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates defective memory.
	MemBad
)

var (
	// ErrTruncated is returned when a tag or memory map entry extends past
	// the end of the supplied data.
	ErrTruncated = &kernel.Error{Module: "multiboot", Message: "truncated multiboot information"}

	// ErrNoMemoryMap is returned by Parse when neither a memory map tag nor
	// an EFI memory map tag is present.
	ErrNoMemoryMap = &kernel.Error{Module: "multiboot", Message: "no memory map provided by the boot loader"}

	// memoryAtFn exposes size bytes of memory at addr. The ELF section
	// string table is referenced by address rather than embedded in the
	// information block. Tests override it.
	memoryAtFn = func(addr uintptr, size uint64) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	}
)

// tag is one multiboot2 information tag with its header stripped.
type tag struct {
	tagType tagType
	payload []byte
}

// visitTags invokes visitor for each tag in data until the end tag is
// reached.
func visitTags(data []byte, visitor func(tag) *kernel.Error) *kernel.Error {
	if len(data) < infoHeaderSize {
		return ErrTruncated
	}

	totalSize := int(binary.LittleEndian.Uint32(data))
	if totalSize < infoHeaderSize || totalSize > len(data) {
		return ErrTruncated
	}
	data = data[:totalSize]

	// Tags start at 8-byte aligned offsets
	for offset := infoHeaderSize; offset+tagHeaderSize <= len(data); {
		tType := tagType(binary.LittleEndian.Uint32(data[offset:]))
		size := int(binary.LittleEndian.Uint32(data[offset+4:]))

		if tType == tagMbSectionEnd {
			return nil
		}
		if size < tagHeaderSize || offset+size > len(data) {
			return ErrTruncated
		}

		if err := visitor(tag{tType, data[offset+tagHeaderSize : offset+size]}); err != nil {
			return err
		}

		offset += (size + 7) &^ 7
	}

	return ErrTruncated
}

// Parse decodes the multiboot2 information block in data. The memory map is
// taken from the EFI memory map tag when present and from the legacy memory
// map tag otherwise. Kernel image boundaries and SMBIOS location are not part
// of the information block and are left for the caller to fill in.
func Parse(data []byte) (*boot.Info, *kernel.Error) {
	var (
		info      = &boot.Info{CmdLine: map[string]string{}}
		legacyMap []byte
		efiMap    []byte
		efiStride uint32
	)

	err := visitTags(data, func(t tag) *kernel.Error {
		switch t.tagType {
		case tagBootCmdLine:
			info.CmdLine = boot.ParseCmdLine(cString(t.payload))
		case tagModules:
			if len(t.payload) < 8 {
				return ErrTruncated
			}
			info.Modules = append(info.Modules, boot.Module{
				Start:   uint64(binary.LittleEndian.Uint32(t.payload)),
				End:     uint64(binary.LittleEndian.Uint32(t.payload[4:])),
				CmdLine: cString(t.payload[8:]),
			})
		case tagMemoryMap:
			legacyMap = t.payload
		case tagEFIMemoryMap:
			if len(t.payload) < 8 {
				return ErrTruncated
			}
			efiStride = binary.LittleEndian.Uint32(t.payload)
			efiMap = t.payload[8:]
		case tagFramebufferInfo:
			fb, err := parseFramebuffer(t.payload)
			if err != nil {
				return err
			}
			info.Framebuffer = fb
		case tagElfSymbols:
			sections, err := parseElfSections(t.payload)
			if err != nil {
				return err
			}
			info.ElfSections = sections
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case efiMap != nil:
		info.Method = boot.MethodEFI
		info.MemoryMap = efiMap
		info.EFIDescriptorSize = efiStride
	case legacyMap != nil:
		info.Method = boot.MethodMultiboot
		info.MemoryMap = legacyMap
	default:
		return nil, ErrNoMemoryMap
	}

	return info, nil
}

// ParseMemoryMap translates the payload of a multiboot2 memory map tag into
// physical ranges. Entry types without a known mapping are reported as
// mm.PhysicalRangeUnknown.
func ParseMemoryMap(payload []byte) ([]mm.PhysicalRange, *kernel.Error) {
	if len(payload) < 8 {
		return nil, ErrTruncated
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize {
		return nil, ErrTruncated
	}

	var ranges []mm.PhysicalRange
	for entries := payload[8:]; len(entries) != 0; entries = entries[entrySize:] {
		if len(entries) < entrySize {
			return nil, ErrTruncated
		}

		ranges = append(ranges, mm.PhysicalRange{
			Start:  binary.LittleEndian.Uint64(entries),
			Length: binary.LittleEndian.Uint64(entries[8:]),
			Type:   rangeType(MemoryEntryType(binary.LittleEndian.Uint32(entries[16:]))),
		})
	}

	return ranges, nil
}

func rangeType(t MemoryEntryType) mm.PhysicalRangeType {
	switch t {
	case MemAvailable:
		return mm.PhysicalRangeUsable
	case MemReserved:
		return mm.PhysicalRangeReserved
	case MemAcpiReclaimable:
		return mm.PhysicalRangeACPIReclaimable
	case MemNvs:
		return mm.PhysicalRangeACPINVS
	case MemBad:
		return mm.PhysicalRangeBad
	default:
		return mm.PhysicalRangeUnknown
	}
}

// parseFramebuffer decodes the common part of the framebuffer tag: address
// (8), pitch (4), width (4), height (4) and bpp (1).
func parseFramebuffer(payload []byte) (*boot.Framebuffer, *kernel.Error) {
	if len(payload) < 21 {
		return nil, ErrTruncated
	}

	return &boot.Framebuffer{
		PhysAddr: binary.LittleEndian.Uint64(payload),
		Pitch:    binary.LittleEndian.Uint32(payload[8:]),
		Width:    binary.LittleEndian.Uint32(payload[12:]),
		Height:   binary.LittleEndian.Uint32(payload[16:]),
		Bpp:      payload[20],
	}, nil
}

// parseElfSections decodes the ELF section header tag. The tag holds the
// section count (4), the section header size (4) and the index of the string
// table section (4), followed by the 64-bit section headers.
func parseElfSections(payload []byte) ([]boot.ElfSection, *kernel.Error) {
	if len(payload) < 12 {
		return nil, ErrTruncated
	}

	var (
		count    = int(binary.LittleEndian.Uint32(payload))
		stride   = int(binary.LittleEndian.Uint32(payload[4:]))
		strIndex = int(binary.LittleEndian.Uint32(payload[8:]))
		headers  = payload[12:]
	)

	if stride < elfSection64Size || count*stride > len(headers) || strIndex >= count {
		return nil, ErrTruncated
	}

	strTab := headers[strIndex*stride:]
	strTabData := memoryAtFn(
		uintptr(binary.LittleEndian.Uint64(strTab[16:])),
		binary.LittleEndian.Uint64(strTab[32:]),
	)

	var sections []boot.ElfSection
	for i := 0; i < count; i++ {
		hdr := headers[i*stride:]
		size := binary.LittleEndian.Uint64(hdr[32:])
		if size == 0 {
			continue
		}

		var name string
		if nameIndex := int(binary.LittleEndian.Uint32(hdr)); nameIndex < len(strTabData) {
			name = cString(strTabData[nameIndex:])
		}

		sections = append(sections, boot.ElfSection{
			Name:    name,
			Flags:   boot.ElfSectionFlag(binary.LittleEndian.Uint64(hdr[8:])),
			Address: uintptr(binary.LittleEndian.Uint64(hdr[16:])),
			Size:    size,
		})
	}

	return sections, nil
}

// cString returns the NULL-terminated string at the start of b.
func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
