// Package efi decodes the UEFI memory map returned by GetMemoryMap.
package efi

import (
	"encoding/binary"
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// MemoryType is the Type field of a UEFI memory descriptor.
type MemoryType uint32

// nolint
const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	maxMemoryType
)

const (
	// minDescriptorSize covers Type (4), padding (4), PhysicalStart (8),
	// VirtualStart (8), NumberOfPages (8) and Attribute (8). Firmware may
	// report a larger stride.
	minDescriptorSize = 40

	// UEFI pages are always 4 KiB regardless of the kernel page size.
	efiPageShift = 12
)

var (
	// ErrBadDescriptorSize is returned when the descriptor stride is smaller
	// than a UEFI memory descriptor.
	ErrBadDescriptorSize = &kernel.Error{Module: "efi", Message: "invalid memory descriptor size"}

	// ErrTruncated is returned when the descriptor array is not a multiple
	// of the descriptor stride.
	ErrTruncated = &kernel.Error{Module: "efi", Message: "truncated memory descriptor array"}
)

// rangeType maps a UEFI memory type to the physical range classification.
// Memory used by the boot loader and boot services is free once the kernel
// has taken over; the parts of it that are still needed (kernel image,
// modules) are covered by used ranges.
func rangeType(t MemoryType) mm.PhysicalRangeType {
	switch t {
	case ConventionalMemory, LoaderCode, LoaderData, BootServicesCode, BootServicesData:
		return mm.PhysicalRangeUsable
	case UnusableMemory:
		return mm.PhysicalRangeBad
	case ACPIReclaimMemory:
		return mm.PhysicalRangeACPIReclaimable
	case ACPIMemoryNVS:
		return mm.PhysicalRangeACPINVS
	case ReservedMemoryType, RuntimeServicesCode, RuntimeServicesData,
		MemoryMappedIO, MemoryMappedIOPortSpace, PalCode, PersistentMemory:
		return mm.PhysicalRangeReserved
	default:
		return mm.PhysicalRangeUnknown
	}
}

// ParseMemoryMap translates an array of UEFI memory descriptors, each
// descriptorSize bytes long, into physical ranges. Consecutive descriptors
// that are physically adjacent and map to the same range type are merged.
func ParseMemoryMap(descriptors []byte, descriptorSize uint32) ([]mm.PhysicalRange, *kernel.Error) {
	stride := int(descriptorSize)
	if stride < minDescriptorSize {
		return nil, ErrBadDescriptorSize
	}
	if len(descriptors)%stride != 0 {
		return nil, ErrTruncated
	}

	var ranges []mm.PhysicalRange
	for offset := 0; offset < len(descriptors); offset += stride {
		desc := descriptors[offset:]
		r := mm.PhysicalRange{
			Type:   rangeType(MemoryType(binary.LittleEndian.Uint32(desc))),
			Start:  binary.LittleEndian.Uint64(desc[8:]),
			Length: binary.LittleEndian.Uint64(desc[24:]) << efiPageShift,
		}
		if r.Length == 0 {
			continue
		}

		if last := len(ranges) - 1; last >= 0 && ranges[last].Type == r.Type && ranges[last].End() == r.Start {
			ranges[last].Length += r.Length
			continue
		}
		ranges = append(ranges, r)
	}

	return ranges, nil
}
