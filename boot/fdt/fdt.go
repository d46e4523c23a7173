// Package fdt extracts the physical memory layout from a flattened device
// tree blob: the /memory nodes, the memory reservation block and the children
// of /reserved-memory.
package fdt

import (
	"encoding/binary"
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"sort"
	"strings"
)

const (
	fdtMagic = 0xd00dfeed

	fdtBeginNode = 1
	fdtEndNode   = 2
	fdtProp      = 3
	fdtNop       = 4
	fdtEnd       = 9

	headerSize = 40

	// Cell counts assumed by the devicetree format when a node omits
	// #address-cells / #size-cells.
	defaultAddressCells = 2
	defaultSizeCells    = 1

	maxDepth = 32
)

var (
	// ErrBadMagic is returned when the blob does not start with the FDT
	// magic value.
	ErrBadMagic = &kernel.Error{Module: "fdt", Message: "bad device tree magic"}

	// ErrMalformed is returned when the structure block cannot be decoded.
	ErrMalformed = &kernel.Error{Module: "fdt", Message: "malformed device tree"}
)

type header struct {
	totalSize   uint32
	offStruct   uint32
	offStrings  uint32
	offMemRsv   uint32
	sizeStrings uint32
	sizeStruct  uint32
}

func parseHeader(blob []byte) (header, *kernel.Error) {
	if len(blob) < headerSize {
		return header{}, ErrMalformed
	}
	if binary.BigEndian.Uint32(blob) != fdtMagic {
		return header{}, ErrBadMagic
	}

	hdr := header{
		totalSize:   binary.BigEndian.Uint32(blob[4:]),
		offStruct:   binary.BigEndian.Uint32(blob[8:]),
		offStrings:  binary.BigEndian.Uint32(blob[12:]),
		offMemRsv:   binary.BigEndian.Uint32(blob[16:]),
		sizeStrings: binary.BigEndian.Uint32(blob[32:]),
		sizeStruct:  binary.BigEndian.Uint32(blob[36:]),
	}

	switch size := uint64(len(blob)); {
	case uint64(hdr.totalSize) > size,
		uint64(hdr.offStruct)+uint64(hdr.sizeStruct) > size,
		uint64(hdr.offStrings)+uint64(hdr.sizeStrings) > size,
		uint64(hdr.offMemRsv) > size:
		return header{}, ErrMalformed
	}

	return hdr, nil
}

// node tracks the state of a node while its properties are scanned.
type node struct {
	name                    string
	addressCells, sizeCells int
	reg                     []byte
	isMemory                bool
}

// ParseMemoryMap returns the usable memory described by the /memory nodes
// and the reserved memory described by the reservation block and
// /reserved-memory, sorted by start address. The device tree does not
// guarantee any ordering of these entries.
func ParseMemoryMap(blob []byte) ([]mm.PhysicalRange, *kernel.Error) {
	hdr, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}

	ranges, err := parseReservations(blob[hdr.offMemRsv:])
	if err != nil {
		return nil, err
	}

	var (
		structBlock = blob[hdr.offStruct : hdr.offStruct+hdr.sizeStruct]
		stringBlock = blob[hdr.offStrings : hdr.offStrings+hdr.sizeStrings]
		stack       [maxDepth]node
		depth       = -1
	)

	for offset := 0; ; {
		if offset+4 > len(structBlock) {
			return nil, ErrMalformed
		}
		token := binary.BigEndian.Uint32(structBlock[offset:])
		offset += 4

		switch token {
		case fdtBeginNode:
			if depth++; depth == maxDepth {
				return nil, ErrMalformed
			}
			name := cString(structBlock[offset:])
			offset = align4(offset + len(name) + 1)

			stack[depth] = node{name: name, addressCells: defaultAddressCells, sizeCells: defaultSizeCells}
		case fdtEndNode:
			if depth < 0 {
				return nil, ErrMalformed
			}
			if depth > 0 {
				if rangeType, ok := classify(stack[:depth+1]); ok {
					parent := &stack[depth-1]
					regRanges, err := decodeReg(stack[depth].reg, parent.addressCells, parent.sizeCells, rangeType)
					if err != nil {
						return nil, err
					}
					ranges = append(ranges, regRanges...)
				}
			}
			depth--
		case fdtProp:
			if depth < 0 || offset+8 > len(structBlock) {
				return nil, ErrMalformed
			}
			valueLen := int(binary.BigEndian.Uint32(structBlock[offset:]))
			nameOff := int(binary.BigEndian.Uint32(structBlock[offset+4:]))
			offset += 8
			if offset+valueLen > len(structBlock) || nameOff >= len(stringBlock) {
				return nil, ErrMalformed
			}
			value := structBlock[offset : offset+valueLen]
			offset = align4(offset + valueLen)

			cur := &stack[depth]
			switch cString(stringBlock[nameOff:]) {
			case "#address-cells":
				cur.addressCells = int(be32(value))
			case "#size-cells":
				cur.sizeCells = int(be32(value))
			case "reg":
				cur.reg = value
			case "device_type":
				cur.isMemory = cString(value) == "memory"
			}
		case fdtNop:
		case fdtEnd:
			sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
			return ranges, nil
		default:
			return nil, ErrMalformed
		}
	}
}

// classify decides whether the reg property of the innermost node in path
// describes usable or reserved memory.
func classify(path []node) (mm.PhysicalRangeType, bool) {
	cur := path[len(path)-1]
	switch len(path) {
	case 2:
		if cur.isMemory || cur.name == "memory" || strings.HasPrefix(cur.name, "memory@") {
			return mm.PhysicalRangeUsable, true
		}
	case 3:
		if parent := path[1].name; parent == "reserved-memory" || strings.HasPrefix(parent, "reserved-memory@") {
			return mm.PhysicalRangeReserved, true
		}
	}
	return 0, false
}

// decodeReg splits a reg property into (address, size) pairs.
func decodeReg(reg []byte, addressCells, sizeCells int, rangeType mm.PhysicalRangeType) ([]mm.PhysicalRange, *kernel.Error) {
	if addressCells < 1 || addressCells > 2 || sizeCells < 1 || sizeCells > 2 {
		return nil, ErrMalformed
	}

	entrySize := 4 * (addressCells + sizeCells)
	if len(reg)%entrySize != 0 {
		return nil, ErrMalformed
	}

	var ranges []mm.PhysicalRange
	for ; len(reg) != 0; reg = reg[entrySize:] {
		r := mm.PhysicalRange{
			Start:  readCells(reg, addressCells),
			Length: readCells(reg[4*addressCells:], sizeCells),
			Type:   rangeType,
		}
		if r.Length != 0 {
			ranges = append(ranges, r)
		}
	}
	return ranges, nil
}

// parseReservations decodes the memory reservation block: (address, size)
// pairs of 64-bit values terminated by an all-zero entry.
func parseReservations(block []byte) ([]mm.PhysicalRange, *kernel.Error) {
	var ranges []mm.PhysicalRange
	for ; ; block = block[16:] {
		if len(block) < 16 {
			return nil, ErrMalformed
		}

		addr, size := binary.BigEndian.Uint64(block), binary.BigEndian.Uint64(block[8:])
		if addr == 0 && size == 0 {
			return ranges, nil
		}
		ranges = append(ranges, mm.PhysicalRange{Start: addr, Length: size, Type: mm.PhysicalRangeReserved})
	}
}

func readCells(b []byte, cells int) uint64 {
	if cells == 2 {
		return binary.BigEndian.Uint64(b)
	}
	return uint64(binary.BigEndian.Uint32(b))
}

func be32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func align4(offset int) int {
	return (offset + 3) &^ 3
}

func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
