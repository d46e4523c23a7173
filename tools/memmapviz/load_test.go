package main

import (
	"encoding/binary"
	"gophermm/boot"
	"gophermm/boot/efi"
	"gophermm/boot/multiboot"
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"testing"

	"github.com/pkg/errors"
)

const testEFIStride = 48

// testEFIMap returns a UEFI descriptor array with a usable low memory range,
// a reserved hole and 1 MiB of usable memory above it.
func testEFIMap() []byte {
	descs := [][3]uint64{
		{uint64(efi.ConventionalMemory), 0, 0xa0},
		{uint64(efi.ReservedMemoryType), 0xa0000, 0x60},
		{uint64(efi.ConventionalMemory), 0x100000, 0x100},
	}

	data := make([]byte, len(descs)*testEFIStride)
	for i, d := range descs {
		entry := data[i*testEFIStride:]
		binary.LittleEndian.PutUint32(entry, uint32(d[0]))
		binary.LittleEndian.PutUint64(entry[8:], d[1])
		binary.LittleEndian.PutUint64(entry[24:], d[2])
	}
	return data
}

// testMultibootBlock returns a multiboot2 information block holding a single
// available memory map entry.
func testMultibootBlock() []byte {
	var block []byte
	put32 := func(v uint32) { block = binary.LittleEndian.AppendUint32(block, v) }
	put64 := func(v uint64) { block = binary.LittleEndian.AppendUint64(block, v) }

	put32(0)
	put32(0)

	put32(6)
	put32(8 + 8 + 24)
	put32(24)
	put32(0)
	put64(0x100000)
	put64(0x400000)
	put32(1)
	put32(0)

	put32(0)
	put32(8)

	binary.LittleEndian.PutUint32(block, uint32(len(block)))
	return block
}

func TestLoadBootInfo(t *testing.T) {
	specs := []struct {
		data      []byte
		format    string
		stride    uint32
		expMethod boot.Method
		expCause  error
		expErr    bool
	}{
		{testMultibootBlock(), "multiboot", 0, boot.MethodMultiboot, nil, false},
		{[]byte{1, 2}, "multiboot", 0, 0, multiboot.ErrTruncated, true},
		{testEFIMap(), "efi", testEFIStride, boot.MethodEFI, nil, false},
		{testEFIMap(), "efi", 0, 0, nil, true},
		{[]byte{0xd0, 0x0d, 0xfe, 0xed}, "fdt", 0, boot.MethodDeviceTree, nil, false},
		{nil, "e820", 0, 0, nil, true},
	}

	for specIndex, spec := range specs {
		info, err := loadBootInfo(spec.data, spec.format, spec.stride)
		if gotErr := err != nil; gotErr != spec.expErr {
			t.Errorf("[spec %d] expected error: %t; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err != nil {
			if spec.expCause != nil && errors.Cause(err) != spec.expCause {
				t.Errorf("[spec %d] expected cause %v; got %v", specIndex, spec.expCause, errors.Cause(err))
			}
			continue
		}
		if info.Method != spec.expMethod {
			t.Errorf("[spec %d] expected method %d; got %d", specIndex, spec.expMethod, info.Method)
		}
	}
}

func TestIngest(t *testing.T) {
	info, err := loadBootInfo(testEFIMap(), "efi", testEFIStride)
	if err != nil {
		t.Fatal(err)
	}
	info.KernelStart, info.KernelEnd = 0x100000, 0x180000
	info.Framebuffer = &boot.Framebuffer{PhysAddr: 0xfd000000, Pitch: 4096, Width: 1024, Height: 768, Bpp: 32}

	s, err := ingest(info)
	if err != nil {
		t.Fatal(err)
	}

	if len(s.physical) != 3 {
		t.Fatalf("expected 3 physical ranges; got %+v", s.physical)
	}
	if len(s.used) != 1 || s.used[0].Reason != mm.UsedByKernelImage {
		t.Fatalf("expected the kernel image to be the only used range; got %+v", s.used)
	}
	if exp := (mm.PhysicalRange{Start: 0xfd000000, Length: 4096 * 768, Type: mm.PhysicalRangeReserved}); s.framebuffer != exp {
		t.Fatalf("expected framebuffer %+v; got %+v", exp, s.framebuffer)
	}

	expRegions := []regionSpan{
		{start: 0, end: 0xa0000, free: 0xa0},
		{start: 0x180000, end: 0x200000, free: 0x80},
	}
	if len(s.regions) != len(expRegions) {
		t.Fatalf("expected %d regions; got %+v", len(expRegions), s.regions)
	}
	for i, exp := range expRegions {
		if s.regions[i] != exp {
			t.Errorf("[region %d] expected %+v; got %+v", i, exp, s.regions[i])
		}
	}

	if s.memory.PhysicalPages != 0x120 || s.memory.PhysicalPagesUncommitted != 0x120 {
		t.Errorf("unexpected memory counters %+v", s.memory)
	}
}

func TestIngestErrors(t *testing.T) {
	info, err := loadBootInfo(make([]byte, 64), "efi", 32)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = ingest(info); errors.Cause(err) != efi.ErrBadDescriptorSize {
		t.Fatalf("expected ErrBadDescriptorSize; got %v", err)
	}

	defer func(origInit func(*boot.Info) *kernel.Error) {
		pmmInitFn = origInit
	}(pmmInitFn)

	initErr := &kernel.Error{Module: "test", Message: "init failed"}
	pmmInitFn = func(*boot.Info) *kernel.Error { return initErr }
	if _, err = ingest(&boot.Info{}); errors.Cause(err) != initErr {
		t.Fatalf("expected the init error to be wrapped; got %v", err)
	}

	if wrapKernelError(nil, "nothing") != nil {
		t.Fatal("expected a nil kernel error to stay nil")
	}
}
