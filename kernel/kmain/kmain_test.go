package kmain

import (
	"encoding/binary"
	"gophermm/boot"
	"gophermm/boot/multiboot"
	"gophermm/kernel"
	"testing"
)

// infoBlock returns a multiboot2 information block with a command line and a
// memory map holding a single available range.
func infoBlock() []byte {
	var block []byte
	put32 := func(v uint32) { block = binary.LittleEndian.AppendUint32(block, v) }
	put64 := func(v uint64) { block = binary.LittleEndian.AppendUint64(block, v) }

	// Header; the total size is patched below.
	put32(0)
	put32(0)

	// Boot command line.
	cmdLine := "mm.randomize=on\x00"
	put32(1)
	put32(uint32(8 + len(cmdLine)))
	block = append(block, cmdLine...)
	for len(block)%8 != 0 {
		block = append(block, 0)
	}

	// Memory map with one available entry.
	put32(6)
	put32(8 + 8 + 24)
	put32(24)
	put32(0)
	put64(0x100000)
	put64(0x7ee0000)
	put32(1)
	put32(0)

	// End tag.
	put32(0)
	put32(8)

	binary.LittleEndian.PutUint32(block, uint32(len(block)))
	return block
}

func TestInitMemory(t *testing.T) {
	defer func(origPmmInit, origVmmInit func(*boot.Info) *kernel.Error) {
		pmmInitFn, vmmInitFn = origPmmInit, origVmmInit
		boot.SetInfo(nil)
	}(pmmInitFn, vmmInitFn)

	var calls []string
	pmmInitFn = func(info *boot.Info) *kernel.Error {
		calls = append(calls, "pmm")
		if info.KernelStart != 0x100000 || info.KernelEnd != 0x200000 {
			t.Errorf("expected kernel image bounds to be set; got [0x%x, 0x%x)", info.KernelStart, info.KernelEnd)
		}
		if info.Method != boot.MethodMultiboot || len(info.MemoryMap) != 8+24 {
			t.Errorf("expected the legacy memory map to be selected; got method %d, %d bytes", info.Method, len(info.MemoryMap))
		}
		return nil
	}
	vmmInitFn = func(*boot.Info) *kernel.Error {
		calls = append(calls, "vmm")
		return nil
	}

	if err := initMemory(infoBlock(), 0x100000, 0x200000); err != nil {
		t.Fatal(err)
	}

	if len(calls) != 2 || calls[0] != "pmm" || calls[1] != "vmm" {
		t.Fatalf("expected pmm to be initialized before vmm; got %v", calls)
	}
	if !boot.OptionEnabled("mm.randomize", false) {
		t.Fatal("expected the command line to be published")
	}
}

func TestInitMemoryErrors(t *testing.T) {
	defer func(origPmmInit, origVmmInit func(*boot.Info) *kernel.Error) {
		pmmInitFn, vmmInitFn = origPmmInit, origVmmInit
		boot.SetInfo(nil)
	}(pmmInitFn, vmmInitFn)

	var (
		pmmErr = &kernel.Error{Module: "test", Message: "pmm failed"}
		vmmErr = &kernel.Error{Module: "test", Message: "vmm failed"}
	)

	specs := []struct {
		block          []byte
		pmmErr, vmmErr *kernel.Error
		expErr         *kernel.Error
		expVmmCalled   bool
	}{
		{[]byte{1, 2, 3}, nil, nil, multiboot.ErrTruncated, false},
		{infoBlock(), pmmErr, nil, pmmErr, false},
		{infoBlock(), nil, vmmErr, vmmErr, true},
	}

	for specIndex, spec := range specs {
		vmmCalled := false
		pmmInitFn = func(*boot.Info) *kernel.Error { return spec.pmmErr }
		vmmInitFn = func(*boot.Info) *kernel.Error {
			vmmCalled = true
			return spec.vmmErr
		}

		if err := initMemory(spec.block, 0, 0); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		if vmmCalled != spec.expVmmCalled {
			t.Errorf("[spec %d] expected vmm initialization: %t", specIndex, spec.expVmmCalled)
		}
	}
}

func TestKmain(t *testing.T) {
	defer func(origPmmInit, origVmmInit func(*boot.Info) *kernel.Error, origInfoBlock func(uintptr) []byte, origPanic func(interface{})) {
		pmmInitFn, vmmInitFn, infoBlockFn, panicFn = origPmmInit, origVmmInit, origInfoBlock, origPanic
		boot.SetInfo(nil)
	}(pmmInitFn, vmmInitFn, infoBlockFn, panicFn)

	initErr := &kernel.Error{Module: "test", Message: "no memory"}

	specs := []struct {
		vmmErr    *kernel.Error
		expPanics []*kernel.Error
	}{
		{nil, []*kernel.Error{errKmainReturned}},
		{initErr, []*kernel.Error{initErr, errKmainReturned}},
	}

	for specIndex, spec := range specs {
		var panics []*kernel.Error
		infoBlockFn = func(uintptr) []byte { return infoBlock() }
		pmmInitFn = func(*boot.Info) *kernel.Error { return nil }
		vmmInitFn = func(*boot.Info) *kernel.Error { return spec.vmmErr }
		panicFn = func(e interface{}) { panics = append(panics, e.(*kernel.Error)) }

		Kmain(0xbadf00d, 0x100000, 0x200000)

		if len(panics) != len(spec.expPanics) {
			t.Errorf("[spec %d] expected %d panics; got %d", specIndex, len(spec.expPanics), len(panics))
			continue
		}
		for i, exp := range spec.expPanics {
			if panics[i] != exp {
				t.Errorf("[spec %d] expected panic %d to be %v; got %v", specIndex, i, exp, panics[i])
			}
		}
	}
}
