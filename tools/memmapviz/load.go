package main

import (
	"gophermm/boot"
	"gophermm/boot/multiboot"
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"

	"github.com/pkg/errors"
)

// loadBootInfo wraps a captured firmware memory map into the boot information
// consumed by the physical memory manager. Multiboot captures hold a complete
// multiboot2 information block; efi and fdt captures hold the raw
// descriptor array or device tree blob.
func loadBootInfo(data []byte, format string, efiStride uint32) (*boot.Info, error) {
	switch format {
	case "multiboot":
		info, err := multiboot.Parse(data)
		if err != nil {
			return nil, errors.Wrap(err, "decoding multiboot information block")
		}
		return info, nil
	case "efi":
		if efiStride == 0 {
			return nil, errors.New("efi captures require a non-zero descriptor stride")
		}
		return &boot.Info{Method: boot.MethodEFI, MemoryMap: data, EFIDescriptorSize: efiStride}, nil
	case "fdt":
		return &boot.Info{Method: boot.MethodDeviceTree, MemoryMap: data}, nil
	default:
		return nil, errors.Errorf("unknown memory map format %q", format)
	}
}

// regionSpan is a copy of a physical region taken after ingestion.
type regionSpan struct {
	start, end uint64
	free       uint64
}

// snapshot holds the state of the physical memory manager after ingesting a
// memory map.
type snapshot struct {
	physical    []mm.PhysicalRange
	used        []mm.UsedRange
	regions     []regionSpan
	framebuffer mm.PhysicalRange
	memory      pmm.SystemMemoryInfo
}

var pmmInitFn = pmm.Init

// ingest runs the physical memory manager initialization for info and copies
// out the resulting ranges and regions.
func ingest(info *boot.Info) (*snapshot, error) {
	if err := pmmInitFn(info); err != nil {
		return nil, wrapKernelError(err, "ingesting memory map")
	}

	s := new(snapshot)
	pmm.WithGlobalData(func(g *pmm.GlobalData) {
		s.physical = append(s.physical, g.PhysicalRanges...)
		s.used = append(s.used, g.UsedRanges...)
		for _, r := range g.Regions {
			s.regions = append(s.regions, regionSpan{
				start: uint64(r.Start().Address()),
				end:   uint64(r.End().Address()),
				free:  r.FreePages(),
			})
		}
		s.framebuffer = g.Framebuffer
		s.memory = g.Memory
	})

	return s, nil
}

// wrapKernelError converts a kernel error into a wrapped error value, keeping
// a nil *kernel.Error from turning into a non-nil error interface.
func wrapKernelError(err *kernel.Error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
