package pmm

import (
	"gophermm/boot"
	"gophermm/boot/efi"
	"gophermm/boot/fdt"
	"gophermm/boot/multiboot"
	"gophermm/kernel"
	"gophermm/kernel/mm"
	"sort"
)

// firmwareQuirk is the (start, length) signature of a memory map entry that
// is known to be bogus and must be dropped instead of being reserved.
type firmwareQuirk struct {
	start, length uint64
}

// firmwareQuirks is consulted for every entry regardless of its type.
var firmwareQuirks = []firmwareQuirk{
	// QEMU reports the HyperTransport hole of AMD hosts as a 12 GiB
	// reserved range right below 1 TiB, even on guests with much less
	// memory. Keeping it would inflate the page frame database bound.
	{start: 0xfd00000000, length: 0x300000000},
}

var errUnknownBootMethod = &kernel.Error{Module: "pmm", Message: "unsupported boot method"}

// parsePhysicalRanges decodes the raw firmware memory map of info with the
// parser matching the boot method.
func parsePhysicalRanges(info *boot.Info) ([]mm.PhysicalRange, *kernel.Error) {
	switch info.Method {
	case boot.MethodMultiboot:
		return multiboot.ParseMemoryMap(info.MemoryMap)
	case boot.MethodEFI:
		return efi.ParseMemoryMap(info.MemoryMap, info.EFIDescriptorSize)
	case boot.MethodDeviceTree:
		return fdt.ParseMemoryMap(info.MemoryMap)
	default:
		return nil, errUnknownBootMethod
	}
}

func isFirmwareQuirk(r mm.PhysicalRange) bool {
	for _, q := range firmwareQuirks {
		if r.Start == q.start && r.Length == q.length {
			return true
		}
	}
	return false
}

// normalizeRanges drops firmware quirks and empty entries and shrinks usable
// ranges to page boundaries, dropping those left with less than one page.
func normalizeRanges(in []mm.PhysicalRange) []mm.PhysicalRange {
	out := make([]mm.PhysicalRange, 0, len(in))
	for _, r := range in {
		if isFirmwareQuirk(r) {
			log.Printf("ignoring firmware quirk range [0x%x - 0x%x]\n", r.Start, r.End())
			continue
		}

		if r.Type == mm.PhysicalRangeUsable {
			start, end := mm.PageAlignUp(r.Start), mm.PageAlignDown(r.End())
			if end <= start {
				continue
			}
			r.Start, r.Length = start, end-start
		}

		if r.Length != 0 {
			out = append(out, r)
		}
	}

	return out
}

// collectUsedRanges lists the usable memory that the boot environment
// already occupies.
func collectUsedRanges(info *boot.Info) []mm.UsedRange {
	var used []mm.UsedRange

	if info.KernelEnd > info.KernelStart {
		used = append(used, mm.UsedRange{Start: info.KernelStart, End: info.KernelEnd, Reason: mm.UsedByKernelImage})
	}

	for _, mod := range info.Modules {
		if mod.End > mod.Start {
			used = append(used, mm.UsedRange{Start: mod.Start, End: mod.End, Reason: mm.UsedByBootModule})
		}
	}

	if info.SMBIOSLength != 0 {
		used = append(used, mm.UsedRange{Start: info.SMBIOSStart, End: info.SMBIOSStart + info.SMBIOSLength, Reason: mm.UsedBySMBIOS})
	}

	return used
}

// buildRegions walks the usable ranges and excises every overlap with a used
// range or with a non-usable range reported inside them. Each maximal run of
// free frames that remains becomes a PhysicalRegion. The result is sorted by
// start frame and no two regions share a frame.
func buildRegions(ranges []mm.PhysicalRange, used []mm.UsedRange) []*PhysicalRegion {
	var obstacles []mm.UsedRange
	for _, u := range used {
		obstacles = append(obstacles, mm.UsedRange{
			Start:  mm.PageAlignDown(u.Start),
			End:    mm.PageAlignUp(u.End),
			Reason: u.Reason,
		})
	}
	for _, r := range ranges {
		if r.Type != mm.PhysicalRangeUsable {
			obstacles = append(obstacles, mm.UsedRange{
				Start: mm.PageAlignDown(r.Start),
				End:   mm.PageAlignUp(r.End()),
			})
		}
	}
	sort.Slice(obstacles, func(i, j int) bool { return obstacles[i].Start < obstacles[j].Start })

	usable := make([]mm.PhysicalRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Type == mm.PhysicalRangeUsable {
			usable = append(usable, r)
		}
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Start < usable[j].Start })

	var (
		regions []*PhysicalRegion
		covered uint64
	)

	emit := func(start, end uint64) {
		if end > start {
			regions = append(regions, newPhysicalRegion(
				mm.Frame(start>>mm.PageShift),
				(end-start)>>mm.PageShift,
			))
		}
	}

	for _, r := range usable {
		// Overlapping usable entries must not hand out the same frames
		// twice.
		cursor, end := r.Start, r.End()
		if cursor < covered {
			cursor = covered
		}

		for _, o := range obstacles {
			if o.End <= cursor || o.Start >= end {
				continue
			}
			emit(cursor, o.Start)
			if o.End > cursor {
				cursor = o.End
			}
		}

		if cursor < end {
			emit(cursor, end)
			cursor = end
		}
		if cursor > covered {
			covered = cursor
		}
	}

	return regions
}
