// Package pmm manages physical memory: it turns the firmware memory map into
// physical regions with free page pools, keeps the page frame database and
// the system memory counters and implements page commitment.
package pmm

import (
	"gophermm/boot"
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var log = kfmt.Logger{Module: "pmm"}

// Init ingests the boot memory map described by info, builds the physical
// regions and registers the physical allocator as the frame source for new
// page tables.
func Init(info *boot.Info) *kernel.Error {
	ranges, err := parsePhysicalRanges(info)
	if err != nil {
		return err
	}

	var fb mm.PhysicalRange
	if info.Framebuffer != nil {
		fb = mm.PhysicalRange{Start: info.Framebuffer.PhysAddr, Length: info.Framebuffer.Size(), Type: mm.PhysicalRangeReserved}
	}

	InitFromRanges(ranges, collectUsedRanges(info), fb)
	printMemoryMap()

	mm.SetFrameAllocator(allocTableFrame)
	mm.SetFrameReleaser(FreePhysicalPage)
	return nil
}

// InitFromRanges populates the global data from an already parsed memory map.
// All pages of the resulting regions start out uncommitted.
func InitFromRanges(ranges []mm.PhysicalRange, used []mm.UsedRange, framebuffer mm.PhysicalRange) {
	ranges = normalizeRanges(ranges)
	regions := buildRegions(ranges, used)

	WithGlobalData(func(g *GlobalData) {
		g.PhysicalRanges = ranges
		g.UsedRanges = used
		g.Regions = regions
		g.Framebuffer = framebuffer

		free := g.freePages()
		g.Memory = SystemMemoryInfo{
			PhysicalPages:            free,
			PhysicalPagesUncommitted: free,
		}
	})
}

// HighestPhysicalAddress returns the end of the highest physical range or of
// the framebuffer, whichever is higher.
func HighestPhysicalAddress() uint64 {
	var highest uint64
	WithGlobalData(func(g *GlobalData) {
		for _, r := range g.PhysicalRanges {
			if r.End() > highest {
				highest = r.End()
			}
		}
		if g.Framebuffer.Length != 0 && g.Framebuffer.End() > highest {
			highest = g.Framebuffer.End()
		}
	})
	return highest
}

// CarvePages permanently removes n frames from the first physical region that
// is large enough and has not handed out any frame yet. The carved frames
// are recorded as a UsedByPhysicalPages used range and removed from the
// system memory counters. It is used while bootstrapping the page frame
// database, before any allocator exists.
func CarvePages(n uint64) (mm.Frame, *kernel.Error) {
	var (
		frame = mm.InvalidFrame
		err   = ErrNoRegionForCarve
	)

	WithGlobalData(func(g *GlobalData) {
		for index, r := range g.Regions {
			if r.Count() < n || r.FreePages() != r.Count() {
				continue
			}

			frame = r.Start()
			if r.Count() == n {
				g.Regions = append(g.Regions[:index], g.Regions[index+1:]...)
			} else {
				g.Regions[index] = newPhysicalRegion(r.Start()+mm.Frame(n), r.Count()-n)
			}

			g.UsedRanges = append(g.UsedRanges, mm.UsedRange{
				Start:  uint64(frame.Address()),
				End:    uint64((frame + mm.Frame(n)).Address()),
				Reason: mm.UsedByPhysicalPages,
			})
			g.Memory.remove(n)
			err = nil
			return
		}
	})

	return frame, err
}

// allocTableFrame is registered with mm.SetFrameAllocator. Page tables are
// always handed out zeroed.
func allocTableFrame() (mm.Frame, *kernel.Error) {
	return AllocatePhysicalPage(true)
}

// printMemoryMap dumps the ingested memory map, the used ranges and the
// resulting regions.
func printMemoryMap() {
	WithGlobalData(func(g *GlobalData) {
		log.Printf("physical memory map:\n")
		for _, r := range g.PhysicalRanges {
			log.Printf("  [0x%10x - 0x%10x] size: %12d %s\n", r.Start, r.End(), r.Length, r.Type.String())
		}

		for _, u := range g.UsedRanges {
			log.Printf("  used [0x%10x - 0x%10x] %s\n", u.Start, u.End, u.Reason.String())
		}

		log.Printf("%d regions, %d free pages (%d Kb)\n",
			len(g.Regions),
			g.Memory.PhysicalPagesUncommitted,
			uint64(mm.Size(g.Memory.PhysicalPagesUncommitted<<mm.PageShift)/mm.Kb),
		)
	})
}
