package main

import (
	"fmt"
	"gophermm/kernel/mm"
	"image/color"
)

const (
	marginLeft   = 110.0
	marginRight  = 20.0
	marginTop    = 30.0
	marginBottom = 50.0
	laneHeight   = 48.0
	laneGap      = 16.0
)

// The lanes of the rendered map, top to bottom.
const (
	lanePhysical = iota
	laneUsed
	laneRegions
	laneCount
)

var laneNames = [laneCount]string{"firmware", "used", "regions"}

var (
	rangeColors = map[mm.PhysicalRangeType]color.RGBA{
		mm.PhysicalRangeUsable:          {0x8f, 0xd1, 0x7f, 0xff},
		mm.PhysicalRangeReserved:        {0xb0, 0xb0, 0xb0, 0xff},
		mm.PhysicalRangeACPIReclaimable: {0x7f, 0xb2, 0xe5, 0xff},
		mm.PhysicalRangeACPINVS:         {0x4f, 0x7f, 0xbf, 0xff},
		mm.PhysicalRangeBad:             {0xe0, 0x4f, 0x4f, 0xff},
		mm.PhysicalRangeUnknown:         {0x60, 0x60, 0x60, 0xff},
	}

	usedColors = map[mm.UsedRangeReason]color.RGBA{
		mm.UsedByKernelImage:   {0xf2, 0xa6, 0x3c, 0xff},
		mm.UsedByBootModule:    {0xe5, 0xd1, 0x4f, 0xff},
		mm.UsedBySMBIOS:        {0xbf, 0x7f, 0xbf, 0xff},
		mm.UsedByPhysicalPages: {0xd9, 0x6c, 0x6c, 0xff},
	}

	framebufferColor = color.RGBA{0x9f, 0x6f, 0xdf, 0xff}
	regionColor      = color.RGBA{0x3c, 0xa0, 0x5a, 0xff}
)

// box is a rectangle covering [start, end) of the physical address space in
// one lane.
type box struct {
	lane       int
	start, end uint64
	x, w       float64
	fill       color.RGBA
	label      string
}

// layout positions every range of a snapshot on a linear address axis that
// spans [0, limit).
type layout struct {
	width, height int
	limit         uint64
	boxes         []box
	summary       string
}

// laneY returns the top edge of a lane.
func laneY(lane int) float64 {
	return marginTop + float64(lane)*(laneHeight+laneGap)
}

// buildLayout maps the ranges of s to boxes for an image that is width pixels
// wide. Boxes are never narrower than one pixel so that single pages stay
// visible on large maps.
func buildLayout(s *snapshot, width int) layout {
	l := layout{
		width:  width,
		height: int(laneY(laneCount) - laneGap + marginBottom),
	}

	for _, r := range s.physical {
		if r.End() > l.limit {
			l.limit = r.End()
		}
	}
	if s.framebuffer.Length != 0 && s.framebuffer.End() > l.limit {
		l.limit = s.framebuffer.End()
	}
	if l.limit == 0 {
		l.limit = uint64(mm.PageSize)
	}

	scale := (float64(width) - marginLeft - marginRight) / float64(l.limit)
	add := func(lane int, start, end uint64, fill color.RGBA, label string) {
		b := box{
			lane:  lane,
			start: start,
			end:   end,
			x:     marginLeft + float64(start)*scale,
			w:     float64(end-start) * scale,
			fill:  fill,
			label: label,
		}
		if b.w < 1 {
			b.w = 1
		}
		l.boxes = append(l.boxes, b)
	}

	for _, r := range s.physical {
		add(lanePhysical, r.Start, r.End(), rangeColors[r.Type], r.Type.String())
	}
	if s.framebuffer.Length != 0 {
		add(lanePhysical, s.framebuffer.Start, s.framebuffer.End(), framebufferColor, "framebuffer")
	}
	for _, u := range s.used {
		add(laneUsed, u.Start, u.End, usedColors[u.Reason], u.Reason.String())
	}
	for _, r := range s.regions {
		add(laneRegions, r.start, r.end, regionColor, fmt.Sprintf("%d pages", r.free))
	}

	l.summary = fmt.Sprintf("%d regions, %d pages (%s), %d used ranges",
		len(s.regions),
		s.memory.PhysicalPages,
		formatSize(s.memory.PhysicalPages<<mm.PageShift),
		len(s.used),
	)
	return l
}

// formatSize renders a byte count using the largest fitting binary unit.
func formatSize(n uint64) string {
	switch {
	case n >= uint64(mm.Gb):
		return fmt.Sprintf("%.1f GiB", float64(n)/float64(mm.Gb))
	case n >= uint64(mm.Mb):
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(mm.Mb))
	case n >= uint64(mm.Kb):
		return fmt.Sprintf("%d KiB", n/uint64(mm.Kb))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
