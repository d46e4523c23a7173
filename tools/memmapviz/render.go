package main

import (
	"fmt"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

// loadFace returns the TrueType face stored at path or the built-in bitmap
// face when path is empty.
func loadFace(path string, points float64) (font.Face, error) {
	if path == "" {
		return basicfont.Face7x13, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading font")
	}

	f, err := truetype.Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing font %s", path)
	}

	return truetype.NewFace(f, &truetype.Options{Size: points}), nil
}

// render draws l using face for all text. Box labels that do not fit inside
// their box are skipped.
func render(l layout, face font.Face) *gg.Context {
	dc := gg.NewContext(l.width, l.height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetFontFace(face)
	dc.SetLineWidth(1)

	for lane, name := range laneNames {
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(name, marginLeft-8, laneY(lane)+laneHeight/2, 1, 0.5)
	}

	for _, b := range l.boxes {
		y := laneY(b.lane)
		dc.DrawRectangle(b.x, y, b.w, laneHeight)
		dc.SetColor(b.fill)
		dc.FillPreserve()
		dc.SetRGB(0.2, 0.2, 0.2)
		dc.Stroke()

		if b.label == "" {
			continue
		}
		if w, _ := dc.MeasureString(b.label); w+4 > b.w {
			continue
		}
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(b.label, b.x+b.w/2, y+laneHeight/2, 0.5, 0.5)
	}

	// Address axis.
	axisY := laneY(laneCount) - laneGap + 4
	right := float64(l.width) - marginRight
	dc.SetRGB(0, 0, 0)
	dc.DrawLine(marginLeft, axisY, right, axisY)
	dc.Stroke()
	dc.DrawStringAnchored("0x0", marginLeft, axisY+4, 0, 1)
	dc.DrawStringAnchored(fmt.Sprintf("0x%x", l.limit), right, axisY+4, 1, 1)
	dc.DrawStringAnchored(l.summary, float64(l.width)/2, float64(l.height)-8, 0.5, 0)

	return dc
}
