package censor

import (
	"math"

	"github.com/menta2k/selfie-sorter/pkg/processing"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// ResolveBoxes turns raw boxes or detection boxes into pixel regions of a
// width x height image. Explicit boxes win over detections. Regions that end
// up one pixel wide or tall (or smaller) are dropped.
func ResolveBoxes(boxes [][]float64, detections []types.Detection, width, height int) []types.CensorBox {
	type candidate struct {
		coords []float64
		label  string
	}

	var candidates []candidate
	if len(boxes) > 0 {
		for _, b := range boxes {
			candidates = append(candidates, candidate{coords: b})
		}
	} else {
		for _, d := range detections {
			if len(d.Box) == 4 {
				candidates = append(candidates, candidate{coords: d.Box, label: d.Label})
			}
		}
	}

	var out []types.CensorBox
	for _, cand := range candidates {
		if box, ok := NormalizeBox(cand.coords, width, height); ok {
			box.Label = cand.label
			out = append(out, box)
		}
	}
	return out
}

// NormalizeBox converts one raw box to pixel coordinates.
//
// Four values all within [0,1] are relative to the image size, anything else
// is absolute pixels. A second coordinate that is not past the first is a
// width or height. The result is clamped to the image and rejected when its
// width or height is 1 pixel or less.
func NormalizeBox(raw []float64, width, height int) (types.CensorBox, bool) {
	if len(raw) != 4 || width <= 0 || height <= 0 {
		return types.CensorBox{}, false
	}
	for _, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.CensorBox{}, false
		}
	}

	x1, y1, x2, y2 := raw[0], raw[1], raw[2], raw[3]
	if x2 <= x1 {
		x2 = x1 + x2
	}
	if y2 <= y1 {
		y2 = y1 + y2
	}

	if isRelative(raw) {
		x1 *= float64(width)
		x2 *= float64(width)
		y1 *= float64(height)
		y2 *= float64(height)
	}

	// Clamp before converting; huge coordinates do not fit in an int.
	fw, fh := float64(width), float64(height)
	box := types.CensorBox{
		Left:   int(math.Round(processing.Clamp(x1, 0, fw))),
		Top:    int(math.Round(processing.Clamp(y1, 0, fh))),
		Right:  int(math.Round(processing.Clamp(x2, 0, fw))),
		Bottom: int(math.Round(processing.Clamp(y2, 0, fh))),
	}
	if box.Width() <= 1 || box.Height() <= 1 {
		return types.CensorBox{}, false
	}
	return box, true
}

func isRelative(raw []float64) bool {
	for _, v := range raw {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}
