package hzb

import (
	"image"
	"image/color"
)

// LevelImage renders mip i as a grayscale image for diagnostics overlays:
// black at the near plane, white at the far plane.
func (p *Pyramid) LevelImage(i int) *image.Gray16 {
	l := &p.levels[i]
	img := image.NewGray16(image.Rect(0, 0, l.Width, l.Height))
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			d := min(max(l.At(x, y), 0), 1)
			img.SetGray16(x, y, color.Gray16{Y: uint16(d * 0xffff)})
		}
	}
	return img
}
