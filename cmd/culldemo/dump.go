package main

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/anthonynsimon/bild/imgio"
	"golang.org/x/image/draw"

	"github.com/gogpu/cull/hzb"
)

// dumpHZB writes every level of p as a grayscale PNG, upscaled by scale
// with nearest-neighbour so single texels stay visible.
func dumpHZB(p *hzb.Pyramid, dir string, scale int) ([]string, error) {
	if scale < 1 {
		scale = 1
	}
	var paths []string
	for i := 0; i < p.Levels(); i++ {
		src := p.LevelImage(i)
		b := src.Bounds()
		dst := image.NewGray16(image.Rect(0, 0, b.Dx()*scale<<i, b.Dy()*scale<<i))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

		path := filepath.Join(dir, fmt.Sprintf("hzb_mip%02d.png", i))
		if err := imgio.Save(path, dst, imgio.PNGEncoder()); err != nil {
			return paths, fmt.Errorf("save %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
