// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package raster is a software depth-only renderer.
//
// It stands in for a GPU depth pre-pass: tests and the culldemo command
// render instance bounding spheres and occluder triangles with it, then
// build the HZB from the result.
package raster

import (
	"context"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/internal/bounds"
)

// Triangle is a world-space triangle.
type Triangle [3]mgl32.Vec3

// DepthRenderer draws the bounding spheres of pool instances, plus any
// static occluder triangles, into a depth buffer.
//
// Spheres are rasterized with the exact ray-sphere front depth, so an
// instance occludes exactly what its bounds would. Spheres and triangles
// that cross the near plane are skipped; a missing occluder only makes
// more instances visible.
type DepthRenderer struct {
	Pool      *cull.InstancePool
	Occluders []Triangle

	// Spheres disables sphere rendering when false, leaving only occluders.
	Spheres bool
}

// NewDepthRenderer returns a renderer that draws pool instances as
// spheres.
func NewDepthRenderer(pool *cull.InstancePool) *DepthRenderer {
	return &DepthRenderer{Pool: pool, Spheres: true}
}

// RenderDepth implements cull.DepthRenderer.
func (r *DepthRenderer) RenderDepth(ctx context.Context, view *cull.ViewContext, draws []indirect.DrawArgs, depth *hzb.DepthBuffer) error {
	for _, tri := range r.Occluders {
		DrawTriangle(view, tri, depth)
	}
	if !r.Spheres || r.Pool == nil {
		return nil
	}
	for i, d := range draws {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		s, ok := r.Pool.InstanceSphere(cull.InstanceID(d.InstanceID))
		if !ok || !s.Finite() {
			continue
		}
		DrawSphere(view, s, depth)
	}
	return nil
}

// DrawSphere rasterizes the front surface of a world-space sphere.
func DrawSphere(view *cull.ViewContext, s cull.Sphere, depth *hzb.DepthBuffer) {
	c := view.View.Mul4x1(s.Center.Vec4(1)).Vec3()
	if bounds.CrossesNear(c, s.Radius, view.Near()) || s.Radius <= 0 {
		return
	}

	rect, _ := bounds.ProjectSphere(c, s.Radius, view.Proj)
	x0, x1 := pixelSpan(rect.MinX, rect.MaxX, depth.Width)
	y0, y1 := pixelSpan(rect.MinY, rect.MaxY, depth.Height)

	inv := view.Proj.Inv()
	cc := c.Dot(c) - s.Radius*s.Radius
	for y := y0; y <= y1; y++ {
		ny := 1 - 2*(float32(y)+0.5)/float32(depth.Height)
		for x := x0; x <= x1; x++ {
			nx := 2*(float32(x)+0.5)/float32(depth.Width) - 1

			// Ray from the eye through the pixel centre on the near plane.
			p := inv.Mul4x1(mgl32.Vec4{nx, ny, -1, 1})
			dir := p.Vec3().Mul(1 / p.W()).Normalize()

			b := dir.Dot(c)
			disc := b*b - cc
			if disc < 0 {
				continue
			}
			t := b - math32.Sqrt(disc)
			if t <= 0 {
				continue
			}
			depth.TestAndSet(x, y, bounds.ViewDepth(dir.Z()*t, view.Proj))
		}
	}
}

// DrawTriangle rasterizes a world-space triangle with screen-linear NDC
// depth. Both windings are drawn.
func DrawTriangle(view *cull.ViewContext, tri Triangle, depth *hzb.DepthBuffer) {
	vp := view.ViewProj()
	w, h := float32(depth.Width), float32(depth.Height)

	var sx, sy, sz [3]float32
	for i, v := range tri {
		clip := vp.Mul4x1(v.Vec4(1))
		if clip.W() <= 0 || clip.Z() < -clip.W() {
			return
		}
		sx[i] = (clip.X()/clip.W()*0.5 + 0.5) * w
		sy[i] = (0.5 - clip.Y()/clip.W()*0.5) * h
		sz[i] = clip.Z()/clip.W()*0.5 + 0.5
	}

	area := edge(sx[0], sy[0], sx[1], sy[1], sx[2], sy[2])
	if area == 0 {
		return
	}

	minX := max(int(math32.Floor(min(sx[0], sx[1], sx[2]))), 0)
	maxX := min(int(math32.Ceil(max(sx[0], sx[1], sx[2]))), depth.Width-1)
	minY := max(int(math32.Floor(min(sy[0], sy[1], sy[2]))), 0)
	maxY := min(int(math32.Ceil(max(sy[0], sy[1], sy[2]))), depth.Height-1)

	for y := minY; y <= maxY; y++ {
		py := float32(y) + 0.5
		for x := minX; x <= maxX; x++ {
			px := float32(x) + 0.5
			w0 := edge(sx[1], sy[1], sx[2], sy[2], px, py) / area
			w1 := edge(sx[2], sy[2], sx[0], sy[0], px, py) / area
			w2 := 1 - w0 - w1
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}
			z := w0*sz[0] + w1*sz[1] + w2*sz[2]
			if z > hzb.FarDepth {
				continue
			}
			depth.TestAndSet(x, y, z)
		}
	}
}

// DrawQuad draws the quad a-b-c-d as two triangles.
func DrawQuad(view *cull.ViewContext, a, b, c, d mgl32.Vec3, depth *hzb.DepthBuffer) {
	DrawTriangle(view, Triangle{a, b, c}, depth)
	DrawTriangle(view, Triangle{a, c, d}, depth)
}

// Quad returns the two triangles of the quad a-b-c-d.
func Quad(a, b, c, d mgl32.Vec3) []Triangle {
	return []Triangle{{a, b, c}, {a, c, d}}
}

func edge(ax, ay, bx, by, px, py float32) float32 {
	return (bx-ax)*(py-ay) - (by-ay)*(px-ax)
}

// pixelSpan maps a UV interval to an inclusive pixel range.
func pixelSpan(lo, hi float32, n int) (int, int) {
	a := max(int(math32.Floor(lo*float32(n))), 0)
	b := min(int(math32.Ceil(hi*float32(n))), n-1)
	return a, b
}
