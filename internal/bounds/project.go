package bounds

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Rect is an axis-aligned rectangle in screen UV space: [0,1] on both axes,
// origin at the top-left corner.
type Rect struct {
	MinX, MinY float32
	MaxX, MaxY float32
}

// Width returns the rectangle width in UV units.
func (r Rect) Width() float32 { return r.MaxX - r.MinX }

// Height returns the rectangle height in UV units.
func (r Rect) Height() float32 { return r.MaxY - r.MinY }

// Contains reports whether o lies inside r (inclusive).
func (r Rect) Contains(o Rect) bool {
	return o.MinX >= r.MinX && o.MinY >= r.MinY && o.MaxX <= r.MaxX && o.MaxY <= r.MaxY
}

// NearFacingZ returns the view-space z of the sphere point closest to the
// camera. The camera looks down -Z, so nearer means larger z.
func NearFacingZ(viewCenter mgl32.Vec3, radius float32) float32 {
	return viewCenter.Z() + radius
}

// CrossesNear reports whether a view-space sphere intersects or lies behind
// the near plane at distance near.
func CrossesNear(viewCenter mgl32.Vec3, radius, near float32) bool {
	return -NearFacingZ(viewCenter, radius) <= near
}

// ProjectSphere returns a conservative screen rectangle and the nearest
// depth of a view-space sphere.
//
// The x/y extrema (±radius) are projected at both the near-facing and the
// far-facing z, i.e. the eight corners of the sphere's bounding cube. The
// near face alone under-covers spheres lying entirely to one side of the view
// axis. NDC is clamped to [-1,1] before mapping to UV. The sphere must lie
// entirely in front of the near plane (see CrossesNear).
//
// Depth is NDC z remapped to [0,1], 0 at the near plane.
func ProjectSphere(viewCenter mgl32.Vec3, radius float32, proj mgl32.Mat4) (Rect, float32) {
	z := NearFacingZ(viewCenter, radius)

	minX, minY := float32(1), float32(1)
	maxX, maxY := float32(-1), float32(-1)
	for _, cz := range [2]float32{z, viewCenter.Z() - radius} {
		for _, dx := range [2]float32{-radius, radius} {
			for _, dy := range [2]float32{-radius, radius} {
				clip := proj.Mul4x1(mgl32.Vec4{viewCenter.X() + dx, viewCenter.Y() + dy, cz, 1})
				nx := clampNDC(clip.X() / clip.W())
				ny := clampNDC(clip.Y() / clip.W())
				minX = math32.Min(minX, nx)
				maxX = math32.Max(maxX, nx)
				minY = math32.Min(minY, ny)
				maxY = math32.Max(maxY, ny)
			}
		}
	}

	rect := Rect{
		MinX: minX*0.5 + 0.5,
		MaxX: maxX*0.5 + 0.5,
		MinY: 0.5 - maxY*0.5,
		MaxY: 0.5 - minY*0.5,
	}
	return rect, ViewDepth(z, proj)
}

// ViewDepth maps a view-space z through proj to a [0,1] depth value.
func ViewDepth(z float32, proj mgl32.Mat4) float32 {
	clip := proj.Mul4x1(mgl32.Vec4{0, 0, z, 1})
	return clip.Z()/clip.W()*0.5 + 0.5
}

func clampNDC(v float32) float32 {
	if math32.IsNaN(v) {
		return 0
	}
	return mgl32.Clamp(v, -1, 1)
}
