// Package bounds holds the bounding-volume math shared by the classifier,
// the software depth renderer and the GPU instance encoder.
package bounds

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Sphere is a bounding sphere. Mesh spheres are in object space,
// instance spheres in world space.
type Sphere struct {
	Center mgl32.Vec3
	Radius float32
}

// Finite reports whether the sphere has a finite centre and a finite,
// non-negative radius. A sphere that is not finite is degenerate geometry.
func (s Sphere) Finite() bool {
	for i := 0; i < 3; i++ {
		if !finite(s.Center[i]) {
			return false
		}
	}
	return finite(s.Radius) && s.Radius >= 0
}

// WorldSphere transforms an object-space sphere by an affine transform.
//
// The radius is scaled by the largest per-axis scale factor (the longest
// basis column of the upper 3x3), so the result always encloses the
// transformed sphere even under non-uniform scale.
func WorldSphere(local Sphere, m mgl32.Mat4) Sphere {
	c := m.Mul4x1(local.Center.Vec4(1))
	return Sphere{
		Center: c.Vec3(),
		Radius: local.Radius * MaxScale(m),
	}
}

// MaxScale returns the largest per-axis scale factor of m's linear part.
func MaxScale(m mgl32.Mat4) float32 {
	sx := m.Col(0).Vec3().Len()
	sy := m.Col(1).Vec3().Len()
	sz := m.Col(2).Vec3().Len()
	return math32.Max(sx, math32.Max(sy, sz))
}

func finite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
