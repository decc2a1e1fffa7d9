package bounds

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Plane is a world-space plane n·p + D = 0 with the normal pointing into
// the frustum.
type Plane struct {
	Normal mgl32.Vec3
	D      float32
}

// Distance returns the signed distance of p, positive inside.
func (p Plane) Distance(pt mgl32.Vec3) float32 {
	return p.Normal.Dot(pt) + p.D
}

// Outside returns the signed distance of pt measured outward, so a sphere
// lies entirely on the culled side when Outside(center) - radius > 0.
func (p Plane) Outside(pt mgl32.Vec3) float32 {
	return -p.Distance(pt)
}

// Frustum plane indices.
const (
	PlaneLeft = iota
	PlaneRight
	PlaneBottom
	PlaneTop
	PlaneNear
	PlaneFar
	PlaneCount
)

// Frustum is the six view planes in world space.
type Frustum [PlaneCount]Plane

// ExtractFrustum extracts normalized frustum planes from a combined
// projection*view matrix (Gribb/Hartmann). Works for OpenGL clip space,
// where -w <= z <= w.
func ExtractFrustum(viewProj mgl32.Mat4) Frustum {
	r0 := viewProj.Row(0)
	r1 := viewProj.Row(1)
	r2 := viewProj.Row(2)
	r3 := viewProj.Row(3)

	var f Frustum
	f[PlaneLeft] = planeFromRow(r3.Add(r0))
	f[PlaneRight] = planeFromRow(r3.Sub(r0))
	f[PlaneBottom] = planeFromRow(r3.Add(r1))
	f[PlaneTop] = planeFromRow(r3.Sub(r1))
	f[PlaneNear] = planeFromRow(r3.Add(r2))
	f[PlaneFar] = planeFromRow(r3.Sub(r2))
	return f
}

func planeFromRow(v mgl32.Vec4) Plane {
	n := v.Vec3()
	l := n.Len()
	if l == 0 {
		return Plane{Normal: n, D: v[3]}
	}
	inv := 1 / l
	return Plane{Normal: n.Mul(inv), D: v[3] * inv}
}

// CullSphere reports whether s lies entirely outside at least one plane.
// A zero radius degrades to a point test.
func (f *Frustum) CullSphere(s Sphere) bool {
	for i := range f {
		if f[i].Outside(s.Center)-s.Radius > 0 {
			return true
		}
	}
	return false
}
