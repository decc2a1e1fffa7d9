// Package classify decides, per instance, whether it is drawn this frame.
//
// The functions are pure and touch no shared state, so callers run them
// in any order across any number of goroutines.
package classify

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/internal/bounds"
)

// Result is the terminal classification of an instance for one test.
type Result uint8

const (
	// Visible instances are drawn.
	Visible Result = iota
	// Occluded instances are behind the HZB and go to the retest queue
	// after the first pass.
	Occluded
	// FrustumCulled instances are outside the view and never drawn.
	FrustumCulled
)

func (r Result) String() string {
	switch r {
	case Visible:
		return "visible"
	case Occluded:
		return "occluded"
	case FrustumCulled:
		return "frustum_culled"
	default:
		return "unknown"
	}
}

// Flags qualify a Visible result.
type Flags uint8

const (
	// Degenerate marks non-finite or zero-radius bounds. They are drawn
	// without an occlusion test; zero-radius spheres are still frustum
	// tested as points.
	Degenerate Flags = 1 << iota
	// NearClipped marks spheres crossing the near plane, drawn without an
	// occlusion test.
	NearClipped
)

// View is the per-frame camera state the classifier reads.
type View struct {
	View    mgl32.Mat4
	Proj    mgl32.Mat4
	Frustum bounds.Frustum
	Near    float32
}

// Input is one instance: its object-space bounds and world transform.
type Input struct {
	Bounds    bounds.Sphere
	Transform mgl32.Mat4
}

// Outcome is the classification with the values that produced it.
type Outcome struct {
	Result  Result
	Flags   Flags
	Sphere  bounds.Sphere
	LOD     int
	Rect    bounds.Rect
	Nearest float32
	HZB     float32
}

// First runs the first-pass test: frustum, then occlusion against the
// previous frame's pyramid. A nil pyramid skips the occlusion test.
func First(in Input, v *View, p *hzb.Pyramid) Outcome {
	world := bounds.WorldSphere(in.Bounds, in.Transform)
	if !world.Finite() {
		return Outcome{Result: Visible, Flags: Degenerate, Sphere: world}
	}
	if v.Frustum.CullSphere(world) {
		return Outcome{Result: FrustumCulled, Sphere: world}
	}
	if world.Radius == 0 {
		return Outcome{Result: Visible, Flags: Degenerate, Sphere: world}
	}
	return occlusion(world, v, p)
}

// Second re-tests an instance that was occluded in the first pass against
// the pyramid rebuilt this frame. The frustum result is reused.
func Second(in Input, v *View, p *hzb.Pyramid) Outcome {
	world := bounds.WorldSphere(in.Bounds, in.Transform)
	if !world.Finite() || world.Radius == 0 {
		return Outcome{Result: Visible, Flags: Degenerate, Sphere: world}
	}
	return occlusion(world, v, p)
}

func occlusion(world bounds.Sphere, v *View, p *hzb.Pyramid) Outcome {
	out := Outcome{Result: Visible, Sphere: world}

	vc := v.View.Mul4x1(world.Center.Vec4(1)).Vec3()
	if bounds.CrossesNear(vc, world.Radius, v.Near) {
		out.Flags = NearClipped
		return out
	}

	rect, nearest := bounds.ProjectSphere(vc, world.Radius, v.Proj)
	out.Rect = rect
	out.Nearest = nearest
	if p == nil {
		return out
	}

	w := rect.Width() * float32(p.Width())
	h := rect.Height() * float32(p.Height())
	out.LOD = hzb.SelectLOD(w, h, p.MaxLOD())
	out.HZB = p.Reduce(out.LOD, rect.MinX, rect.MinY, rect.MaxX, rect.MaxY)
	if hzb.Occludes(out.HZB, nearest) {
		out.Result = Occluded
	}
	return out
}
