package cull

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull/internal/bounds"
	"github.com/gogpu/cull/internal/classify"
)

// Plane is a frustum plane with the normal pointing into the frustum.
type Plane = bounds.Plane

// Camera describes a perspective camera. FovY is in radians.
type Camera struct {
	Eye    mgl32.Vec3
	Target mgl32.Vec3
	Up     mgl32.Vec3
	FovY   float32
	Near   float32
	Far    float32
}

// ViewContext is the per-frame camera state: matrices, frustum planes and
// viewport size. It is read-only once built.
type ViewContext struct {
	View   mgl32.Mat4
	Proj   mgl32.Mat4
	Width  int
	Height int

	cv classify.View
}

// NewViewContext builds the view for cam on a width x height viewport.
func NewViewContext(cam Camera, width, height int) (*ViewContext, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: viewport %dx%d", ErrInvalidView, width, height)
	}
	if !(cam.Near > 0) || !(cam.Far > cam.Near) || !(cam.FovY > 0) {
		return nil, fmt.Errorf("%w: near %v far %v fov %v", ErrInvalidView, cam.Near, cam.Far, cam.FovY)
	}
	up := cam.Up
	if up.Len() == 0 {
		up = mgl32.Vec3{0, 1, 0}
	}
	view := mgl32.LookAtV(cam.Eye, cam.Target, up)
	proj := mgl32.Perspective(cam.FovY, float32(width)/float32(height), cam.Near, cam.Far)
	return NewViewContextFromMatrices(view, proj, cam.Near, width, height)
}

// NewViewContextFromMatrices builds a view from externally supplied
// matrices. proj must be an OpenGL-style perspective projection whose near
// plane is at distance near.
func NewViewContextFromMatrices(view, proj mgl32.Mat4, near float32, width, height int) (*ViewContext, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: viewport %dx%d", ErrInvalidView, width, height)
	}
	if !(near > 0) {
		return nil, fmt.Errorf("%w: near %v", ErrInvalidView, near)
	}
	return &ViewContext{
		View:   view,
		Proj:   proj,
		Width:  width,
		Height: height,
		cv: classify.View{
			View:    view,
			Proj:    proj,
			Frustum: bounds.ExtractFrustum(proj.Mul4(view)),
			Near:    near,
		},
	}, nil
}

// Planes returns the six frustum planes in world space, ordered left,
// right, bottom, top, near, far.
func (v *ViewContext) Planes() [6]Plane {
	return v.cv.Frustum
}

// Near returns the near plane distance.
func (v *ViewContext) Near() float32 { return v.cv.Near }

// ViewProj returns Proj * View.
func (v *ViewContext) ViewProj() mgl32.Mat4 { return v.Proj.Mul4(v.View) }
