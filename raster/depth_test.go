// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package raster

import (
	"context"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/internal/bounds"
)

func testView(t *testing.T) *cull.ViewContext {
	t.Helper()
	v, err := cull.NewViewContext(cull.Camera{
		Eye:    mgl32.Vec3{0, 0, -10},
		Target: mgl32.Vec3{0, 0, 0},
		Up:     mgl32.Vec3{0, 1, 0},
		FovY:   mgl32.DegToRad(60),
		Near:   0.1,
		Far:    100,
	}, 64, 64)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func approx(a, b, eps float32) bool {
	return math.Abs(float64(a-b)) <= float64(eps)
}

func TestDrawSphere_CenterDepth(t *testing.T) {
	v := testView(t)
	depth, _ := hzb.NewDepthBuffer(64, 64)

	DrawSphere(v, cull.Sphere{Radius: 1}, depth)

	want := bounds.ViewDepth(-9, v.Proj)
	if got := depth.At(32, 32); !approx(got, want, 1e-4) {
		t.Errorf("centre depth = %v, want %v", got, want)
	}
	if got := depth.At(0, 0); got != hzb.FarDepth {
		t.Errorf("corner depth = %v, want far", got)
	}
}

func TestDrawSphere_SkipsNearCrossing(t *testing.T) {
	v := testView(t)
	depth, _ := hzb.NewDepthBuffer(16, 16)
	DrawSphere(v, cull.Sphere{Center: mgl32.Vec3{0, 0, -9.5}, Radius: 1}, depth)
	for _, d := range depth.Data {
		if d != hzb.FarDepth {
			t.Fatal("near-crossing sphere was rasterized")
		}
	}
}

func TestDrawTriangle_Wall(t *testing.T) {
	v := testView(t)
	depth, _ := hzb.NewDepthBuffer(64, 64)

	DrawQuad(v,
		mgl32.Vec3{-10, -10, -5}, mgl32.Vec3{10, -10, -5},
		mgl32.Vec3{10, 10, -5}, mgl32.Vec3{-10, 10, -5},
		depth)

	want := bounds.ViewDepth(-5, v.Proj)
	for _, p := range [][2]int{{0, 0}, {32, 32}, {63, 63}, {5, 50}} {
		if got := depth.At(p[0], p[1]); !approx(got, want, 1e-4) {
			t.Errorf("depth at %v = %v, want %v", p, got, want)
		}
	}
}

func TestDrawTriangle_NearerWins(t *testing.T) {
	v := testView(t)
	depth, _ := hzb.NewDepthBuffer(32, 32)
	far := Quad(mgl32.Vec3{-10, -10, 5}, mgl32.Vec3{10, -10, 5}, mgl32.Vec3{10, 10, 5}, mgl32.Vec3{-10, 10, 5})
	near := Quad(mgl32.Vec3{-10, -10, 0}, mgl32.Vec3{10, -10, 0}, mgl32.Vec3{10, 10, 0}, mgl32.Vec3{-10, 10, 0})

	for _, tri := range append(near, far...) {
		DrawTriangle(v, tri, depth)
	}
	want := bounds.ViewDepth(-10, v.Proj)
	if got := depth.At(16, 16); !approx(got, want, 1e-4) {
		t.Errorf("depth = %v, want nearer wall %v", got, want)
	}
}

func TestDrawTriangle_BehindCameraSkipped(t *testing.T) {
	v := testView(t)
	depth, _ := hzb.NewDepthBuffer(16, 16)
	DrawTriangle(v, Triangle{{-1, -1, -20}, {1, -1, -20}, {0, 1, -20}}, depth)
	for _, d := range depth.Data {
		if d != hzb.FarDepth {
			t.Fatal("triangle behind the camera was rasterized")
		}
	}
}

func TestRenderDepth(t *testing.T) {
	v := testView(t)
	pool := cull.NewInstancePool()
	mesh := pool.RegisterMesh(cull.Mesh{BoundingSphere: cull.Sphere{Radius: 1}, IndexCount: 3})
	xf := pool.AddTransform(mgl32.Translate3D(0, 0, 0))
	id, err := pool.Register(0, mesh, xf)
	if err != nil {
		t.Fatal(err)
	}

	r := NewDepthRenderer(pool)
	depth, _ := hzb.NewDepthBuffer(64, 64)
	draws := []indirect.DrawArgs{{IndexCount: 3, InstanceCount: 1, InstanceID: uint32(id)}}
	if err := r.RenderDepth(context.Background(), v, draws, depth); err != nil {
		t.Fatal(err)
	}
	if depth.At(32, 32) >= hzb.FarDepth {
		t.Error("instance sphere not rendered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.RenderDepth(ctx, v, draws, depth); err == nil {
		t.Error("RenderDepth ignored a cancelled context")
	}
}
