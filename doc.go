// Package cull implements two-pass hierarchical-Z occlusion culling with
// indirect draw compaction.
//
// # Overview
//
// Every frame each registered instance is classified twice at most:
//
//  1. The first pass tests all instances against the view frustum and the
//     hierarchical Z-buffer (HZB) of the previous frame. Visible instances
//     are appended to per-pass indirect draw argument ranges; instances
//     that look occluded are queued for a retest.
//  2. The renderer draws the visible set into a depth buffer and the HZB is
//     rebuilt from it.
//  3. The second pass re-tests only the queued instances against the fresh
//     HZB and appends the ones that turned out visible.
//
// Stale occlusion data from the previous frame can therefore hide an
// instance for at most the gap between the two passes of one frame.
//
// # Quick Start
//
//	pool := cull.NewInstancePool()
//	mesh := pool.RegisterMesh(cull.Mesh{
//	    BoundingSphere: cull.Sphere{Radius: 1},
//	    IndexCount:     36,
//	})
//	xf := pool.AddTransform(mgl32.Ident4())
//	_, _ = pool.Register(0, mesh, xf)
//
//	table, _ := pool.OffsetTable(cull.DepthPass)
//	eng := cull.New(pool, table)
//	defer eng.Close()
//
//	view, _ := cull.NewViewContext(cam, 1280, 720)
//	res, err := eng.RunFrame(ctx, view, renderer)
//
// For renderers that need to interleave their own work, drive the frame
// explicitly with BeginFrame, CullFirstPass, RebuildHZB, CullSecondPass and
// End. Out-of-order calls return ErrBarrier.
//
// # Depth Convention
//
// Depth is 0 at the near plane and 1 at the far plane. See package hzb.
//
// # Logging
//
// The package is silent by default. Use SetLogger or WithLogger.
package cull

// Version is the current version of the library.
const Version = "0.1.0"
