package cull_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/raster"
)

const opaquePass indirect.PassID = 1

type scene struct {
	pool     *cull.InstancePool
	mesh     cull.MeshID
	view     *cull.ViewContext
	renderer *raster.DepthRenderer
}

func newScene(t *testing.T) *scene {
	t.Helper()
	view, err := cull.NewViewContext(cull.Camera{
		Eye:    mgl32.Vec3{0, 0, -10},
		Target: mgl32.Vec3{0, 0, 0},
		Up:     mgl32.Vec3{0, 1, 0},
		FovY:   mgl32.DegToRad(60),
		Near:   0.1,
		Far:    100,
	}, 128, 128)
	if err != nil {
		t.Fatal(err)
	}
	pool := cull.NewInstancePool()
	return &scene{
		pool:     pool,
		mesh:     pool.RegisterMesh(cull.Mesh{BoundingSphere: cull.Sphere{Radius: 1}, IndexCount: 36}),
		view:     view,
		renderer: raster.NewDepthRenderer(pool),
	}
}

func (s *scene) add(t *testing.T, x, y, z float32) cull.InstanceID {
	t.Helper()
	id, err := s.pool.Register(0, s.mesh, s.pool.AddTransform(mgl32.Translate3D(x, y, z)))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// wall places a screen-covering occluder at world z.
func (s *scene) wall(z float32) {
	s.renderer.Occluders = raster.Quad(
		mgl32.Vec3{-50, -50, z}, mgl32.Vec3{50, -50, z},
		mgl32.Vec3{50, 50, z}, mgl32.Vec3{-50, 50, z})
}

func (s *scene) engine(t *testing.T, opts ...cull.Option) *cull.Engine {
	t.Helper()
	table, err := s.pool.OffsetTable(cull.DepthPass, opaquePass)
	if err != nil {
		t.Fatal(err)
	}
	e := cull.New(s.pool, table, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func (s *scene) run(t *testing.T, e *cull.Engine) *cull.FrameResult {
	t.Helper()
	res, err := e.RunFrame(context.Background(), s.view, s.renderer)
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	return res
}

func drawnIDs(res *cull.FrameResult, pass indirect.PassID) []uint32 {
	var ids []uint32
	for _, m := range []map[indirect.PassID][]indirect.Batch{res.First, res.Second} {
		for _, b := range m[pass] {
			for _, a := range b.Args {
				ids = append(ids, a.InstanceID)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// =============================================================================
// Scenarios
// =============================================================================

func TestRunFrame_SingleInstance(t *testing.T) {
	s := newScene(t)
	id := s.add(t, 0, 0, 0)
	e := s.engine(t)

	res := s.run(t, e)
	if res.Stats.Total != 1 || res.Stats.FrustumVisible != 1 || res.Stats.OcclusionVisible != 1 {
		t.Errorf("stats = %+v, want one visible instance", res.Stats)
	}
	for _, pass := range []indirect.PassID{cull.DepthPass, opaquePass} {
		if got := drawnIDs(res, pass); !slices.Equal(got, []uint32{uint32(id)}) {
			t.Errorf("pass %d draws = %v, want [%d]", pass, got, id)
		}
	}

	// Stays visible once a real HZB exists.
	res = s.run(t, e)
	if res.Stats.OcclusionVisible != 1 || res.Stats.Retested != 0 {
		t.Errorf("second frame stats = %+v", res.Stats)
	}
}

func TestRunFrame_FullOccluder(t *testing.T) {
	s := newScene(t)
	s.add(t, 0, 0, 0)
	s.wall(-5)
	e := s.engine(t)

	// No previous HZB: everything in the frustum is drawn.
	res := s.run(t, e)
	if res.Stats.OcclusionVisible != 1 {
		t.Fatalf("first frame stats = %+v, want visible", res.Stats)
	}

	// The wall is in the previous and in the rebuilt HZB.
	res = s.run(t, e)
	if res.Stats.FrustumVisible != 1 || res.Stats.Retested != 1 || res.Stats.Reinstated != 0 || res.Stats.OcclusionVisible != 0 {
		t.Errorf("occluded frame stats = %+v", res.Stats)
	}
	if got := drawnIDs(res, cull.DepthPass); len(got) != 0 {
		t.Errorf("occluded instance drawn: %v", got)
	}
}

func TestRunFrame_TwoPassCorrection(t *testing.T) {
	s := newScene(t)
	id := s.add(t, 0, 0, 0)
	s.wall(-5)
	e := s.engine(t)

	s.run(t, e)
	s.run(t, e)

	// The occluder moves away: the previous HZB still hides the instance,
	// the rebuilt one does not.
	s.renderer.Occluders = nil
	res := s.run(t, e)
	if res.Stats.Retested != 1 || res.Stats.Reinstated != 1 || res.Stats.OcclusionVisible != 1 {
		t.Errorf("stats = %+v, want retested and reinstated", res.Stats)
	}
	if got := res.Second[cull.DepthPass]; len(got) != 1 || got[0].Args[0].InstanceID != uint32(id) {
		t.Errorf("second pass draws = %+v", got)
	}
	if len(res.First[cull.DepthPass]) != 0 {
		t.Errorf("first pass drew the occluded instance")
	}
}

func TestRunFrame_FrustumCulledNeverDrawn(t *testing.T) {
	s := newScene(t)
	in := s.add(t, 0, 0, 0)
	s.add(t, 100, 0, 0)
	s.add(t, 0, 0, -30)
	e := s.engine(t)

	for frame := 0; frame < 2; frame++ {
		res := s.run(t, e)
		if res.Stats.Total != 3 || res.Stats.FrustumVisible != 1 {
			t.Errorf("frame %d stats = %+v", frame, res.Stats)
		}
		if got := drawnIDs(res, opaquePass); !slices.Equal(got, []uint32{uint32(in)}) {
			t.Errorf("frame %d drew %v, want only %d", frame, got, in)
		}
	}
}

func TestRunFrame_NearPlaneAlwaysVisible(t *testing.T) {
	s := newScene(t)
	s.add(t, 0, 0, -9.5)
	s.wall(-9.8)
	e := s.engine(t)

	for frame := 0; frame < 3; frame++ {
		res := s.run(t, e)
		if res.Stats.OcclusionVisible != 1 || res.Stats.NearClipped != 1 {
			t.Errorf("frame %d stats = %+v, want near-clipped visible", frame, res.Stats)
		}
	}
}

func TestRunFrame_DegenerateFailsOpen(t *testing.T) {
	s := newScene(t)
	nan := float32(math.NaN())
	bad, err := s.pool.Register(0, s.mesh, s.pool.AddTransform(mgl32.Translate3D(nan, 0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	point := s.pool.RegisterMesh(cull.Mesh{IndexCount: 3})
	dot, err := s.pool.Register(0, point, s.pool.AddTransform(mgl32.Translate3D(0, 0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	s.wall(-5)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e := s.engine(t, cull.WithLogger(logger))

	want := []uint32{uint32(bad), uint32(dot)}
	slices.Sort(want)
	// The second frame has the wall in the previous HZB; both instances
	// are still drawn.
	for frame := 0; frame < 2; frame++ {
		res := s.run(t, e)
		if res.Stats.Degenerate != 2 || res.Stats.OcclusionVisible != 2 || res.Stats.Retested != 0 {
			t.Errorf("frame %d stats = %+v, want two degenerate draws", frame, res.Stats)
		}
		if got := drawnIDs(res, cull.DepthPass); !slices.Equal(got, want) {
			t.Errorf("frame %d draws = %v, want %v", frame, got, want)
		}
	}

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "degenerate bounds") {
		t.Errorf("missing degenerate warning, got: %s", out)
	}
}

func TestRunFrame_Idempotent(t *testing.T) {
	s := newScene(t)
	for i := -3; i <= 3; i++ {
		s.add(t, float32(i)*1.5, 0, float32(i*i))
	}
	s.add(t, 0, 0, 20)
	s.wall(8)
	e := s.engine(t)

	s.run(t, e)
	a := s.run(t, e)
	wantIDs, wantStats := drawnIDs(a, cull.DepthPass), a.Stats
	b := s.run(t, e)
	if got := drawnIDs(b, cull.DepthPass); !slices.Equal(got, wantIDs) {
		t.Errorf("draws changed on an unchanged scene: %v vs %v", got, wantIDs)
	}
	if b.Stats != wantStats {
		t.Errorf("stats changed on an unchanged scene: %+v vs %+v", b.Stats, wantStats)
	}
}

func TestRunFrame_ManyInstancesCountConsistency(t *testing.T) {
	s := newScene(t)
	for x := -20; x < 20; x++ {
		for z := 0; z < 25; z++ {
			s.add(t, float32(x)*0.7, float32(z%5)-2, float32(z))
		}
	}
	e := s.engine(t, cull.WithWorkers(4))

	for frame := 0; frame < 3; frame++ {
		res := s.run(t, e)
		ids := drawnIDs(res, opaquePass)
		if uint64(len(ids)) != res.Stats.OcclusionVisible {
			t.Fatalf("frame %d: %d draws, %d visible", frame, len(ids), res.Stats.OcclusionVisible)
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] == ids[i-1] {
				t.Fatalf("frame %d: instance %d drawn twice", frame, ids[i])
			}
		}
		if res.Stats.FrustumVisible != res.Stats.OcclusionVisible+res.Stats.Retested-res.Stats.Reinstated {
			t.Errorf("frame %d: inconsistent stats %+v", frame, res.Stats)
		}
	}
}

// =============================================================================
// Frame Protocol Tests
// =============================================================================

func TestFrame_Barrier(t *testing.T) {
	s := newScene(t)
	s.add(t, 0, 0, 0)
	e := s.engine(t)
	ctx := context.Background()
	depth, _ := hzb.NewDepthBuffer(128, 128)

	f, err := e.BeginFrame(s.view)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.BeginFrame(s.view); !errors.Is(err, cull.ErrFrameActive) {
		t.Errorf("nested BeginFrame err = %v, want ErrFrameActive", err)
	}
	if err := f.RebuildHZB(ctx, depth); !errors.Is(err, cull.ErrBarrier) {
		t.Errorf("RebuildHZB before first pass err = %v, want ErrBarrier", err)
	}
	if err := f.CullSecondPass(ctx); !errors.Is(err, cull.ErrBarrier) {
		t.Errorf("second pass before first err = %v, want ErrBarrier", err)
	}

	if err := f.CullFirstPass(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.CullFirstPass(ctx); !errors.Is(err, cull.ErrBarrier) {
		t.Errorf("repeated first pass err = %v, want ErrBarrier", err)
	}
	if err := f.CullSecondPass(ctx); !errors.Is(err, cull.ErrBarrier) {
		t.Errorf("second pass before HZB rebuild err = %v, want ErrBarrier", err)
	}
	if _, err := f.End(); !errors.Is(err, cull.ErrBarrier) {
		t.Errorf("End before second pass err = %v, want ErrBarrier", err)
	}

	if err := f.RebuildHZB(ctx, depth); err != nil {
		t.Fatal(err)
	}
	if err := f.CullSecondPass(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.CullSecondPass(ctx); !errors.Is(err, cull.ErrBarrier) {
		t.Errorf("repeated second pass err = %v, want ErrBarrier", err)
	}
	if _, err := f.End(); err != nil {
		t.Fatal(err)
	}
	if e.HZB() == nil {
		t.Error("End did not publish the rebuilt HZB")
	}

	if _, err := e.BeginFrame(s.view); err != nil {
		t.Errorf("BeginFrame after End: %v", err)
	}
}

func TestFrame_CancelledContext(t *testing.T) {
	s := newScene(t)
	s.add(t, 0, 0, 0)
	e := s.engine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.RunFrame(ctx, s.view, s.renderer); !errors.Is(err, context.Canceled) {
		t.Errorf("RunFrame err = %v, want context.Canceled", err)
	}
	// The aborted frame does not block the next one.
	s.run(t, e)
}

func TestFrame_OverflowFailsOpen(t *testing.T) {
	s := newScene(t)
	for i := 0; i < 3; i++ {
		s.add(t, float32(i)-1, 0, 0)
	}
	table, err := indirect.NewOffsetTableBuilder().Reserve(cull.DepthPass, 0, 1).Build()
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	e := cull.New(s.pool, table, cull.WithLogger(logger))
	t.Cleanup(func() { _ = e.Close() })

	res, err := e.RunFrame(context.Background(), s.view, s.renderer)
	if !errors.Is(err, cull.ErrCapacityOverflow) {
		t.Fatalf("RunFrame err = %v, want ErrCapacityOverflow", err)
	}
	if res == nil {
		t.Fatal("overflowing frame returned no result")
	}
	if len(res.Spilled) != 2 || res.Stats.Overflowed != 2 {
		t.Errorf("spilled %d, overflowed %d; want 2 and 2", len(res.Spilled), res.Stats.Overflowed)
	}
	if len(res.Overflow) != 1 || res.Overflow[0].Requested != 3 || res.Overflow[0].Capacity != 1 {
		t.Errorf("Overflow = %+v", res.Overflow)
	}
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "capacity exceeded") || !strings.Contains(out, "spilled=2") {
		t.Errorf("missing overflow error log, got: %s", out)
	}

	// The next frame starts normally.
	if _, err := e.BeginFrame(s.view); err != nil {
		t.Errorf("BeginFrame after overflow: %v", err)
	}
}

// =============================================================================
// Option Tests
// =============================================================================

func TestWithPasses(t *testing.T) {
	s := newScene(t)
	s.add(t, 0, 0, 0)
	e := s.engine(t, cull.WithPasses(opaquePass))

	res := s.run(t, e)
	if len(drawnIDs(res, cull.DepthPass)) != 0 {
		t.Error("inactive depth pass received draws")
	}
	if len(drawnIDs(res, opaquePass)) != 1 {
		t.Error("active pass missing its draw")
	}

	e2 := s.engine(t, cull.WithPasses(7))
	if _, err := e2.BeginFrame(s.view); !errors.Is(err, cull.ErrNoPasses) {
		t.Errorf("BeginFrame with no active passes err = %v, want ErrNoPasses", err)
	}
}

func TestSetOffsetTable_DefaultPassesFollowTable(t *testing.T) {
	s := newScene(t)
	id := s.add(t, 0, 0, 0)
	e := s.engine(t)

	const extraPass indirect.PassID = 5
	table, err := s.pool.OffsetTable(cull.DepthPass, opaquePass, extraPass)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetOffsetTable(table); err != nil {
		t.Fatal(err)
	}

	res := s.run(t, e)
	if len(res.First) != 3 {
		t.Errorf("result has %d passes, want 3", len(res.First))
	}
	if got := drawnIDs(res, extraPass); !slices.Equal(got, []uint32{uint32(id)}) {
		t.Errorf("pass %d draws = %v, want [%d]", extraPass, got, id)
	}
}

func TestSetOffsetTable_ExplicitPassesKept(t *testing.T) {
	s := newScene(t)
	s.add(t, 0, 0, 0)
	e := s.engine(t, cull.WithPasses(cull.DepthPass, opaquePass))

	table, err := s.pool.OffsetTable(cull.DepthPass, opaquePass, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetOffsetTable(table); err != nil {
		t.Fatal(err)
	}
	if res := s.run(t, e); len(drawnIDs(res, 5)) != 0 {
		t.Error("pass outside WithPasses received draws")
	}
}

func TestWithStatsDisabled(t *testing.T) {
	s := newScene(t)
	s.add(t, 0, 0, 0)
	e := s.engine(t, cull.WithStats(false))

	res := s.run(t, e)
	if res.Stats != (cull.Stats{}) {
		t.Errorf("stats counted while disabled: %+v", res.Stats)
	}
	if len(drawnIDs(res, opaquePass)) != 1 {
		t.Error("disabling stats changed culling")
	}

	e.SetStatsEnabled(true)
	if res := s.run(t, e); res.Stats.Total != 1 {
		t.Errorf("stats after enabling = %+v", res.Stats)
	}
}

func TestWithDebugRecords(t *testing.T) {
	s := newScene(t)
	id := s.add(t, 0, 0, 0)
	s.wall(-5)
	e := s.engine(t, cull.WithDebugRecords(true))

	s.run(t, e)
	res := s.run(t, e)
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want one per pass", len(res.Records))
	}
	for _, r := range res.Records {
		if r.Instance != id || r.Result != cull.Occluded {
			t.Errorf("record %+v, want occluded instance %d", r, id)
		}
		if r.NearestDepth <= r.HZBDepth {
			t.Errorf("occluded record has nearest %v <= hzb %v", r.NearestDepth, r.HZBDepth)
		}
	}
}

func BenchmarkRunFrame(b *testing.B) {
	view, _ := cull.NewViewContext(cull.Camera{
		Eye: mgl32.Vec3{0, 2, -30}, Up: mgl32.Vec3{0, 1, 0},
		FovY: mgl32.DegToRad(60), Near: 0.1, Far: 200,
	}, 256, 256)
	pool := cull.NewInstancePool()
	mesh := pool.RegisterMesh(cull.Mesh{BoundingSphere: cull.Sphere{Radius: 0.4}, IndexCount: 36})
	for x := 0; x < 100; x++ {
		for z := 0; z < 100; z++ {
			_, _ = pool.Register(0, mesh, pool.AddTransform(mgl32.Translate3D(float32(x-50), 0, float32(z))))
		}
	}
	table, _ := pool.OffsetTable(cull.DepthPass)
	e := cull.New(pool, table)
	defer func() { _ = e.Close() }()
	r := raster.NewDepthRenderer(pool)

	b.ResetTimer()
	for b.Loop() {
		if _, err := e.RunFrame(context.Background(), view, r); err != nil {
			b.Fatal(err)
		}
	}
}
