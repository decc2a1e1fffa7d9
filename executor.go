package cull

import (
	"context"
	"log/slog"

	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/internal/classify"
	"github.com/gogpu/cull/internal/parallel"
	"github.com/gogpu/cull/internal/retest"
	"github.com/gogpu/cull/internal/stats"
)

// Executor runs the culling passes. The default executor classifies on a
// CPU worker pool; gpu.Dispatcher runs the same passes as compute shaders.
//
// Both methods must return only once every instance of the pass has been
// classified and all its outputs are written to the job.
type Executor interface {
	FirstPass(ctx context.Context, job *Job) error
	SecondPass(ctx context.Context, job *Job, entries []uint32) error
}

// HZBBuilder is implemented by executors that rebuild the pyramid
// themselves. When the engine's executor is not one, the pyramid is built
// on the CPU worker pool. BuildHZB must fill every level of p from depth
// and call p.Commit before returning.
type HZBBuilder interface {
	BuildHZB(ctx context.Context, p *hzb.Pyramid, depth *hzb.DepthBuffer) error
}

// Job is the state of one culling pass: what to read and where to write.
type Job struct {
	Pool   *InstancePool
	View   *ViewContext
	HZB    *hzb.Pyramid // nil when no HZB exists yet
	Passes []indirect.PassID
	Draws  *indirect.Compactor
	Retest *retest.Queue
	Stats  *stats.Collector
	Logger *slog.Logger
}

// Participates reports whether the instance at dense slot i has a draw
// range in any active pass.
func (j *Job) Participates(i int) bool {
	state := j.Pool.instances[i].RenderStateID
	table := j.Draws.Table()
	for _, pass := range j.Passes {
		if table.Index(pass, state) >= 0 {
			return true
		}
	}
	return false
}

// Emit appends the draw of the instance at dense slot i to every active
// pass it belongs to.
func (j *Job) Emit(i int) {
	state := j.Pool.instances[i].RenderStateID
	args := j.Pool.DrawArgs(i)
	for _, pass := range j.Passes {
		j.Draws.Append(pass, state, args)
	}
}

// ClassifyFirst runs the first-pass test on the instance at dense slot i
// and records the outcome.
func (j *Job) ClassifyFirst(i int) {
	if !j.Participates(i) {
		return
	}
	out := classify.First(j.Pool.input(i), &j.View.cv, j.HZB)
	j.Stats.Inc(stats.Total)
	j.record(i, 1, out)

	switch out.Result {
	case classify.FrustumCulled:
		return
	case classify.Occluded:
		j.Stats.Inc(stats.FrustumVisible)
		j.Stats.Inc(stats.Retested)
		if err := j.Retest.Append(uint32(i)); err != nil {
			// Unreachable with a queue sized to the pool; draw rather than lose it.
			j.Emit(i)
			j.Stats.Inc(stats.OcclusionVisible)
		}
	default:
		j.Stats.Inc(stats.FrustumVisible)
		j.Stats.Inc(stats.OcclusionVisible)
		j.countFlags(out.Flags)
		j.Emit(i)
	}
}

// ClassifySecond re-tests the instance at dense slot i against the
// current HZB.
func (j *Job) ClassifySecond(i int) {
	out := classify.Second(j.Pool.input(i), &j.View.cv, j.HZB)
	j.record(i, 2, out)
	if out.Result != classify.Visible {
		return
	}
	j.Stats.Inc(stats.Reinstated)
	j.Stats.Inc(stats.OcclusionVisible)
	j.countFlags(out.Flags)
	j.Emit(i)
}

func (j *Job) countFlags(f classify.Flags) {
	if f&classify.Degenerate != 0 {
		j.Stats.Inc(stats.Degenerate)
	}
	if f&classify.NearClipped != 0 {
		j.Stats.Inc(stats.NearClipped)
	}
}

func (j *Job) record(i, pass int, out classify.Outcome) {
	if !j.Stats.Recording() {
		return
	}
	j.Stats.Record(stats.Record{
		Instance:     uint32(j.Pool.instances[i].ID),
		Pass:         pass,
		LOD:          out.LOD,
		MinU:         out.Rect.MinX,
		MinV:         out.Rect.MinY,
		MaxU:         out.Rect.MaxX,
		MaxV:         out.Rect.MaxY,
		NearestDepth: out.Nearest,
		HZBDepth:     out.HZB,
		Result:       uint32(out.Result),
	})
}

// cpuExecutor classifies in chunks of one workgroup on a worker pool.
type cpuExecutor struct {
	workers *parallel.WorkerPool
}

func newCPUExecutor(workers int) *cpuExecutor {
	return &cpuExecutor{workers: parallel.NewWorkerPool(workers)}
}

func (x *cpuExecutor) FirstPass(_ context.Context, job *Job) error {
	x.workers.For(job.Pool.Len(), retest.WorkgroupSize, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			job.ClassifyFirst(i)
		}
	})
	return nil
}

func (x *cpuExecutor) SecondPass(_ context.Context, job *Job, entries []uint32) error {
	x.workers.For(len(entries), retest.WorkgroupSize, func(lo, hi int) {
		for _, slot := range entries[lo:hi] {
			job.ClassifySecond(int(slot))
		}
	})
	return nil
}

// For exposes the worker pool to the HZB builder.
func (x *cpuExecutor) For(n, chunk int, fn func(lo, hi int)) {
	x.workers.For(n, chunk, fn)
}

func (x *cpuExecutor) Close() error {
	x.workers.Close()
	return nil
}
