package cull

import (
	"context"
	"fmt"

	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/internal/stats"
)

type stage int

const (
	stageBegun stage = iota
	stageFirstCulled
	stageHZBRebuilt
	stageSecondCulled
	stageFinalRebuilt
	stageEnded
)

// Frame is one open frame of an Engine. Its methods must be called in
// order: CullFirstPass, RebuildHZB, CullSecondPass, optionally RebuildHZB
// again, End. Each returns only once its work is complete, so the return
// of one phase is the barrier for the next.
type Frame struct {
	engine *Engine
	view   *ViewContext
	passes []indirect.PassID
	index  uint64

	stage      stage
	generation uint64
}

// View returns the frame's view.
func (f *Frame) View() *ViewContext { return f.view }

// CullFirstPass classifies every instance against the previous frame's
// HZB. Visible instances are appended to the first-pass draws, occluded
// ones to the retest queue.
func (f *Frame) CullFirstPass(ctx context.Context) error {
	if f.stage != stageBegun {
		return fmt.Errorf("%w: first pass already run", ErrBarrier)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e := f.engine
	if err := e.executor.FirstPass(ctx, f.job(e.prev, e.first)); err != nil {
		return fmt.Errorf("first pass: %w", err)
	}
	f.stage = stageFirstCulled

	e.logger.Debug("cull: first pass",
		"frame", f.index,
		"visible", e.first.Total(),
		"retest", e.retest.Len())
	return nil
}

// RebuildHZB builds the current frame's HZB from depth. It is called after
// the first pass has been rendered, and may be called again after the
// second pass to include the reinstated draws in the next frame's HZB.
func (f *Frame) RebuildHZB(ctx context.Context, depth *hzb.DepthBuffer) error {
	switch f.stage {
	case stageFirstCulled, stageSecondCulled:
	default:
		return fmt.Errorf("%w: HZB rebuild before a culling pass", ErrBarrier)
	}
	if depth == nil {
		return hzb.ErrNilDepth
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e := f.engine
	w, h := hzb.Extents(depth.Width, depth.Height)
	if e.cur == nil || e.cur.Width() != w || e.cur.Height() != h {
		p, err := hzb.New(depth.Width, depth.Height)
		if err != nil {
			return err
		}
		e.cur = p
	}
	if b, ok := e.executor.(HZBBuilder); ok {
		if err := b.BuildHZB(ctx, e.cur, depth); err != nil {
			return fmt.Errorf("rebuild HZB: %w", err)
		}
	} else if err := e.cur.Rebuild(depth, e.cpu); err != nil {
		return fmt.Errorf("rebuild HZB: %w", err)
	}
	f.generation = e.cur.Generation()

	if f.stage == stageFirstCulled {
		f.stage = stageHZBRebuilt
	} else {
		f.stage = stageFinalRebuilt
	}
	e.logger.Debug("cull: HZB rebuilt", "frame", f.index, "size", fmt.Sprintf("%dx%d", w, h), "levels", e.cur.Levels())
	return nil
}

// CullSecondPass re-tests the retest queue against the HZB rebuilt this
// frame and appends the instances found visible to the second-pass draws.
func (f *Frame) CullSecondPass(ctx context.Context) error {
	if f.stage != stageHZBRebuilt {
		return fmt.Errorf("%w: second pass requires a rebuilt HZB", ErrBarrier)
	}
	e := f.engine
	if e.cur == nil || e.cur.Generation() != f.generation {
		return fmt.Errorf("%w: HZB changed since rebuild", ErrBarrier)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := e.retest.Consume()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBarrier, err)
	}
	if err := e.executor.SecondPass(ctx, f.job(e.cur, e.second), entries); err != nil {
		return fmt.Errorf("second pass: %w", err)
	}
	f.stage = stageSecondCulled

	e.logger.Debug("cull: second pass",
		"frame", f.index,
		"retested", len(entries),
		"reinstated", e.second.Total())
	return nil
}

func (f *Frame) job(p *hzb.Pyramid, draws *indirect.Compactor) *Job {
	e := f.engine
	return &Job{
		Pool:   e.pool,
		View:   f.view,
		HZB:    p,
		Passes: f.passes,
		Draws:  draws,
		Retest: &e.retest,
		Stats:  e.stats,
		Logger: e.logger,
	}
}

// FirstPassDraws returns the draws of pass produced by the first pass,
// spilled draws included.
func (f *Frame) FirstPassDraws(pass indirect.PassID) []indirect.DrawArgs {
	return flatten(f.engine.first, pass)
}

// SecondPassDraws returns the draws of pass reinstated by the second pass,
// spilled draws included.
func (f *Frame) SecondPassDraws(pass indirect.PassID) []indirect.DrawArgs {
	return flatten(f.engine.second, pass)
}

func flatten(c *indirect.Compactor, pass indirect.PassID) []indirect.DrawArgs {
	var out []indirect.DrawArgs
	for _, b := range c.Draws(pass) {
		out = append(out, b.Args...)
	}
	for _, d := range c.Spilled() {
		if d.Pass == pass {
			out = append(out, d.Args)
		}
	}
	return out
}

// FrameResult is the output of a completed frame. The batches alias the
// engine's buffers and are valid until the next BeginFrame.
type FrameResult struct {
	Stats    Stats
	Overflow []indirect.Overflow

	// First and Second hold, per active pass, the draws of each culling
	// pass grouped by render state.
	First  map[indirect.PassID][]indirect.Batch
	Second map[indirect.PassID][]indirect.Batch

	// Spilled holds draws that did not fit their range. They must still be
	// submitted.
	Spilled []indirect.SpilledDraw

	Records []DebugRecord
}

// End closes the frame. The HZB built this frame becomes the previous HZB
// of the next one. If any range overflowed, End still returns the result
// and an error wrapping ErrCapacityOverflow.
func (f *Frame) End() (*FrameResult, error) {
	if f.stage != stageSecondCulled && f.stage != stageFinalRebuilt {
		return nil, fmt.Errorf("%w: frame ended before the second pass", ErrBarrier)
	}
	e := f.engine

	res := &FrameResult{
		First:  make(map[indirect.PassID][]indirect.Batch, len(f.passes)),
		Second: make(map[indirect.PassID][]indirect.Batch, len(f.passes)),
	}
	for _, pass := range f.passes {
		res.First[pass] = e.first.Draws(pass)
		res.Second[pass] = e.second.Draws(pass)
	}
	res.Overflow = append(e.first.Overflow(), e.second.Overflow()...)
	res.Spilled = append(append([]indirect.SpilledDraw(nil), e.first.Spilled()...), e.second.Spilled()...)
	if len(res.Spilled) > 0 {
		e.stats.Add(stats.Overflowed, uint64(len(res.Spilled)))
	}
	res.Stats = statsFrom(e.stats.Snapshot())
	res.Records = recordsFrom(e.stats.Records())

	e.prev, e.cur = e.cur, e.prev
	f.stage = stageEnded
	e.active.Store(false)

	if res.Stats.Degenerate > 0 {
		e.logger.Warn("cull: degenerate bounds drawn unculled", "frame", f.index, "count", res.Stats.Degenerate)
	}
	e.logger.Debug("cull: frame end",
		"frame", f.index,
		"total", res.Stats.Total,
		"frustum_visible", res.Stats.FrustumVisible,
		"occlusion_visible", res.Stats.OcclusionVisible)

	if len(res.Overflow) > 0 {
		e.logger.Error("cull: draw range capacity exceeded",
			"frame", f.index,
			"ranges", len(res.Overflow),
			"spilled", len(res.Spilled))
		return res, fmt.Errorf("%w: %d ranges, %d draws spilled", ErrCapacityOverflow, len(res.Overflow), len(res.Spilled))
	}
	return res, nil
}

// Abort closes the frame without producing a result. The previous HZB is
// kept. Abort after End is a no-op.
func (f *Frame) Abort() {
	if f.stage == stageEnded {
		return
	}
	f.stage = stageEnded
	f.engine.active.Store(false)
}
