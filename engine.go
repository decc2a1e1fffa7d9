package cull

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/internal/retest"
	"github.com/gogpu/cull/internal/stats"
)

// DepthRenderer draws instances into a depth buffer. RunFrame calls it
// once with the first-pass draws and once with the draws reinstated by
// the second pass; depth keeps its contents between the two calls.
type DepthRenderer interface {
	RenderDepth(ctx context.Context, view *ViewContext, draws []indirect.DrawArgs, depth *hzb.DepthBuffer) error
}

// Engine runs two-pass occlusion culling over an InstancePool.
//
// An Engine runs one frame at a time. The pool and offset table must not
// change while a frame is open.
type Engine struct {
	pool   *InstancePool
	table  *indirect.OffsetTable
	opts   options
	logger *slog.Logger

	cpu      *cpuExecutor
	executor Executor

	first    *indirect.Compactor
	second   *indirect.Compactor
	spillCap int
	retest   retest.Queue
	stats    *stats.Collector

	// prev is the HZB of the last completed frame, cur the one being built.
	prev *hzb.Pyramid
	cur  *hzb.Pyramid

	depth *hzb.DepthBuffer

	active atomic.Bool
	frames uint64
}

// New creates an engine for pool whose draws are laid out by table.
func New(pool *InstancePool, table *indirect.OffsetTable, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{
		pool:   pool,
		table:  table,
		opts:   o,
		logger: o.logger,
		cpu:    newCPUExecutor(o.workers),
		stats:  stats.New(o.stats),
	}
	e.allocCompactors()
	e.stats.SetRecording(o.records)
	if e.logger == nil {
		e.logger = Logger()
	}

	e.executor = o.executor
	if e.executor == nil {
		e.executor = e.cpu
	}
	propagateLogger(e.executor, e.logger)

	e.logger.Info("cull: engine created",
		"instances", pool.Len(),
		"ranges", table.Len(),
		"slots", table.ArgLen(),
		"workers", e.cpu.workers.Workers(),
		"executor", fmt.Sprintf("%T", e.executor))
	return e
}

// allocCompactors sizes both compactors for the current table, with spill
// room for every instance in every pass.
func (e *Engine) allocCompactors() {
	e.spillCap = e.pool.Len() * len(e.table.Passes())
	e.first = indirect.NewCompactor(e.table, e.spillCap)
	e.second = indirect.NewCompactor(e.table, e.spillCap)
}

// SetOffsetTable replaces the draw layout, e.g. after instances were
// registered. It must not be called while a frame is open.
func (e *Engine) SetOffsetTable(table *indirect.OffsetTable) error {
	if e.active.Load() {
		return ErrFrameActive
	}
	e.table = table
	e.allocCompactors()
	return nil
}

// SetStatsEnabled toggles statistics counting at runtime.
func (e *Engine) SetStatsEnabled(on bool) { e.stats.SetEnabled(on) }

// Pool returns the instance pool.
func (e *Engine) Pool() *InstancePool { return e.pool }

// HZB returns the pyramid of the last completed frame, or nil.
func (e *Engine) HZB() *hzb.Pyramid { return e.prev }

// Close stops the worker pool and closes the executor if it is an
// io.Closer.
func (e *Engine) Close() error {
	var err error
	if e.executor != Executor(e.cpu) {
		if c, ok := e.executor.(io.Closer); ok {
			err = c.Close()
		}
	}
	_ = e.cpu.Close()
	return err
}

// BeginFrame opens a frame for view, clearing last frame's draws, retest
// queue and statistics.
func (e *Engine) BeginFrame(view *ViewContext) (*Frame, error) {
	if view == nil {
		return nil, fmt.Errorf("%w: nil view", ErrInvalidView)
	}
	if !e.active.CompareAndSwap(false, true) {
		return nil, ErrFrameActive
	}

	passes := e.activePasses()
	if len(passes) == 0 {
		e.active.Store(false)
		return nil, ErrNoPasses
	}

	if e.spillCap < e.pool.Len()*len(e.table.Passes()) {
		e.allocCompactors()
	}
	e.first.Reset()
	e.second.Reset()
	e.retest.Reset(e.pool.Len())
	e.stats.Reset()
	e.stats.Reserve(2 * e.pool.Len())
	e.frames++

	f := &Frame{
		engine: e,
		view:   view,
		passes: passes,
		index:  e.frames,
	}
	e.logger.Debug("cull: frame begin", "frame", f.index, "instances", e.pool.Len(), "passes", len(passes))
	return f, nil
}

// activePasses returns the configured passes present in the current table,
// or every pass of the table when none were configured.
func (e *Engine) activePasses() []indirect.PassID {
	if len(e.opts.passes) == 0 {
		return slices.Clone(e.table.Passes())
	}
	var out []indirect.PassID
	for _, p := range e.opts.passes {
		if e.table.HasPass(p) {
			out = append(out, p)
		}
	}
	return out
}

// RunFrame runs a whole frame: first pass, depth render, HZB rebuild,
// second pass, depth render of the reinstated draws and a final HZB
// rebuild for the next frame.
func (e *Engine) RunFrame(ctx context.Context, view *ViewContext, renderer DepthRenderer) (*FrameResult, error) {
	f, err := e.BeginFrame(view)
	if err != nil {
		return nil, err
	}
	defer f.Abort()

	depth, err := e.depthBuffer(view.Width, view.Height)
	if err != nil {
		return nil, err
	}

	if err := f.CullFirstPass(ctx); err != nil {
		return nil, err
	}
	if err := renderer.RenderDepth(ctx, view, f.FirstPassDraws(e.opts.depthPass), depth); err != nil {
		return nil, fmt.Errorf("render first pass depth: %w", err)
	}
	if err := f.RebuildHZB(ctx, depth); err != nil {
		return nil, err
	}
	if err := f.CullSecondPass(ctx); err != nil {
		return nil, err
	}
	if err := renderer.RenderDepth(ctx, view, f.SecondPassDraws(e.opts.depthPass), depth); err != nil {
		return nil, fmt.Errorf("render second pass depth: %w", err)
	}
	if err := f.RebuildHZB(ctx, depth); err != nil {
		return nil, err
	}
	return f.End()
}

// depthBuffer returns the engine's depth buffer, cleared and sized to the
// viewport.
func (e *Engine) depthBuffer(w, h int) (*hzb.DepthBuffer, error) {
	if e.depth == nil || e.depth.Width != w || e.depth.Height != h {
		d, err := hzb.NewDepthBuffer(w, h)
		if err != nil {
			return nil, err
		}
		e.depth = d
		return d, nil
	}
	e.depth.Clear()
	return e.depth, nil
}
