package cull

import (
	"context"
	"log/slog"
	"slices"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull/indirect"
)

// recordingExecutor runs nothing and remembers the logger it was given.
type recordingExecutor struct {
	logger *slog.Logger
	closed bool
}

func (x *recordingExecutor) FirstPass(context.Context, *Job) error            { return nil }
func (x *recordingExecutor) SecondPass(context.Context, *Job, []uint32) error { return nil }
func (x *recordingExecutor) SetLogger(l *slog.Logger)                         { x.logger = l }
func (x *recordingExecutor) Close() error                                     { x.closed = true; return nil }

func newOptionsEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	pool := NewInstancePool()
	mesh := pool.RegisterMesh(Mesh{BoundingSphere: Sphere{Radius: 1}, IndexCount: 3})
	if _, err := pool.Register(0, mesh, pool.AddTransform(mgl32.Ident4())); err != nil {
		t.Fatal(err)
	}
	table, err := pool.OffsetTable(DepthPass, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	e := New(pool, table, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestDefaultOptions(t *testing.T) {
	e := newOptionsEngine(t)

	if !e.stats.Enabled() {
		t.Error("stats disabled by default")
	}
	if e.stats.Recording() {
		t.Error("debug records enabled by default")
	}
	if e.opts.depthPass != DepthPass {
		t.Errorf("depthPass = %d, want %d", e.opts.depthPass, DepthPass)
	}
	if e.opts.passes != nil {
		t.Errorf("passes = %v, want nil for every table pass", e.opts.passes)
	}
	if want := []indirect.PassID{0, 1, 2}; !slices.Equal(e.activePasses(), want) {
		t.Errorf("activePasses() = %v, want %v", e.activePasses(), want)
	}
	if e.executor != Executor(e.cpu) {
		t.Errorf("executor = %T, want the CPU executor", e.executor)
	}
	if e.logger == nil {
		t.Error("engine has no logger")
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(t *testing.T, e *Engine)
	}{
		{
			name: "workers",
			opt:  WithWorkers(3),
			check: func(t *testing.T, e *Engine) {
				if got := e.cpu.workers.Workers(); got != 3 {
					t.Errorf("Workers() = %d, want 3", got)
				}
			},
		},
		{
			name: "stats off",
			opt:  WithStats(false),
			check: func(t *testing.T, e *Engine) {
				if e.stats.Enabled() {
					t.Error("stats still enabled")
				}
			},
		},
		{
			name: "debug records",
			opt:  WithDebugRecords(true),
			check: func(t *testing.T, e *Engine) {
				if !e.stats.Recording() {
					t.Error("recording not enabled")
				}
			},
		},
		{
			name: "passes",
			opt:  WithPasses(2, 0),
			check: func(t *testing.T, e *Engine) {
				if want := []indirect.PassID{2, 0}; !slices.Equal(e.opts.passes, want) {
					t.Errorf("passes = %v, want %v", e.opts.passes, want)
				}
			},
		},
		{
			name: "depth pass",
			opt:  WithDepthPass(2),
			check: func(t *testing.T, e *Engine) {
				if e.opts.depthPass != 2 {
					t.Errorf("depthPass = %d, want 2", e.opts.depthPass)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, newOptionsEngine(t, tt.opt))
		})
	}
}

func TestWithPasses_Copies(t *testing.T) {
	ids := []indirect.PassID{1, 2}
	e := newOptionsEngine(t, WithPasses(ids...))
	ids[0] = 7
	if e.opts.passes[0] != 1 {
		t.Error("WithPasses kept a reference to the caller's slice")
	}
}

func TestWithExecutor(t *testing.T) {
	x := &recordingExecutor{}
	l := newNopLogger()
	e := newOptionsEngine(t, WithExecutor(x), WithLogger(l))

	if e.executor != Executor(x) {
		t.Fatalf("executor = %T, want *recordingExecutor", e.executor)
	}
	if x.logger != l {
		t.Error("engine logger not propagated to the executor")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !x.closed {
		t.Error("Close did not close the executor")
	}
}
