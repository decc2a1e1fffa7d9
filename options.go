package cull

import (
	"log/slog"

	"github.com/gogpu/cull/indirect"
)

// DepthPass is the pass RunFrame hands to the DepthRenderer.
const DepthPass indirect.PassID = 0

// Option configures an Engine.
//
// Example:
//
//	eng := cull.New(pool, table,
//	    cull.WithWorkers(4),
//	    cull.WithStats(true),
//	)
type Option func(*options)

type options struct {
	workers   int
	stats     bool
	records   bool
	passes    []indirect.PassID
	depthPass indirect.PassID
	executor  Executor
	logger    *slog.Logger
}

func defaultOptions() options {
	return options{
		stats:     true,
		depthPass: DepthPass,
	}
}

// WithWorkers sets the number of CPU culling workers. 0 uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithStats enables or disables statistics counting. Counting is on by
// default; it can be toggled later with Engine.SetStatsEnabled.
func WithStats(enabled bool) Option {
	return func(o *options) {
		o.stats = enabled
	}
}

// WithDebugRecords keeps one diagnostic record per classification,
// returned in FrameResult.Records. Expensive; meant for debugging views.
func WithDebugRecords(enabled bool) Option {
	return func(o *options) {
		o.records = enabled
	}
}

// WithPasses restricts culling output to the given passes. By default every
// pass in the offset table is active.
func WithPasses(passes ...indirect.PassID) Option {
	return func(o *options) {
		o.passes = append([]indirect.PassID(nil), passes...)
	}
}

// WithDepthPass selects the pass whose draws RunFrame renders into the
// depth buffer. Defaults to DepthPass.
func WithDepthPass(pass indirect.PassID) Option {
	return func(o *options) {
		o.depthPass = pass
	}
}

// WithExecutor replaces the CPU culling executor, e.g. with a
// gpu.Dispatcher.
func WithExecutor(x Executor) Option {
	return func(o *options) {
		o.executor = x
	}
}

// WithLogger sets the engine's logger instead of the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
