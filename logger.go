package cull

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler drops every record. Enabled is false, so engines skip
// building attributes when nobody listens.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr is the fallback for engines and dispatchers built without
// WithLogger.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger used by engines that were not given one
// with WithLogger. By default nothing is logged. Pass nil to restore the
// silent default.
//
// Log levels used by cull:
//   - [slog.LevelDebug]: per-phase counts, buffer sizes
//   - [slog.LevelInfo]: lifecycle (engine created, GPU executor selected)
//   - [slog.LevelWarn]: degenerate instances, executor fallback
//   - [slog.LevelError]: draw range capacity overflow
//
// Example:
//
//	cull.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the package logger. gpu.Dispatcher starts with it until
// an engine hands over its own.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by executors that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes l to an executor that supports logging.
func propagateLogger(x Executor, l *slog.Logger) {
	if ls, ok := x.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
