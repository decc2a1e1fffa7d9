//go:build !nogpu

// Package gpu runs the culling passes and the HZB build as compute shaders
// on a wgpu HAL device.
//
// A Dispatcher implements cull.Executor and cull.HZBBuilder, so handing it
// to an engine moves all per-instance work to the device:
//
//	d := gpu.NewDispatcher(device, queue)
//	if err := d.Init(); err != nil {
//	    return err
//	}
//	engine := cull.New(pool, table, cull.WithExecutor(d))
//	defer engine.Close() // closes d
//
// Each pass uploads the instance records, dispatches one invocation per
// instance, waits on a fence and reads the counters, the argument heap, the
// retest list and the spilled draws back into the engine's buffers. The
// depth convention, LOD selection and overflow behaviour match the CPU
// executor.
//
// Build with -tags nogpu to leave the package out.
package gpu
