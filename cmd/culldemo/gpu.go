//go:build !nogpu

package main

import (
	"github.com/gogpu/cull"
	"github.com/gogpu/cull/gpu"
)

func newGPUExecutor() (cull.Executor, error) {
	d := gpu.NewDispatcher(nil, nil)
	if err := d.Init(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
