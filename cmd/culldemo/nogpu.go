//go:build nogpu

package main

import (
	"errors"

	"github.com/gogpu/cull"
)

func newGPUExecutor() (cull.Executor, error) {
	return nil, errors.New("built with -tags nogpu")
}
