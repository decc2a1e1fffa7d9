//go:build !nogpu

package gpu

import (
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/cull.wgsl
var cullShaderSource string

//go:embed shaders/hzb_reduce.wgsl
var reduceShaderSource string

// Entry points of the embedded shaders.
const (
	entryCullFirst  = "cs_cull_first"
	entryCullSecond = "cs_cull_second"
	entryReduce     = "cs_reduce"
)

// Workgroup sizes declared by the shaders.
const (
	cullWorkgroupSize   = 256
	reduceWorkgroupSide = 8
)

// CullShaderSource returns the WGSL source of the culling passes.
func CullShaderSource() string { return cullShaderSource }

// ReduceShaderSource returns the WGSL source of the HZB reduction.
func ReduceShaderSource() string { return reduceShaderSource }

// CompileShaderToSPIRV compiles WGSL source to SPIR-V words.
func CompileShaderToSPIRV(wgslSource string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}

	// SPIR-V is a stream of little-endian 32-bit words.
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}

// shaderSource returns the SPIR-V form of a shader compiled by naga. When
// naga cannot lower it, the WGSL text is handed to the device compiler.
func shaderSource(logger *slog.Logger, label, wgslSource string) hal.ShaderSource {
	code, err := CompileShaderToSPIRV(wgslSource)
	if err != nil {
		logger.Warn("gpu: naga compile failed, using WGSL", "shader", label, "err", err)
		return hal.ShaderSource{WGSL: wgslSource}
	}
	return hal.ShaderSource{SPIRV: code}
}
