//go:build !nogpu

package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/hzb"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Errors returned by the dispatcher.
var (
	ErrNotInitialized = errors.New("gpu: dispatcher not initialized")
	ErrTooManyPasses  = errors.New("gpu: too many active passes")
	ErrTimeout        = errors.New("gpu: fence wait timed out")
	ErrNoProvider     = errors.New("gpu: provider does not expose HAL types")
)

// DefaultTimeout bounds every fence wait.
const DefaultTimeout = 5 * time.Second

// Dispatcher runs the culling passes and the HZB build on a HAL device.
// It implements cull.Executor and cull.HZBBuilder.
//
// A Dispatcher serializes its own calls; the engine never overlaps them.
type Dispatcher struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	cullShader     hal.ShaderModule
	cullBindLayout hal.BindGroupLayout
	cullPipeLayout hal.PipelineLayout
	firstPipeline  hal.ComputePipeline
	secondPipeline hal.ComputePipeline

	reduceShader     hal.ShaderModule
	reduceBindLayout hal.BindGroupLayout
	reducePipeLayout hal.PipelineLayout
	reducePipeline   hal.ComputePipeline

	bufs     buffers
	records  []byte // instance records of the current frame
	hzbBytes []byte
	readback []byte

	logger atomic.Pointer[slog.Logger]

	timeout        time.Duration
	ready          bool
	externalDevice bool // true when using a shared device (don't destroy on Close)
	warnedRecords  bool
}

var (
	_ cull.Executor   = (*Dispatcher)(nil)
	_ cull.HZBBuilder = (*Dispatcher)(nil)
)

// NewDispatcher returns a dispatcher on a device owned by the caller. A nil
// device makes Init open its own Vulkan device.
func NewDispatcher(device hal.Device, queue hal.Queue) *Dispatcher {
	d := &Dispatcher{
		device:         device,
		queue:          queue,
		timeout:        DefaultTimeout,
		externalDevice: device != nil,
	}
	d.logger.Store(cull.Logger())
	return d
}

// NewDispatcherFromProvider returns a dispatcher sharing the device of a
// host application. The provider must also implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func NewDispatcherFromProvider(provider gpucontext.DeviceProvider) (*Dispatcher, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := any(provider).(halProvider)
	if !ok {
		return nil, ErrNoProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoProvider)
	}
	return NewDispatcher(device, queue), nil
}

// SetLogger replaces the dispatcher's logger. The engine calls it with its
// own logger; nil falls back to cull.Logger.
func (d *Dispatcher) SetLogger(l *slog.Logger) {
	if l == nil {
		l = cull.Logger()
	}
	d.logger.Store(l)
}

func (d *Dispatcher) log() *slog.Logger { return d.logger.Load() }

// SetTimeout changes the fence wait limit.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t <= 0 {
		t = DefaultTimeout
	}
	d.timeout = t
}

// Ready reports whether Init succeeded.
func (d *Dispatcher) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Init opens a device if none was given and creates the pipelines.
func (d *Dispatcher) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return nil
	}
	if d.device == nil {
		if err := d.openDevice(); err != nil {
			return err
		}
	}
	if err := d.createPipelines(); err != nil {
		d.destroyPipelines()
		return fmt.Errorf("gpu: create pipelines: %w", err)
	}
	d.ready = true
	d.log().Info("gpu: dispatcher initialized", "shared", d.externalDevice)
	return nil
}

func (d *Dispatcher) openDevice() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("gpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("gpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("gpu: no GPU adapters found")
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("gpu: open device: %w", err)
	}
	d.instance = instance
	d.device = openDev.Device
	d.queue = openDev.Queue
	d.log().Info("gpu: device opened", "adapter", selected.Info.Name)
	return nil
}

func bindingEntry(binding uint32, kind gputypes.BufferBindingType) gputypes.BindGroupLayoutEntry {
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: kind},
	}
}

func (d *Dispatcher) createPipelines() error {
	var err error
	d.cullShader, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "cull",
		Source: shaderSource(d.log(), "cull", cullShaderSource),
	})
	if err != nil {
		return fmt.Errorf("compile cull shader: %w", err)
	}
	d.cullBindLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "cull_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			bindingEntry(0, gputypes.BufferBindingTypeUniform),
			bindingEntry(1, gputypes.BufferBindingTypeReadOnlyStorage),
			bindingEntry(2, gputypes.BufferBindingTypeReadOnlyStorage),
			bindingEntry(3, gputypes.BufferBindingTypeReadOnlyStorage),
			bindingEntry(4, gputypes.BufferBindingTypeStorage),
			bindingEntry(5, gputypes.BufferBindingTypeStorage),
			bindingEntry(6, gputypes.BufferBindingTypeStorage),
			bindingEntry(7, gputypes.BufferBindingTypeStorage),
		},
	})
	if err != nil {
		return fmt.Errorf("create cull bind group layout: %w", err)
	}
	d.cullPipeLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "cull_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{d.cullBindLayout},
	})
	if err != nil {
		return fmt.Errorf("create cull pipeline layout: %w", err)
	}
	d.firstPipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: "cull_first", Layout: d.cullPipeLayout,
		Compute: hal.ComputeState{Module: d.cullShader, EntryPoint: entryCullFirst},
	})
	if err != nil {
		return fmt.Errorf("create first pass pipeline: %w", err)
	}
	d.secondPipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: "cull_second", Layout: d.cullPipeLayout,
		Compute: hal.ComputeState{Module: d.cullShader, EntryPoint: entryCullSecond},
	})
	if err != nil {
		return fmt.Errorf("create second pass pipeline: %w", err)
	}

	d.reduceShader, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "hzb_reduce",
		Source: shaderSource(d.log(), "hzb_reduce", reduceShaderSource),
	})
	if err != nil {
		return fmt.Errorf("compile hzb_reduce shader: %w", err)
	}
	d.reduceBindLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "hzb_reduce_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			bindingEntry(0, gputypes.BufferBindingTypeUniform),
			bindingEntry(1, gputypes.BufferBindingTypeStorage),
		},
	})
	if err != nil {
		return fmt.Errorf("create hzb_reduce bind group layout: %w", err)
	}
	d.reducePipeLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "hzb_reduce_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{d.reduceBindLayout},
	})
	if err != nil {
		return fmt.Errorf("create hzb_reduce pipeline layout: %w", err)
	}
	d.reducePipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: "hzb_reduce", Layout: d.reducePipeLayout,
		Compute: hal.ComputeState{Module: d.reduceShader, EntryPoint: entryReduce},
	})
	if err != nil {
		return fmt.Errorf("create hzb_reduce pipeline: %w", err)
	}
	return nil
}

func (d *Dispatcher) destroyPipelines() {
	if d.device == nil {
		return
	}
	for _, p := range []hal.ComputePipeline{d.firstPipeline, d.secondPipeline, d.reducePipeline} {
		if p != nil {
			d.device.DestroyComputePipeline(p)
		}
	}
	for _, l := range []hal.PipelineLayout{d.cullPipeLayout, d.reducePipeLayout} {
		if l != nil {
			d.device.DestroyPipelineLayout(l)
		}
	}
	for _, l := range []hal.BindGroupLayout{d.cullBindLayout, d.reduceBindLayout} {
		if l != nil {
			d.device.DestroyBindGroupLayout(l)
		}
	}
	for _, s := range []hal.ShaderModule{d.cullShader, d.reduceShader} {
		if s != nil {
			d.device.DestroyShaderModule(s)
		}
	}
	d.firstPipeline, d.secondPipeline, d.reducePipeline = nil, nil, nil
	d.cullPipeLayout, d.reducePipeLayout = nil, nil
	d.cullBindLayout, d.reduceBindLayout = nil, nil
	d.cullShader, d.reduceShader = nil, nil
}

// Close releases every buffer and pipeline, and the device if the
// dispatcher opened it. Close is safe to call twice.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.bufs.destroy(d.device)
	d.destroyPipelines()
	if !d.externalDevice {
		if d.device != nil {
			d.device.Destroy()
		}
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
	d.ready = false
	return nil
}

// submit ends encoding, submits and waits for the device.
func (d *Dispatcher) submit(encoder hal.CommandEncoder) error {
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	ok, err := d.device.Wait(fence, 1, d.timeout)
	if err != nil {
		return fmt.Errorf("wait for GPU: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w after %v", ErrTimeout, d.timeout)
	}
	return nil
}

// BuildHZB rebuilds p from depth on the device: the depth buffer is
// uploaded once, each level is one compute pass reading the level before
// it, and the finished levels are read back into p.
func (d *Dispatcher) BuildHZB(ctx context.Context, p *hzb.Pyramid, depth *hzb.DepthBuffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth == nil {
		return hzb.ErrNilDepth
	}
	if depth.Width <= 0 || depth.Height <= 0 || len(depth.Data) < depth.Width*depth.Height {
		return fmt.Errorf("%w: depth buffer %dx%d", hzb.ErrInvalidSize, depth.Width, depth.Height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return ErrNotInitialized
	}

	offsets, levelTexels := levelOffsets(p)
	depthTexels := depth.Width * depth.Height
	if err := d.bufs.ensureHZB(d.device, levelTexels+depthTexels); err != nil {
		return err
	}
	if err := d.bufs.ensureHZBStaging(d.device, levelTexels); err != nil {
		return err
	}

	depthBytes := make([]byte, depthTexels*4)
	for i, v := range depth.Data[:depthTexels] {
		putF32(depthBytes[i*4:], v)
	}
	depthOffset := uint32(levelTexels)
	d.queue.WriteBuffer(d.bufs.hzb, uint64(depthOffset)*4, depthBytes)

	levels := min(p.Levels(), MaxLevels)
	uniforms := make([]hal.Buffer, 0, levels)
	groups := make([]hal.BindGroup, 0, levels)
	defer func() {
		for _, g := range groups {
			d.device.DestroyBindGroup(g)
		}
		for _, u := range uniforms {
			d.device.DestroyBuffer(u)
		}
	}()

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "hzb_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("hzb_reduce"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	src := reduceParams{
		srcWidth:  uint32(depth.Width),
		srcHeight: uint32(depth.Height),
		srcOffset: depthOffset,
	}
	for i := 0; i < levels; i++ {
		l := p.Level(i)
		params := src
		params.dstWidth, params.dstHeight = uint32(l.Width), uint32(l.Height)
		params.dstOffset = offsets[i]

		ub, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "hzb_reduce_params", Size: reduceParamsSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("create uniform buffer %d: %w", i, err)
		}
		uniforms = append(uniforms, ub)
		d.queue.WriteBuffer(ub, 0, params.bytes())

		bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label: "hzb_reduce_bind", Layout: d.reduceBindLayout,
			Entries: []gputypes.BindGroupEntry{
				{Binding: 0, Resource: gputypes.BufferBinding{Buffer: ub.NativeHandle(), Size: reduceParamsSize}},
				{Binding: 1, Resource: gputypes.BufferBinding{Buffer: d.bufs.hzb.NativeHandle(), Size: d.bufs.hzbSize}},
			},
		})
		if err != nil {
			return fmt.Errorf("create bind group %d: %w", i, err)
		}
		groups = append(groups, bg)

		// One pass per level; pass boundaries order the storage writes.
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "hzb_reduce_pass"})
		pass.SetPipeline(d.reducePipeline)
		pass.SetBindGroup(0, bg, nil)
		pass.Dispatch(workgroups(l.Width, reduceWorkgroupSide), workgroups(l.Height, reduceWorkgroupSide), 1)
		pass.End()

		src = reduceParams{
			srcWidth:  params.dstWidth,
			srcHeight: params.dstHeight,
			srcOffset: params.dstOffset,
		}
	}

	encoder.CopyBufferToBuffer(d.bufs.hzb, d.bufs.hzbStaging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: uint64(levelTexels) * 4},
	})
	if err := d.submit(encoder); err != nil {
		return err
	}

	out := make([]byte, levelTexels*4)
	if err := d.queue.ReadBuffer(d.bufs.hzbStaging, 0, out); err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	for i := 0; i < levels; i++ {
		data := p.Level(i).Data
		base := int(offsets[i]) * 4
		for j := range data {
			data[j] = getF32(out[base+j*4:])
		}
	}
	p.Commit()

	d.log().Debug("gpu: HZB built", "levels", levels, "texels", levelTexels)
	return nil
}
