//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// buffers are the device buffers of the culling passes. They grow to the
// largest frame seen and are reused.
type buffers struct {
	params    hal.Buffer
	instances hal.Buffer
	entries   hal.Buffer
	retest    hal.Buffer
	counters  hal.Buffer
	args      hal.Buffer
	spill     hal.Buffer
	staging   hal.Buffer

	hzb        hal.Buffer
	hzbStaging hal.Buffer

	layout   bufferLayout
	hzbSize  uint64
	hzbStage uint64
}

// bufferLayout holds the capacities buffers were allocated for, and where
// each output lands in the staging buffer.
type bufferLayout struct {
	Instances int
	Ranges    int
	ArgSlots  int
	SpillCap  int

	argsOffset   uint64
	retestOffset uint64
	spillOffset  uint64
	stagingSize  uint64
}

func newBufferLayout(instances, ranges, argSlots, spillCap int) bufferLayout {
	l := bufferLayout{
		Instances: instances,
		Ranges:    ranges,
		ArgSlots:  argSlots,
		SpillCap:  spillCap,
	}
	l.argsOffset = l.countersSize()
	l.retestOffset = l.argsOffset + l.argsSize()
	l.spillOffset = l.retestOffset + l.retestSize()
	l.stagingSize = l.spillOffset + l.spillSize()
	return l
}

func (l bufferLayout) countersSize() uint64 { return uint64(counterSlots+l.Ranges) * 4 }
func (l bufferLayout) argsSize() uint64     { return bufferSize(l.ArgSlots * indirectArgSize) }
func (l bufferLayout) retestSize() uint64   { return bufferSize(l.Instances * 4) }
func (l bufferLayout) spillSize() uint64    { return bufferSize(l.SpillCap * spillRecordSize) }

func (l bufferLayout) fits(o bufferLayout) bool {
	return o.Instances <= l.Instances && o.Ranges <= l.Ranges &&
		o.ArgSlots <= l.ArgSlots && o.SpillCap <= l.SpillCap
}

func createBuffer(device hal.Device, label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	b, err := device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		return nil, fmt.Errorf("create %s buffer: %w", label, err)
	}
	return b, nil
}

// allocate replaces the culling buffers when want does not fit the
// current ones.
func (b *buffers) allocate(device hal.Device, want bufferLayout) error {
	if b.params != nil && b.layout.fits(want) {
		return nil
	}
	b.destroyCull(device)

	const (
		storageIn  = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
		storageOut = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	)
	specs := []struct {
		dst   *hal.Buffer
		label string
		size  uint64
		usage gputypes.BufferUsage
	}{
		{&b.params, "cull_params", cullParamsSize, gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst},
		{&b.instances, "cull_instances", bufferSize(want.Instances * InstanceRecordSize), storageIn},
		{&b.entries, "cull_entries", bufferSize(want.Ranges * entrySize), storageIn},
		{&b.retest, "cull_retest", want.retestSize(), storageOut},
		{&b.counters, "cull_counters", want.countersSize(), storageOut},
		{&b.args, "cull_args", want.argsSize(), storageOut},
		{&b.spill, "cull_spill", want.spillSize(), storageOut},
		{&b.staging, "cull_staging", want.stagingSize, gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst},
	}
	for _, s := range specs {
		buf, err := createBuffer(device, s.label, s.size, s.usage)
		if err != nil {
			b.destroyCull(device)
			return err
		}
		*s.dst = buf
	}
	b.layout = want
	return nil
}

// ensureHZB grows the flat HZB buffer to hold texels floats.
func (b *buffers) ensureHZB(device hal.Device, texels int) error {
	size := bufferSize(texels * 4)
	if b.hzb != nil && b.hzbSize >= size {
		return nil
	}
	if b.hzb != nil {
		device.DestroyBuffer(b.hzb)
		b.hzb = nil
	}
	buf, err := createBuffer(device, "hzb_texels", size,
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc)
	if err != nil {
		return err
	}
	b.hzb, b.hzbSize = buf, size
	return nil
}

func (b *buffers) ensureHZBStaging(device hal.Device, texels int) error {
	size := bufferSize(texels * 4)
	if b.hzbStaging != nil && b.hzbStage >= size {
		return nil
	}
	if b.hzbStaging != nil {
		device.DestroyBuffer(b.hzbStaging)
		b.hzbStaging = nil
	}
	buf, err := createBuffer(device, "hzb_staging", size,
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	b.hzbStaging, b.hzbStage = buf, size
	return nil
}

func (b *buffers) destroyCull(device hal.Device) {
	for _, p := range []*hal.Buffer{&b.params, &b.instances, &b.entries, &b.retest, &b.counters, &b.args, &b.spill, &b.staging} {
		if *p != nil && device != nil {
			device.DestroyBuffer(*p)
		}
		*p = nil
	}
	b.layout = bufferLayout{}
}

func (b *buffers) destroy(device hal.Device) {
	b.destroyCull(device)
	for _, p := range []*hal.Buffer{&b.hzb, &b.hzbStaging} {
		if *p != nil && device != nil {
			device.DestroyBuffer(*p)
		}
		*p = nil
	}
	b.hzbSize, b.hzbStage = 0, 0
}
