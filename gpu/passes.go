//go:build !nogpu

package gpu

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/internal/stats"
)

// Counts are the counters read back after a pass.
type Counts struct {
	// Stats are indexed like the engine's statistics counters.
	Stats [statSlots]uint32
	// Retest is the number of instances queued for the second pass.
	Retest uint32
	// Spilled is the number of draws that did not fit their range,
	// including those the spill buffer had no room for.
	Spilled uint32
	// Ranges holds the append count of every offset table range. Values
	// above the range capacity mark an overflow.
	Ranges []uint32
}

// AllocateBuffers sizes the culling buffers for the given capacities.
// Buffers only grow; smaller requests reuse the current ones.
func (d *Dispatcher) AllocateBuffers(instances, ranges, argSlots, spillCap int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocateLocked(instances, ranges, argSlots, spillCap)
}

func (d *Dispatcher) allocateLocked(instances, ranges, argSlots, spillCap int) error {
	if !d.ready {
		return ErrNotInitialized
	}
	want := newBufferLayout(instances, ranges, argSlots, spillCap)
	if err := d.bufs.allocate(d.device, want); err != nil {
		return fmt.Errorf("gpu: allocate buffers: %w", err)
	}
	return nil
}

// FirstPass implements cull.Executor.
func (d *Dispatcher) FirstPass(ctx context.Context, job *cull.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dispatchFirstLocked(job); err != nil {
		return err
	}
	counts, err := d.readCountsLocked()
	if err != nil {
		return err
	}
	d.apply(job, counts, true)
	return nil
}

// SecondPass implements cull.Executor.
func (d *Dispatcher) SecondPass(ctx context.Context, job *cull.Job, entries []uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dispatchSecondLocked(job, entries); err != nil {
		return err
	}
	counts, err := d.readCountsLocked()
	if err != nil {
		return err
	}
	d.apply(job, counts, false)
	return nil
}

// DispatchFirstPass uploads the instance records of job and runs the first
// pass. Results stay on the device until ReadCounts.
func (d *Dispatcher) DispatchFirstPass(job *cull.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchFirstLocked(job)
}

// DispatchSecondPass re-tests entries, dense instance slots queued by the
// first pass, against job.HZB.
func (d *Dispatcher) DispatchSecondPass(job *cull.Job, entries []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchSecondLocked(job, entries)
}

// ReadCounts copies the results of the last dispatch to the host and
// returns its counters.
func (d *Dispatcher) ReadCounts() (*Counts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCountsLocked()
}

func (d *Dispatcher) dispatchFirstLocked(job *cull.Job) error {
	if err := d.prepare(job); err != nil {
		return err
	}
	d.records = packInstances(d.records, job)
	d.warnRecords(job)

	n := job.Pool.Len()
	if n > 0 {
		d.queue.WriteBuffer(d.bufs.instances, 0, d.records)
	}
	return d.dispatch(d.firstPipeline, "cull_first", job, n)
}

func (d *Dispatcher) dispatchSecondLocked(job *cull.Job, entries []uint32) error {
	if err := d.prepare(job); err != nil {
		return err
	}
	n := job.Pool.Len()
	if len(d.records) != n*InstanceRecordSize {
		// Second pass without a first pass on this dispatcher.
		d.records = packInstances(d.records, job)
	}
	if n > 0 {
		d.queue.WriteBuffer(d.bufs.instances, 0, d.records)
	}
	if len(entries) > 0 {
		b := make([]byte, len(entries)*4)
		for i, slot := range entries {
			binary.LittleEndian.PutUint32(b[i*4:], slot)
		}
		d.queue.WriteBuffer(d.bufs.retest, 0, b)
	}
	return d.dispatch(d.secondPipeline, "cull_second", job, len(entries))
}

// prepare sizes the buffers for job and uploads the offset table, the HZB
// and zeroed counters.
func (d *Dispatcher) prepare(job *cull.Job) error {
	if !d.ready {
		return ErrNotInitialized
	}
	if len(job.Passes) > MaxPasses {
		return fmt.Errorf("%w: %d, at most %d", ErrTooManyPasses, len(job.Passes), MaxPasses)
	}
	table := job.Draws.Table()
	err := d.allocateLocked(job.Pool.Len(), table.Len(), int(table.ArgLen()), job.Draws.SpillCap())
	if err != nil {
		return err
	}

	d.queue.WriteBuffer(d.bufs.entries, 0, packEntries(table))
	d.queue.WriteBuffer(d.bufs.counters, 0, make([]byte, d.bufs.layout.countersSize()))

	if job.HZB != nil {
		d.hzbBytes = packHZB(d.hzbBytes, job.HZB)
		if err := d.bufs.ensureHZB(d.device, len(d.hzbBytes)/4); err != nil {
			return err
		}
		d.queue.WriteBuffer(d.bufs.hzb, 0, d.hzbBytes)
	} else if err := d.bufs.ensureHZB(d.device, 1); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) dispatch(pipeline hal.ComputePipeline, label string, job *cull.Job, count int) error {
	l := d.bufs.layout
	params := newCullParams(job, count, l.SpillCap)
	d.queue.WriteBuffer(d.bufs.params, 0, params.bytes())

	binding := func(n uint32, b hal.Buffer, size uint64) gputypes.BindGroupEntry {
		return gputypes.BindGroupEntry{Binding: n, Resource: gputypes.BufferBinding{Buffer: b.NativeHandle(), Size: size}}
	}
	bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: label + "_bind", Layout: d.cullBindLayout,
		Entries: []gputypes.BindGroupEntry{
			binding(0, d.bufs.params, cullParamsSize),
			binding(1, d.bufs.instances, bufferSize(l.Instances*InstanceRecordSize)),
			binding(2, d.bufs.entries, bufferSize(l.Ranges*entrySize)),
			binding(3, d.bufs.hzb, d.bufs.hzbSize),
			binding(4, d.bufs.retest, l.retestSize()),
			binding(5, d.bufs.counters, l.countersSize()),
			binding(6, d.bufs.args, l.argsSize()),
			binding(7, d.bufs.spill, l.spillSize()),
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer d.device.DestroyBindGroup(bg)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label + "_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	if count > 0 {
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label + "_pass"})
		pass.SetPipeline(pipeline)
		pass.SetBindGroup(0, bg, nil)
		pass.Dispatch(workgroups(count, cullWorkgroupSize), 1, 1)
		pass.End()
	}
	encoder.CopyBufferToBuffer(d.bufs.counters, d.bufs.staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: l.countersSize()},
	})
	encoder.CopyBufferToBuffer(d.bufs.args, d.bufs.staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: l.argsOffset, Size: l.argsSize()},
	})
	encoder.CopyBufferToBuffer(d.bufs.retest, d.bufs.staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: l.retestOffset, Size: l.retestSize()},
	})
	encoder.CopyBufferToBuffer(d.bufs.spill, d.bufs.staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: l.spillOffset, Size: l.spillSize()},
	})
	if err := d.submit(encoder); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}

	d.log().Debug("gpu: dispatched", "pass", label, "invocations", count)
	return nil
}

func (d *Dispatcher) readCountsLocked() (*Counts, error) {
	if !d.ready || d.bufs.staging == nil {
		return nil, ErrNotInitialized
	}
	l := d.bufs.layout
	if uint64(cap(d.readback)) < l.stagingSize {
		d.readback = make([]byte, l.stagingSize)
	}
	d.readback = d.readback[:l.stagingSize]
	if err := d.queue.ReadBuffer(d.bufs.staging, 0, d.readback); err != nil {
		return nil, fmt.Errorf("readback: %w", err)
	}

	word := func(i int) uint32 { return binary.LittleEndian.Uint32(d.readback[i*4:]) }
	c := &Counts{
		Retest:  word(slotRetest),
		Spilled: word(slotSpill),
		Ranges:  make([]uint32, l.Ranges),
	}
	for i := range c.Stats {
		c.Stats[i] = word(i)
	}
	for i := range c.Ranges {
		c.Ranges[i] = word(counterSlots + i)
	}
	return c, nil
}

// apply moves the read-back results of a pass into job.
func (d *Dispatcher) apply(job *cull.Job, c *Counts, first bool) {
	l := d.bufs.layout
	table := job.Draws.Table()
	heap := job.Draws.Heap()
	entries := table.Entries()

	for i, n := range c.Ranges {
		if i >= len(entries) {
			break
		}
		job.Draws.SetCount(uint32(i), n)
		e := entries[i]
		for s := uint32(0); s < min(n, e.Capacity); s++ {
			slot := e.ArgOffset + s
			off := l.argsOffset + uint64(slot)*indirectArgSize
			heap[slot] = indirect.DecodeDrawArgs(d.readback[off:])
		}
	}

	keys := table.Keys()
	kept := min(int(c.Spilled), l.SpillCap)
	for j := 0; j < kept; j++ {
		r := d.readback[l.spillOffset+uint64(j)*spillRecordSize:]
		e := binary.LittleEndian.Uint32(r)
		if int(e) >= len(keys) {
			continue
		}
		job.Draws.Spill(keys[e], indirect.DecodeDrawArgs(r[4:]))
	}
	if lost := int(c.Spilled) - kept; lost > 0 {
		job.Draws.AddLost(uint32(lost))
	}

	if first {
		n := min(int(c.Retest), job.Pool.Len())
		for j := 0; j < n; j++ {
			slot := binary.LittleEndian.Uint32(d.readback[l.retestOffset+uint64(j)*4:])
			if err := job.Retest.Append(slot); err != nil {
				job.Logger.Warn("gpu: retest queue full", "slot", slot, "err", err)
				break
			}
		}
	}

	for i, v := range c.Stats {
		job.Stats.Add(stats.Counter(i), uint64(v))
	}
}

func (d *Dispatcher) warnRecords(job *cull.Job) {
	if d.warnedRecords || !job.Stats.Recording() {
		return
	}
	d.warnedRecords = true
	job.Logger.Warn("gpu: debug records are not produced on the device")
}
