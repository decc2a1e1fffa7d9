//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull"
	"github.com/gogpu/cull/hzb"
	"github.com/gogpu/cull/indirect"
)

// Binary layouts shared with shaders/cull.wgsl and shaders/hzb_reduce.wgsl.
const (
	// InstanceRecordSize is the size of one instance record: world sphere,
	// draw words, per-pass entry indices and flags, 16 bytes each.
	InstanceRecordSize = 64

	// MaxPasses is the number of active passes one record can address.
	MaxPasses = 4

	// MaxLevels is the number of HZB levels the cull uniform can address.
	MaxLevels = 16

	cullParamsSize   = 320
	reduceParamsSize = 32
	entrySize        = 16
	indirectArgSize  = indirect.DrawArgsSize
	spillRecordSize  = 24

	// Counter slots ahead of the per-range counts.
	statSlots    = 8
	slotRetest   = 8
	slotSpill    = 9
	counterSlots = 10

	noEntry = ^uint32(0)
)

// minBufferSize keeps empty inputs from producing zero-sized buffers.
const minBufferSize = 16

func bufferSize(n int) uint64 {
	return uint64(max(n, minBufferSize))
}

func putF32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func getF32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func putMat4(b []byte, m mgl32.Mat4) {
	for i, v := range m {
		putF32(b[i*4:], v)
	}
}

// packInstances writes one record per instance of job.Pool into dst,
// growing it as needed. Entry indices are resolved for job.Passes.
func packInstances(dst []byte, job *cull.Job) []byte {
	n := job.Pool.Len()
	size := n * InstanceRecordSize
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]

	table := job.Draws.Table()
	instances := job.Pool.Instances()
	for i := 0; i < n; i++ {
		b := dst[i*InstanceRecordSize : (i+1)*InstanceRecordSize]
		s := job.Pool.WorldSphere(i)
		putF32(b[0:], s.Center[0])
		putF32(b[4:], s.Center[1])
		putF32(b[8:], s.Center[2])
		putF32(b[12:], s.Radius)

		a := job.Pool.DrawArgs(i)
		binary.LittleEndian.PutUint32(b[16:], a.IndexCount)
		binary.LittleEndian.PutUint32(b[20:], a.FirstIndex)
		binary.LittleEndian.PutUint32(b[24:], uint32(a.BaseVertex))
		binary.LittleEndian.PutUint32(b[28:], a.InstanceID)

		state := instances[i].RenderStateID
		for p := 0; p < MaxPasses; p++ {
			e := noEntry
			if p < len(job.Passes) {
				if idx := table.Index(job.Passes[p], state); idx >= 0 {
					e = uint32(idx)
				}
			}
			binary.LittleEndian.PutUint32(b[32+p*4:], e)
		}

		var unbounded, point uint32
		if !s.Finite() {
			unbounded = 1
		} else if s.Radius == 0 {
			point = 1
		}
		binary.LittleEndian.PutUint32(b[48:], unbounded)
		binary.LittleEndian.PutUint32(b[52:], point)
		clear(b[56:64])
	}
	return dst
}

// packEntries writes the offset table as (count offset, arg offset,
// capacity, pad) records.
func packEntries(table *indirect.OffsetTable) []byte {
	entries := table.Entries()
	b := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		r := b[i*entrySize:]
		binary.LittleEndian.PutUint32(r[0:], e.CountOffset)
		binary.LittleEndian.PutUint32(r[4:], e.ArgOffset)
		binary.LittleEndian.PutUint32(r[8:], e.Capacity)
	}
	return b
}

// levelOffsets returns the texel offset of each level of p in the flat
// HZB buffer and the total texel count.
func levelOffsets(p *hzb.Pyramid) ([MaxLevels]uint32, int) {
	var offsets [MaxLevels]uint32
	n := 0
	for i := 0; i < p.Levels() && i < MaxLevels; i++ {
		offsets[i] = uint32(n)
		n += len(p.Level(i).Data)
	}
	return offsets, n
}

// packHZB flattens the levels of p into dst.
func packHZB(dst []byte, p *hzb.Pyramid) []byte {
	_, n := levelOffsets(p)
	if cap(dst) < n*4 {
		dst = make([]byte, n*4)
	}
	dst = dst[:n*4]
	off := 0
	for i := 0; i < p.Levels() && i < MaxLevels; i++ {
		for _, v := range p.Level(i).Data {
			putF32(dst[off:], v)
			off += 4
		}
	}
	return dst
}

// cullParams is the uniform block of the culling shader.
type cullParams struct {
	view, proj mgl32.Mat4
	planes     [6]cull.Plane
	hzbWidth   uint32
	hzbHeight  uint32
	mipCount   uint32
	count      uint32
	near       float32
	hasHZB     bool
	passCount  uint32
	spillCap   uint32
	mipOffsets [MaxLevels]uint32
}

func newCullParams(job *cull.Job, count, spillCap int) cullParams {
	p := cullParams{
		view:      job.View.View,
		proj:      job.View.Proj,
		planes:    job.View.Planes(),
		count:     uint32(count),
		near:      job.View.Near(),
		passCount: uint32(min(len(job.Passes), MaxPasses)),
		spillCap:  uint32(spillCap),
	}
	if job.HZB != nil {
		p.hasHZB = true
		p.hzbWidth = uint32(job.HZB.Width())
		p.hzbHeight = uint32(job.HZB.Height())
		p.mipCount = uint32(min(job.HZB.Levels(), MaxLevels))
		p.mipOffsets, _ = levelOffsets(job.HZB)
	} else {
		p.hzbWidth, p.hzbHeight, p.mipCount = 1, 1, 1
	}
	return p
}

func (p *cullParams) bytes() []byte {
	b := make([]byte, cullParamsSize)
	putMat4(b[0:], p.view)
	putMat4(b[64:], p.proj)
	for i, pl := range p.planes {
		r := b[128+i*16:]
		putF32(r[0:], pl.Normal[0])
		putF32(r[4:], pl.Normal[1])
		putF32(r[8:], pl.Normal[2])
		putF32(r[12:], pl.D)
	}
	binary.LittleEndian.PutUint32(b[224:], p.hzbWidth)
	binary.LittleEndian.PutUint32(b[228:], p.hzbHeight)
	binary.LittleEndian.PutUint32(b[232:], p.mipCount)
	binary.LittleEndian.PutUint32(b[236:], p.count)
	putF32(b[240:], p.near)
	if p.hasHZB {
		binary.LittleEndian.PutUint32(b[244:], 1)
	}
	binary.LittleEndian.PutUint32(b[248:], p.passCount)
	binary.LittleEndian.PutUint32(b[252:], p.spillCap)
	for i, off := range p.mipOffsets {
		binary.LittleEndian.PutUint32(b[256+i*4:], off)
	}
	return b
}

// reduceParams is the uniform block of one HZB reduction step.
type reduceParams struct {
	srcWidth, srcHeight uint32
	dstWidth, dstHeight uint32
	srcOffset           uint32
	dstOffset           uint32
}

func (p *reduceParams) bytes() []byte {
	b := make([]byte, reduceParamsSize)
	binary.LittleEndian.PutUint32(b[0:], p.srcWidth)
	binary.LittleEndian.PutUint32(b[4:], p.srcHeight)
	binary.LittleEndian.PutUint32(b[8:], p.dstWidth)
	binary.LittleEndian.PutUint32(b[12:], p.dstHeight)
	binary.LittleEndian.PutUint32(b[16:], p.srcOffset)
	binary.LittleEndian.PutUint32(b[20:], p.dstOffset)
	return b
}

func workgroups(n, size int) uint32 {
	return uint32((n + size - 1) / size)
}
