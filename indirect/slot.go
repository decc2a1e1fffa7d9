// Package indirect compacts visible instances into indirect draw argument
// buffers.
//
// Each (pass, render state) pair owns one counter and a contiguous range of
// argument slots in a shared heap. The layout is fixed by an OffsetTable
// built once per instance-pool change; a Compactor then appends draws from
// many goroutines concurrently, reserving slots with an atomic
// increment-and-fetch on the pair's counter.
package indirect

import "encoding/binary"

// PassID identifies a render pass (a depth-only pass, an opaque pass, ...).
type PassID uint32

// DrawArgsWords is the number of 32-bit words in one argument slot.
const DrawArgsWords = 5

// DrawArgsSize is the byte size of one argument slot.
const DrawArgsSize = DrawArgsWords * 4

// DrawArgs is one indexed indirect draw. InstanceID is submitted as the
// first-instance word so the vertex stage can fetch per-instance data.
type DrawArgs struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	InstanceID    uint32
}

// Put encodes a into b in little-endian order. b must hold DrawArgsSize
// bytes.
func (a DrawArgs) Put(b []byte) {
	_ = b[DrawArgsSize-1]
	binary.LittleEndian.PutUint32(b[0:], a.IndexCount)
	binary.LittleEndian.PutUint32(b[4:], a.InstanceCount)
	binary.LittleEndian.PutUint32(b[8:], a.FirstIndex)
	binary.LittleEndian.PutUint32(b[12:], uint32(a.BaseVertex))
	binary.LittleEndian.PutUint32(b[16:], a.InstanceID)
}

// AppendBytes appends the encoding of a to b.
func (a DrawArgs) AppendBytes(b []byte) []byte {
	var tmp [DrawArgsSize]byte
	a.Put(tmp[:])
	return append(b, tmp[:]...)
}

// DecodeDrawArgs decodes one slot from b.
func DecodeDrawArgs(b []byte) DrawArgs {
	_ = b[DrawArgsSize-1]
	return DrawArgs{
		IndexCount:    binary.LittleEndian.Uint32(b[0:]),
		InstanceCount: binary.LittleEndian.Uint32(b[4:]),
		FirstIndex:    binary.LittleEndian.Uint32(b[8:]),
		BaseVertex:    int32(binary.LittleEndian.Uint32(b[12:])),
		InstanceID:    binary.LittleEndian.Uint32(b[16:]),
	}
}
