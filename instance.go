package cull

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/cull/indirect"
	"github.com/gogpu/cull/internal/bounds"
	"github.com/gogpu/cull/internal/classify"
)

// Sphere is a bounding sphere.
type Sphere = bounds.Sphere

// InstanceID identifies a registered instance. IDs are stable for the
// lifetime of the instance and may be reused after Unregister.
type InstanceID uint32

// MeshID identifies a registered mesh.
type MeshID uint32

// TransformID identifies a world transform slot.
type TransformID uint32

// Mesh is the draw-relevant part of a mesh: its object-space bounds and
// the index range to draw.
type Mesh struct {
	BoundingSphere Sphere
	IndexCount     uint32
	FirstIndex     uint32
	BaseVertex     int32
}

// Instance is one drawable: a mesh placed by a transform, drawn with a
// render state.
type Instance struct {
	ID            InstanceID
	RenderStateID uint32
	Mesh          MeshID
	Transform     TransformID
}

const noSlot = -1

// InstancePool stores instances densely so the culling passes can iterate
// them in chunks. A sparse table maps IDs to dense slots; removal moves the
// last instance into the hole.
//
// The pool must only be mutated between frames. Culling reads it
// concurrently.
type InstancePool struct {
	meshes     []Mesh
	transforms []mgl32.Mat4

	instances []Instance
	slots     []int32 // by InstanceID
	free      []InstanceID
}

// NewInstancePool returns an empty pool.
func NewInstancePool() *InstancePool {
	return &InstancePool{}
}

// RegisterMesh stores m and returns its ID.
func (p *InstancePool) RegisterMesh(m Mesh) MeshID {
	p.meshes = append(p.meshes, m)
	return MeshID(len(p.meshes) - 1)
}

// Mesh returns the mesh with the given ID.
func (p *InstancePool) Mesh(id MeshID) (Mesh, bool) {
	if int(id) >= len(p.meshes) {
		return Mesh{}, false
	}
	return p.meshes[id], true
}

// AddTransform allocates a transform slot initialized to m.
func (p *InstancePool) AddTransform(m mgl32.Mat4) TransformID {
	p.transforms = append(p.transforms, m)
	return TransformID(len(p.transforms) - 1)
}

// SetTransform replaces the transform in slot id.
func (p *InstancePool) SetTransform(id TransformID, m mgl32.Mat4) error {
	if int(id) >= len(p.transforms) {
		return fmt.Errorf("set transform %d: %w", id, ErrUnknownTransform)
	}
	p.transforms[id] = m
	return nil
}

// Transform returns the transform in slot id.
func (p *InstancePool) Transform(id TransformID) (mgl32.Mat4, bool) {
	if int(id) >= len(p.transforms) {
		return mgl32.Mat4{}, false
	}
	return p.transforms[id], true
}

// Register adds an instance and returns its ID.
func (p *InstancePool) Register(renderState uint32, mesh MeshID, transform TransformID) (InstanceID, error) {
	if int(mesh) >= len(p.meshes) {
		return 0, fmt.Errorf("register instance: mesh %d: %w", mesh, ErrUnknownMesh)
	}
	if int(transform) >= len(p.transforms) {
		return 0, fmt.Errorf("register instance: transform %d: %w", transform, ErrUnknownTransform)
	}

	var id InstanceID
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		id = InstanceID(len(p.slots))
		p.slots = append(p.slots, noSlot)
	}

	p.slots[id] = int32(len(p.instances))
	p.instances = append(p.instances, Instance{
		ID:            id,
		RenderStateID: renderState,
		Mesh:          mesh,
		Transform:     transform,
	})
	return id, nil
}

// Unregister removes an instance. The last instance takes its dense slot.
func (p *InstancePool) Unregister(id InstanceID) error {
	if int(id) >= len(p.slots) || p.slots[id] == noSlot {
		return fmt.Errorf("unregister instance %d: %w", id, ErrUnknownInstance)
	}

	idx := p.slots[id]
	last := len(p.instances) - 1
	if int(idx) != last {
		moved := p.instances[last]
		p.instances[idx] = moved
		p.slots[moved.ID] = idx
	}
	p.instances = p.instances[:last]
	p.slots[id] = noSlot
	p.free = append(p.free, id)
	return nil
}

// Instance returns the instance with the given ID.
func (p *InstancePool) Instance(id InstanceID) (Instance, bool) {
	if int(id) >= len(p.slots) || p.slots[id] == noSlot {
		return Instance{}, false
	}
	return p.instances[p.slots[id]], true
}

// Len returns the number of registered instances.
func (p *InstancePool) Len() int { return len(p.instances) }

// Instances returns the dense instance array. It must not be modified.
func (p *InstancePool) Instances() []Instance { return p.instances }

// WorldSphere returns the world-space bounding sphere of the instance at
// dense slot i.
func (p *InstancePool) WorldSphere(i int) Sphere {
	in := p.input(i)
	return bounds.WorldSphere(in.Bounds, in.Transform)
}

// InstanceSphere returns the world-space bounding sphere of instance id.
func (p *InstancePool) InstanceSphere(id InstanceID) (Sphere, bool) {
	if int(id) >= len(p.slots) || p.slots[id] == noSlot {
		return Sphere{}, false
	}
	return p.WorldSphere(int(p.slots[id])), true
}

// DrawArgs returns the indirect draw of the instance at dense slot i.
func (p *InstancePool) DrawArgs(i int) indirect.DrawArgs {
	inst := &p.instances[i]
	m := &p.meshes[inst.Mesh]
	return indirect.DrawArgs{
		IndexCount:    m.IndexCount,
		InstanceCount: 1,
		FirstIndex:    m.FirstIndex,
		BaseVertex:    m.BaseVertex,
		InstanceID:    uint32(inst.ID),
	}
}

func (p *InstancePool) input(i int) classify.Input {
	inst := &p.instances[i]
	return classify.Input{
		Bounds:    p.meshes[inst.Mesh].BoundingSphere,
		Transform: p.transforms[inst.Transform],
	}
}

// OffsetTable reserves one draw slot per instance in each of the given
// passes, grouped by render state.
func (p *InstancePool) OffsetTable(passes ...indirect.PassID) (*indirect.OffsetTable, error) {
	b := indirect.NewOffsetTableBuilder()
	perState := make(map[uint32]uint32)
	for i := range p.instances {
		perState[p.instances[i].RenderStateID]++
	}
	for _, pass := range passes {
		for state, n := range perState {
			b.Reserve(pass, state, n)
		}
	}
	return b.Build()
}
