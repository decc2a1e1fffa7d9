package cull

import "errors"

// Errors returned by the cull package.
var (
	ErrUnknownMesh      = errors.New("cull: unknown mesh")
	ErrUnknownInstance  = errors.New("cull: unknown instance")
	ErrUnknownTransform = errors.New("cull: unknown transform")
	ErrInvalidView      = errors.New("cull: invalid view")

	// ErrBarrier is returned when a frame phase is started before the
	// phase it depends on has completed.
	ErrBarrier = errors.New("cull: phase ordering violated")

	// ErrFrameActive is returned by BeginFrame while a frame is open.
	ErrFrameActive = errors.New("cull: frame already in progress")

	// ErrCapacityOverflow is returned by End when a draw range received more
	// draws than it has slots. The extra draws are kept in the spill list.
	ErrCapacityOverflow = errors.New("cull: draw range capacity exceeded")

	// ErrNoPasses is returned when the offset table has none of the passes
	// the engine was configured for.
	ErrNoPasses = errors.New("cull: no active passes")
)
