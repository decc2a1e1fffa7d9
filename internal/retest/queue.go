// Package retest holds the instances that failed the first occlusion test
// of a frame and must be tested again against the rebuilt HZB.
package retest

import (
	"errors"
	"sync/atomic"
)

// WorkgroupSize is the number of entries one second-pass dispatch group
// processes.
const WorkgroupSize = 256

// Errors returned by Queue.
var (
	ErrAlreadyConsumed = errors.New("retest: queue already consumed this frame")
	ErrFull            = errors.New("retest: queue full")
)

// Queue is a fixed-capacity append-only list of instance slots.
//
// Append is safe for concurrent use during the first pass. Len, Entries and
// Consume are meant for after the first pass has completed.
type Queue struct {
	entries  []uint32
	n        atomic.Uint32
	consumed atomic.Bool
}

// Reset empties the queue and sizes it to hold capacity entries.
func (q *Queue) Reset(capacity int) {
	if cap(q.entries) < capacity {
		q.entries = make([]uint32, capacity)
	}
	q.entries = q.entries[:capacity]
	q.n.Store(0)
	q.consumed.Store(false)
}

// Append adds slot to the queue. It fails only if more entries are
// appended than the capacity given to Reset.
func (q *Queue) Append(slot uint32) error {
	i := q.n.Add(1) - 1
	if int(i) >= len(q.entries) {
		q.n.Add(^uint32(0))
		return ErrFull
	}
	q.entries[i] = slot
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return min(int(q.n.Load()), len(q.entries))
}

// Cap returns the capacity set by Reset.
func (q *Queue) Cap() int { return len(q.entries) }

// Entries returns the queued entries without consuming them.
func (q *Queue) Entries() []uint32 {
	return q.entries[:q.Len()]
}

// Consume returns the queued entries. It succeeds once per Reset.
func (q *Queue) Consume() ([]uint32, error) {
	if !q.consumed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyConsumed
	}
	return q.Entries(), nil
}

// Consumed reports whether Consume has been called since the last Reset.
func (q *Queue) Consumed() bool { return q.consumed.Load() }

// DispatchArgs returns the dispatch shape that covers every queued entry
// with one invocation each.
func (q *Queue) DispatchArgs() [3]uint32 {
	return DispatchArgs(q.Len())
}

// DispatchArgs returns {ceil(n/WorkgroupSize), 1, 1}.
func DispatchArgs(n int) [3]uint32 {
	return [3]uint32{uint32((n + WorkgroupSize - 1) / WorkgroupSize), 1, 1}
}
