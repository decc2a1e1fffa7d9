// Package stats counts culling outcomes.
package stats

import "sync/atomic"

// Counter names a statistic.
type Counter int

// Counters.
const (
	Total Counter = iota
	FrustumVisible
	OcclusionVisible
	Degenerate
	NearClipped
	Retested
	Reinstated
	Overflowed
	counterCount
)

var counterNames = [counterCount]string{
	"total", "frustum_visible", "occlusion_visible", "degenerate",
	"near_clipped", "retested", "reinstated", "overflowed",
}

func (c Counter) String() string {
	if c < 0 || c >= counterCount {
		return "unknown"
	}
	return counterNames[c]
}

// Snapshot is a copy of all counters.
type Snapshot [counterCount]uint64

// Get returns the value of c.
func (s Snapshot) Get(c Counter) uint64 { return s[c] }

// Record is the per-instance diagnostic output of one classification.
type Record struct {
	Instance     uint32
	Pass         int
	LOD          int
	MinU, MinV   float32
	MaxU, MaxV   float32
	NearestDepth float32
	HZBDepth     float32
	Result       uint32
}

// Collector accumulates counters and, optionally, debug records. Counting
// is gated by a runtime switch; when disabled Add costs one atomic load.
type Collector struct {
	enabled atomic.Bool
	records atomic.Bool
	values  [counterCount]atomic.Uint64

	// Debug records go to a preallocated slice at an atomically claimed
	// index; records past its end are dropped and counted.
	dbg     []Record
	next    atomic.Uint32
	dropped atomic.Uint32
}

// New returns a collector with counting enabled as given.
func New(enabled bool) *Collector {
	c := &Collector{}
	c.enabled.Store(enabled)
	return c
}

// SetEnabled switches counting on or off.
func (c *Collector) SetEnabled(on bool) { c.enabled.Store(on) }

// Enabled reports whether counting is on.
func (c *Collector) Enabled() bool { return c.enabled.Load() }

// SetRecording switches per-instance debug records on or off.
func (c *Collector) SetRecording(on bool) { c.records.Store(on) }

// Recording reports whether debug records are kept.
func (c *Collector) Recording() bool { return c.records.Load() }

// Add increments counter by n.
func (c *Collector) Add(counter Counter, n uint64) {
	if !c.enabled.Load() {
		return
	}
	c.values[counter].Add(n)
}

// Inc increments counter by one.
func (c *Collector) Inc(counter Counter) { c.Add(counter, 1) }

// Reserve makes room for n debug records per frame when recording is on.
// It must not be called concurrently with Record.
func (c *Collector) Reserve(n int) {
	if !c.records.Load() || n <= len(c.dbg) {
		return
	}
	c.dbg = make([]Record, n)
}

// Record stores a debug record when recording is on.
func (c *Collector) Record(r Record) {
	if !c.records.Load() {
		return
	}
	i := c.next.Add(1) - 1
	if int(i) >= len(c.dbg) {
		c.dropped.Add(1)
		return
	}
	c.dbg[i] = r
}

// Records returns a copy of the debug records of the current frame.
func (c *Collector) Records() []Record {
	n := min(int(c.next.Load()), len(c.dbg))
	out := make([]Record, n)
	copy(out, c.dbg[:n])
	return out
}

// Dropped returns the number of records that did not fit the reservation.
func (c *Collector) Dropped() uint32 { return c.dropped.Load() }

// Snapshot copies the counters.
func (c *Collector) Snapshot() Snapshot {
	var s Snapshot
	for i := range c.values {
		s[i] = c.values[i].Load()
	}
	return s
}

// Reset zeroes the counters and drops the debug records.
func (c *Collector) Reset() {
	for i := range c.values {
		c.values[i].Store(0)
	}
	c.next.Store(0)
	c.dropped.Store(0)
}
