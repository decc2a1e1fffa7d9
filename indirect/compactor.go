package indirect

import "sync/atomic"

// Overflow describes a draw range that received more appends than it had
// slots for.
type Overflow struct {
	Pass      PassID
	State     uint32
	Requested uint32
	Capacity  uint32
}

// SpilledDraw is a draw that did not fit its range.
type SpilledDraw struct {
	Key
	Args DrawArgs
}

// Batch is the compacted argument slots of one range.
type Batch struct {
	State uint32
	Args  []DrawArgs
}

// Compactor appends draws into the ranges of an OffsetTable.
//
// Append is lock-free and safe for concurrent use. Reset, ResetPass and the
// readers (Count, Draws, Spilled, Overflow) must not run concurrently with
// Append.
type Compactor struct {
	table  *OffsetTable
	counts []atomic.Uint32
	args   []DrawArgs

	spill  []SpilledDraw
	spillN atomic.Uint32
	lost   atomic.Uint32
}

// NewCompactor allocates counters and the argument heap for table, with
// room for spillCap draws that do not fit their range.
func NewCompactor(table *OffsetTable, spillCap int) *Compactor {
	return &Compactor{
		table:  table,
		counts: make([]atomic.Uint32, table.Len()),
		args:   make([]DrawArgs, table.ArgLen()),
		spill:  make([]SpilledDraw, max(spillCap, 0)),
	}
}

// Table returns the layout the compactor was built for.
func (c *Compactor) Table() *OffsetTable { return c.table }

// Append reserves the next slot of the (pass, state) range and writes args
// into it. When the range is full the draw is kept on the spill list so it
// is still submitted, and the overflow is reported by Overflow. A draw
// that finds the spill list full too is counted by Lost. Append returns
// false only if the table has no such range.
func (c *Compactor) Append(pass PassID, state uint32, args DrawArgs) bool {
	i := c.table.Index(pass, state)
	if i < 0 {
		return false
	}
	e := c.table.entries[i]
	slot := c.counts[e.CountOffset].Add(1) - 1
	if slot < e.Capacity {
		c.args[e.ArgOffset+slot] = args
		return true
	}

	c.Spill(Key{pass, state}, args)
	return true
}

// Spill puts a draw on the spill list, or counts it as lost when the list
// is full. Device readback uses it for draws that overflowed on the device.
func (c *Compactor) Spill(k Key, args DrawArgs) {
	if j := c.spillN.Add(1) - 1; int(j) < len(c.spill) {
		c.spill[j] = SpilledDraw{Key: k, Args: args}
		return
	}
	c.lost.Add(1)
}

// SpillCap returns the size of the spill list.
func (c *Compactor) SpillCap() int { return len(c.spill) }

// Reset clears every counter and the spill list.
func (c *Compactor) Reset() {
	for i := range c.counts {
		c.counts[i].Store(0)
	}
	c.spillN.Store(0)
	c.lost.Store(0)
}

// ResetPass clears the counters and spilled draws of one pass.
func (c *Compactor) ResetPass(pass PassID) {
	for i, k := range c.table.keys {
		if k.Pass == pass {
			c.counts[i].Store(0)
		}
	}
	kept := 0
	for _, d := range c.Spilled() {
		if d.Pass != pass {
			c.spill[kept] = d
			kept++
		}
	}
	c.spillN.Store(uint32(kept))
}

// Count returns the number of slots written in the range whose counter is
// at countOffset.
func (c *Compactor) Count(countOffset uint32) uint32 {
	return min(c.counts[countOffset].Load(), c.table.entries[countOffset].Capacity)
}

// RawCount returns the number of appends requested for the range, including
// those that spilled.
func (c *Compactor) RawCount(countOffset uint32) uint32 {
	return c.counts[countOffset].Load()
}

// Total returns the number of draws appended across all ranges, spilled
// draws included.
func (c *Compactor) Total() int {
	n := 0
	for i := range c.counts {
		n += int(c.counts[i].Load())
	}
	return n
}

// Draws returns the compacted batches of pass in layout order. The slices
// alias the heap and are valid until the next Reset.
func (c *Compactor) Draws(pass PassID) []Batch {
	var out []Batch
	for i, k := range c.table.keys {
		if k.Pass != pass {
			continue
		}
		e := c.table.entries[i]
		n := c.Count(uint32(i))
		if n == 0 {
			continue
		}
		out = append(out, Batch{State: k.State, Args: c.args[e.ArgOffset : e.ArgOffset+n]})
	}
	return out
}

// Spilled returns the draws that did not fit their range.
func (c *Compactor) Spilled() []SpilledDraw {
	return c.spill[:min(int(c.spillN.Load()), len(c.spill))]
}

// Lost returns the number of draws dropped because the spill list was
// full.
func (c *Compactor) Lost() uint32 { return c.lost.Load() }

// AddLost counts n draws dropped outside the compactor.
func (c *Compactor) AddLost(n uint32) { c.lost.Add(n) }

// Overflow returns one record per range that overflowed.
func (c *Compactor) Overflow() []Overflow {
	var out []Overflow
	for i, k := range c.table.keys {
		e := c.table.entries[i]
		if n := c.counts[i].Load(); n > e.Capacity {
			out = append(out, Overflow{Pass: k.Pass, State: k.State, Requested: n, Capacity: e.Capacity})
		}
	}
	return out
}

// SetCount stores a counter value read back from a device. Values above
// the capacity mark the range as overflowed.
func (c *Compactor) SetCount(countOffset, n uint32) {
	c.counts[countOffset].Store(n)
}

// Heap returns the whole argument heap in layout order.
func (c *Compactor) Heap() []DrawArgs { return c.args }
