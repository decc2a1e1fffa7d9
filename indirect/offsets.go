package indirect

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// ErrEmptyTable is returned by Build when nothing was reserved.
var ErrEmptyTable = errors.New("indirect: no draw ranges reserved")

// Key identifies one draw range.
type Key struct {
	Pass  PassID
	State uint32
}

// Entry locates a draw range: the index of its counter, the first argument
// slot in the heap and the number of slots.
type Entry struct {
	CountOffset uint32
	ArgOffset   uint32
	Capacity    uint32
}

// OffsetTable maps (pass, render state) pairs to draw ranges. It is
// immutable once built and safe for concurrent lookups.
type OffsetTable struct {
	index   map[Key]int
	keys    []Key
	entries []Entry
	passes  []PassID
	argLen  uint32
}

// Lookup returns the entry for (pass, state).
func (t *OffsetTable) Lookup(pass PassID, state uint32) (Entry, bool) {
	i, ok := t.index[Key{pass, state}]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Index returns the position of (pass, state) in Entries, or -1.
func (t *OffsetTable) Index(pass PassID, state uint32) int {
	if i, ok := t.index[Key{pass, state}]; ok {
		return i
	}
	return -1
}

// Len returns the number of counters.
func (t *OffsetTable) Len() int { return len(t.entries) }

// ArgLen returns the total number of argument slots.
func (t *OffsetTable) ArgLen() uint32 { return t.argLen }

// Keys returns the ranges in layout order (pass-major, then state).
func (t *OffsetTable) Keys() []Key { return t.keys }

// Entries returns the ranges in layout order. Entries()[i].CountOffset == i.
func (t *OffsetTable) Entries() []Entry { return t.entries }

// Passes returns the distinct passes in ascending order.
func (t *OffsetTable) Passes() []PassID { return t.passes }

// HasPass reports whether any range belongs to pass.
func (t *OffsetTable) HasPass(pass PassID) bool {
	_, ok := slices.BinarySearch(t.passes, pass)
	return ok
}

// OffsetTableBuilder accumulates slot reservations.
type OffsetTableBuilder struct {
	reserved map[Key]uint32
}

// NewOffsetTableBuilder returns an empty builder.
func NewOffsetTableBuilder() *OffsetTableBuilder {
	return &OffsetTableBuilder{reserved: make(map[Key]uint32)}
}

// Reserve adds n slots to the (pass, state) range. Reserving the same pair
// again grows it.
func (b *OffsetTableBuilder) Reserve(pass PassID, state uint32, n uint32) *OffsetTableBuilder {
	b.reserved[Key{pass, state}] += n
	return b
}

// Build lays out counters and argument ranges consecutively, pass-major,
// and returns the table.
func (b *OffsetTableBuilder) Build() (*OffsetTable, error) {
	if len(b.reserved) == 0 {
		return nil, ErrEmptyTable
	}

	keys := make([]Key, 0, len(b.reserved))
	for k := range b.reserved {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.Pass, b.Pass); c != 0 {
			return c
		}
		return cmp.Compare(a.State, b.State)
	})

	t := &OffsetTable{
		index:   make(map[Key]int, len(keys)),
		keys:    keys,
		entries: make([]Entry, len(keys)),
	}
	var argOffset uint64
	for i, k := range keys {
		n := b.reserved[k]
		t.index[k] = i
		t.entries[i] = Entry{CountOffset: uint32(i), ArgOffset: uint32(argOffset), Capacity: n}
		argOffset += uint64(n)
		if argOffset > 1<<32-1 {
			return nil, fmt.Errorf("indirect: argument heap exceeds %d slots", uint64(1<<32-1))
		}
		if len(t.passes) == 0 || t.passes[len(t.passes)-1] != k.Pass {
			t.passes = append(t.passes, k.Pass)
		}
	}
	t.argLen = uint32(argOffset)
	return t, nil
}
