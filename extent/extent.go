// Package extent owns per-extent liveness accounting: the garbage bitmap,
// the extent state machine, and the sparse table of live extents. Built on
// the "plain struct describing a fixed-capacity on-disk unit" shape used
// throughout this module, for a flat extent/block domain.
package extent

import (
	"container/list"
	"math/bits"

	"github.com/pkg/errors"
)

// State is the lifecycle state of an extent entry.
type State int

// Extent states.
const (
	StateReconstructing State = iota
	StateActive
	StateYoung
	StateOld
	StateInGC
)

// String renders the state for diagnostics.
func (s State) String() string {
	switch s {
	case StateReconstructing:
		return "reconstructing"
	case StateActive:
		return "active"
	case StateYoung:
		return "young"
	case StateOld:
		return "old"
	case StateInGC:
		return "in-gc"
	default:
		return "unknown"
	}
}

// Allocator is the external extent allocator: it gives out raw extents and
// reclaims them, and reports how many it is currently holding in reserve
// (used by the garbage-ratio denominator).
type Allocator interface {
	// Acquire hands out a fresh extent, returning its index and byte
	// offset on the device.
	Acquire() (index uint64, offset int64, err error)
	// Release returns the extent at index to the allocator.
	Release(index uint64) error
	// HeldExtents reports how many extents the allocator currently holds
	// unassigned.
	HeldExtents() uint64
}

// IndexForOffset returns the extent index containing offset.
func IndexForOffset(offset, extentSize int64) uint64 {
	return uint64(offset / extentSize)
}

// AlignExtentOffset returns the byte offset of the extent containing offset.
func AlignExtentOffset(offset, extentSize int64) int64 {
	return (offset / extentSize) * extentSize
}

// BlockIndexForOffset returns the block slot within its extent that offset
// addresses.
func BlockIndexForOffset(offset, extentSize, blockSize int64) int {
	return int((offset % extentSize) / blockSize)
}

// Garbage is a fixed-width bitmap of length B: bit i set means "block slot
// i is garbage". There is no corpus library for fixed-size bitsets — this
// is the narrowest possible stdlib rendering (math/bits.OnesCount64 over
// word-packed storage), recorded as a deliberate stdlib choice in
// DESIGN.md.
type Garbage struct {
	words []uint64
	size  int
}

// NewGarbageAllOnes returns a Garbage bitmap of the given size with every
// bit set — the state a freshly minted or not-yet-reconstructed extent
// starts in.
func NewGarbageAllOnes(size int) *Garbage {
	g := &Garbage{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
	for i := range g.words {
		g.words[i] = ^uint64(0)
	}
	if rem := size % 64; rem != 0 {
		g.words[len(g.words)-1] = (uint64(1) << uint(rem)) - 1
	}
	return g
}

// Len returns the bitmap's length, B.
func (g *Garbage) Len() int {
	return g.size
}

// Test reports whether slot i is marked garbage.
func (g *Garbage) Test(i int) bool {
	return g.words[i/64]&(uint64(1)<<uint(i%64)) != 0
}

// Set marks slot i as garbage.
func (g *Garbage) Set(i int) {
	g.words[i/64] |= uint64(1) << uint(i%64)
}

// Clear marks slot i as live.
func (g *Garbage) Clear(i int) {
	g.words[i/64] &^= uint64(1) << uint(i%64)
}

// Count returns the number of garbage slots.
func (g *Garbage) Count() int {
	n := 0
	for _, w := range g.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Full reports whether every slot is garbage.
func (g *Garbage) Full() bool {
	return g.Count() == g.size
}

// Entry is the per-extent liveness record.
//
// HeapIndex and YoungElem are stable handles owned respectively by package
// gcqueue and package agepolicy — nothing outside those two packages may
// write them.
type Entry struct {
	Index     uint64
	Offset    int64
	Garbage   *Garbage
	State     State
	Timestamp int64 // creation time, microseconds

	// HeapIndex is gcqueue's handle into its heap; -1 when not queued.
	HeapIndex int
	// YoungElem is agepolicy's handle into the young-extent queue; nil when
	// not queued.
	YoungElem *list.Element
}

// NewActiveEntry acquires a fresh extent from alloc and returns it as a new
// Active entry.
func NewActiveEntry(alloc Allocator, blocksPerExtent int, nowMicros int64) (*Entry, error) {
	index, offset, err := alloc.Acquire()
	if err != nil {
		return nil, err
	}
	return &Entry{
		Index:     index,
		Offset:    offset,
		Garbage:   NewGarbageAllOnes(blocksPerExtent),
		State:     StateActive,
		Timestamp: nowMicros,
		HeapIndex: -1,
	}, nil
}

// NewReconstructingEntry creates an entry for an extent discovered during
// startup reconstruction. Callers clear bits via Garbage.Clear as live
// blocks are reported.
func NewReconstructingEntry(index uint64, offset int64, blocksPerExtent int) *Entry {
	return &Entry{
		Index:     index,
		Offset:    offset,
		Garbage:   NewGarbageAllOnes(blocksPerExtent),
		State:     StateReconstructing,
		HeapIndex: -1,
	}
}

// Destroy returns the entry's extent to alloc. It must only be called once
// the entry has been removed from every table and queue that reference it.
func (e *Entry) Destroy(alloc Allocator) error {
	return alloc.Release(e.Index)
}

// Table is the sparse extent-index -> Entry mapping. A Go map gives the
// amortized O(1) insert/lookup/delete needed here; entries are owned
// uniquely by the table.
type Table struct {
	entries map[uint64]*Entry
}

// NewTable returns an empty extent table.
func NewTable() *Table {
	return &Table{entries: make(map[uint64]*Entry)}
}

// Get returns the entry at index, if any.
func (t *Table) Get(index uint64) (*Entry, bool) {
	e, ok := t.entries[index]
	return e, ok
}

// Put inserts or replaces the entry at its own Index.
func (t *Table) Put(e *Entry) {
	t.entries[e.Index] = e
}

// Delete removes the entry at index.
func (t *Table) Delete(index uint64) {
	delete(t.entries, index)
}

// Len returns the number of tracked extents.
func (t *Table) Len() int {
	return len(t.entries)
}

// Values returns every tracked entry, in unspecified order.
func (t *Table) Values() []*Entry {
	values := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		values = append(values, e)
	}
	return values
}

// ErrNotFound is returned when an operation addresses an extent the table
// does not track.
var ErrNotFound = errors.New("extent not found")
