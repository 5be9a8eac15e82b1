// Package allocator hands out fresh block offsets by round-robining across
// a small set of active extents, promoting each to Young once full. The
// round-robin shape follows the same fixed-slot free-space cursor pattern
// used elsewhere for allocating across a small slot array, reworked here
// for the extent/block domain plus a "legacy slot" cyclic-skip quirk
// carried over from the source this design is based on: slots beyond the
// current active count keep draining if still occupied, but are never
// refilled.
package allocator

import (
	"github.com/pkg/errors"

	"github.com/outofforest/dbman/agepolicy"
	"github.com/outofforest/dbman/extent"
	"github.com/outofforest/dbman/gcstats"
)

// NullIndex is the sentinel meaning "this active slot holds no entry".
const NullIndex = ^uint64(0)

// Allocator hands out fresh block offsets across a fixed-size array of
// active extent slots.
type Allocator struct {
	table     *extent.Table
	extents   extent.Allocator
	agePolicy *agepolicy.Policy
	stats     *gcstats.Stats
	now       func() int64

	blockSize       int64
	blocksPerExtent int

	maxActive int
	numActive int

	// active[i] is the extent index occupying slot i, or NullIndex.
	active         []uint64
	blocksInActive []int
	nextActive     int
}

// New returns an Allocator with maxActive slots, of which numActive are
// initially eligible for fresh allocation (the rest are "legacy" slots:
// drained if occupied by start_existing, never refilled).
func New(
	table *extent.Table,
	extents extent.Allocator,
	agePolicy *agepolicy.Policy,
	stats *gcstats.Stats,
	blockSize int64,
	blocksPerExtent int,
	maxActive int,
	numActive int,
	now func() int64,
) *Allocator {
	active := make([]uint64, maxActive)
	for i := range active {
		active[i] = NullIndex
	}
	return &Allocator{
		table:           table,
		extents:         extents,
		agePolicy:       agePolicy,
		stats:           stats,
		now:             now,
		blockSize:       blockSize,
		blocksPerExtent: blocksPerExtent,
		maxActive:       maxActive,
		numActive:       numActive,
		active:          active,
		blocksInActive:  make([]int, maxActive),
	}
}

// MaxActive returns the configured slot array size.
func (a *Allocator) MaxActive() int {
	return a.maxActive
}

// ActiveOffset returns the byte offset of the entry in slot i, or
// extent.Entry's absence sentinel handling is left to the caller: ok is
// false when the slot is empty.
func (a *Allocator) ActiveOffset(i int) (offset int64, ok bool) {
	if a.active[i] == NullIndex {
		return 0, false
	}
	e, found := a.table.Get(a.active[i])
	if !found {
		return 0, false
	}
	return e.Offset, true
}

// BlocksInActive returns blocks_in_active[i].
func (a *Allocator) BlocksInActive(i int) int {
	return a.blocksInActive[i]
}

// SetActive installs an existing (already-Active) entry into slot i with
// the given block count, used when restoring active-slot state from a
// previously saved metablock.
func (a *Allocator) SetActive(i int, e *extent.Entry, blocksInActive int) {
	a.active[i] = e.Index
	a.blocksInActive[i] = blocksInActive
}

// NextOffset returns a fresh byte offset ready to receive a block, creating
// or promoting active entries as needed.
func (a *Allocator) NextOffset() (int64, error) {
	i := a.nextActive

	if a.active[i] == NullIndex {
		e, err := extent.NewActiveEntry(a.extents, a.blocksPerExtent, a.now())
		if err != nil {
			return 0, errors.WithStack(err)
		}
		a.table.Put(e)
		a.active[i] = e.Index
		a.blocksInActive[i] = 0
		a.stats.ExtentsAllocated++
	}

	e, found := a.table.Get(a.active[i])
	if !found {
		return 0, errors.Errorf("active slot %d references unknown extent %d", i, a.active[i])
	}
	if e.State != extent.StateActive {
		return 0, errors.Errorf("active slot %d extent %d is not Active (state %s)", i, e.Index, e.State)
	}
	slot := a.blocksInActive[i]
	if !e.Garbage.Test(slot) {
		return 0, errors.Errorf("active slot %d block %d is not garbage before allocation", i, slot)
	}

	offset := e.Offset + int64(slot)*a.blockSize
	e.Garbage.Clear(slot)
	a.blocksInActive[i]++

	if a.blocksInActive[i] == a.blocksPerExtent {
		e.State = extent.StateYoung
		a.agePolicy.Enqueue(e)
		a.active[i] = NullIndex
		a.agePolicy.MarkUnyoungEntries(a.now())
	}

	a.advance()

	return offset, nil
}

// advance moves nextActive cyclically mod maxActive, skipping indices >=
// numActive unless that slot still holds an active entry (a legacy slot
// from a larger previous configuration continues draining but is never
// refilled).
func (a *Allocator) advance() {
	next := (a.nextActive + 1) % a.maxActive
	for next >= a.numActive && a.active[next] == NullIndex {
		next = (next + 1) % a.maxActive
	}
	a.nextActive = next
}
