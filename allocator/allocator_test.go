package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/dbman/agepolicy"
	"github.com/outofforest/dbman/extent"
	"github.com/outofforest/dbman/gcqueue"
	"github.com/outofforest/dbman/gcstats"
)

type fakeExtentAllocator struct {
	next   uint64
	extent int64
	held   uint64
}

func (a *fakeExtentAllocator) Acquire() (uint64, int64, error) {
	index := a.next
	a.next++
	return index, int64(index) * a.extent, nil
}

func (a *fakeExtentAllocator) Release(uint64) error {
	a.held++
	return nil
}

func (a *fakeExtentAllocator) HeldExtents() uint64 {
	return a.held
}

func newTestAllocator(maxActive, numActive, blocksPerExtent int) (*Allocator, *fakeExtentAllocator, *extent.Table, *gcqueue.Queue) {
	table := extent.NewTable()
	extAlloc := &fakeExtentAllocator{extent: int64(blocksPerExtent) * 4096}
	gq := gcqueue.New()
	var oldTotal, oldGarbage uint64
	ap := agepolicy.New(10, 1_000_000, blocksPerExtent, gq, &oldTotal, &oldGarbage)
	stats := &gcstats.Stats{}
	now := func() int64 { return 0 }
	a := New(table, extAlloc, ap, stats, 4096, blocksPerExtent, maxActive, numActive, now)
	return a, extAlloc, table, gq
}

func TestSingleActiveSlotFillsAndPromotes(t *testing.T) {
	requireT := require.New(t)

	a, _, table, _ := newTestAllocator(1, 1, 4)

	var offsets []int64
	for i := 0; i < 4; i++ {
		off, err := a.NextOffset()
		requireT.NoError(err)
		offsets = append(offsets, off)
	}
	requireT.Equal([]int64{0, 4096, 8192, 12288}, offsets)

	// extent 0 should now be Young, full of live slots.
	e, found := table.Get(0)
	requireT.True(found)
	requireT.Equal(extent.StateYoung, e.State)
	requireT.Equal(0, e.Garbage.Count())

	// next allocation opens a fresh extent.
	off, err := a.NextOffset()
	requireT.NoError(err)
	requireT.EqualValues(4*4096, off)
}

func TestRoundRobinsAcrossActiveSlots(t *testing.T) {
	requireT := require.New(t)

	a, _, _, _ := newTestAllocator(2, 2, 4)

	off0, err := a.NextOffset()
	requireT.NoError(err)
	off1, err := a.NextOffset()
	requireT.NoError(err)

	requireT.NotEqual(off0/4096/4, off1/4096/4, "should be in different extents")
}

func TestLegacySlotsDrainButNeverRefill(t *testing.T) {
	requireT := require.New(t)

	a, _, table, _ := newTestAllocator(2, 1, 4)

	// manually install a legacy active extent in slot 1 (index >= numActive).
	e, err := extent.NewActiveEntry(a.extents, 4, 0)
	requireT.NoError(err)
	table.Put(e)
	a.SetActive(1, e, 2)

	// drain slot 1's remaining 2 blocks, then it should never refill.
	seenSlot1 := 0
	for i := 0; i < 6; i++ {
		_, err := a.NextOffset()
		requireT.NoError(err)
	}
	_ = seenSlot1

	// slot 1's extent should have been promoted to Young and not recreated.
	off, ok := a.ActiveOffset(1)
	requireT.False(ok)
	_ = off
}
