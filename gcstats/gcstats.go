// Package gcstats holds the monitoring counters for one manager instance:
// allocation/reclaim/gc activity and the running old-generation totals the
// garbage ratio is computed from. The manager is the only thing updating
// these, so they are plain fields on an exported struct rather than an
// interface.
package gcstats

// Stats accumulates lifetime counters for one manager instance.
type Stats struct {
	// OldTotalBlocks is the total block capacity across every Old extent.
	OldTotalBlocks uint64
	// OldGarbageBlocks is the sum of garbage block counts across every Old
	// extent.
	OldGarbageBlocks uint64

	// ExtentsAllocated counts every extent ever handed out by the
	// allocator for active use.
	ExtentsAllocated uint64
	// ExtentsReclaimed counts every extent destroyed directly by
	// mark_garbage because its last live block was just cleared, whatever
	// state (Young, Old, or InGc) it was in at the time. An extent
	// abandoned mid-round by the GC engine and then found fully garbage
	// here counts under both this and ExtentsGced.
	ExtentsReclaimed uint64
	// ExtentsGced counts every extent picked as a GC victim, at the point
	// the engine selects it off the queue — not when it is ultimately
	// destroyed.
	ExtentsGced uint64
	// BlocksWritten counts every block written through Write, including
	// GC rewrites.
	BlocksWritten uint64
}

// GarbageRatio computes old_garbage_blocks / (old_total_blocks + held_extents
// * blocksPerExtent), or 0 when there are no Old blocks yet. heldExtents
// discounts the ratio by capacity the allocator could draw from without GC,
// so it must come from the live extent allocator, not from Stats itself.
func (s *Stats) GarbageRatio(heldExtents uint64, blocksPerExtent int) float64 {
	if s.OldTotalBlocks == 0 {
		return 0
	}
	denom := s.OldTotalBlocks + heldExtents*uint64(blocksPerExtent)
	return float64(s.OldGarbageBlocks) / float64(denom)
}
