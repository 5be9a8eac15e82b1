// Package dbman is the data block manager of a log-structured storage
// engine: it owns the on-disk region holding fixed-size data blocks,
// decides where each new block is written, and continuously compacts that
// region by relocating still-live blocks out of mostly-garbage extents.
//
// It couples four concerns that must stay mutually consistent under
// concurrent I/O: append-only allocation into a small set of active
// extents, per-block liveness tracking across all extents, a cost-driven
// garbage collector that must never race with normal writes, and
// crash-safe handoff of its state to and from the metablock. The
// underlying device, the extent allocator, the logical block address
// index, the enclosing serializer, the metablock writer, the buffer
// allocator, and perf counters are all external collaborators, consumed
// here as narrow interfaces.
package dbman

import (
	"github.com/pkg/errors"

	"github.com/outofforest/dbman/agepolicy"
	"github.com/outofforest/dbman/allocator"
	"github.com/outofforest/dbman/extent"
	"github.com/outofforest/dbman/gcengine"
	"github.com/outofforest/dbman/gcqueue"
	"github.com/outofforest/dbman/gcstats"
	"github.com/outofforest/dbman/iodev"
	"github.com/outofforest/dbman/readahead"
	"github.com/outofforest/dbman/types"
)

// NullOffset is the metablock sentinel meaning "this active slot is empty".
const NullOffset int64 = -1

// Metablock is the manager's crash-safe state, handed to and reloaded from
// the enclosing serializer's metablock writer.
type Metablock struct {
	ActiveOffset   []int64
	BlocksInActive []int
}

// LbaIndex is the logical block address index this manager consults on
// every read-ahead candidate.
type LbaIndex = readahead.LbaIndex

// Host is the enclosing serializer's full contract with the manager: the
// write mutex, the GC rewrite routine, read-ahead buffer management and
// delivery, and whether read-ahead is currently wanted at all.
type Host interface {
	gcengine.Host
	readahead.Host

	// ShouldPerformReadAhead reports whether Read should consult ReadAhead
	// at all, or issue a single-block read directly.
	ShouldPerformReadAhead() bool
}

// Config fixes every tunable this manager needs.
type Config struct {
	BlockSize       int64
	ExtentSize      int64
	MaxActive       int
	NumActive       int
	GCLowRatio      float64
	GCHighRatio     float64
	YoungMax        int
	YoungTimeLimit  int64 // microseconds
	MaxReadAhead    int
	IOPriorityNice  iodev.Priority
	IOPriorityHigh  iodev.Priority
}

func (c Config) blocksPerExtent() int {
	return int(c.ExtentSize / c.BlockSize)
}

// lifecycle is the manager's own top-level state, distinct from the GC
// engine's internal state machine: the engine can be Ready while the
// manager itself is already ShuttingDown, waiting for the engine to settle.
type lifecycle int

const (
	lifecycleUnstarted lifecycle = iota
	lifecycleReady
	lifecycleShuttingDown
	lifecycleShutDown
)

// Manager is the data block manager. It wires together extent liveness
// accounting, allocation, the GC state machine, and metablock handoff
// behind the single set of public operations documented on each method
// below.
type Manager struct {
	cfg  Config
	dev  iodev.Device
	host Host
	lba  LbaIndex

	table *extent.Table
	queue *gcqueue.Queue
	age   *agepolicy.Policy
	stats *gcstats.Stats
	alloc *allocator.Allocator
	held  extent.Allocator
	now   func() int64

	engine *gcengine.Engine

	life             lifecycle
	reconstructing   bool
	shutdownCB       func()
	pendingDisableCB func()
}

// New returns a Manager in the Unstarted lifecycle state. Call
// StartReconstruct (followed by MarkLive/EndReconstruct or StartExisting)
// before any other operation.
func New(cfg Config, dev iodev.Device, host Host, lba LbaIndex, held extent.Allocator, now func() int64) *Manager {
	if cfg.NumActive < 1 || cfg.NumActive > cfg.MaxActive {
		panic(errors.Errorf("NumActive %d must be in [1, MaxActive=%d]", cfg.NumActive, cfg.MaxActive))
	}
	table := extent.NewTable()
	queue := gcqueue.New()
	stats := &gcstats.Stats{}
	age := agepolicy.New(cfg.YoungMax, cfg.YoungTimeLimit, cfg.blocksPerExtent(), queue, &stats.OldTotalBlocks, &stats.OldGarbageBlocks)
	alloc := allocator.New(table, held, age, stats, cfg.BlockSize, cfg.blocksPerExtent(), cfg.MaxActive, cfg.NumActive, now)

	m := &Manager{
		cfg:   cfg,
		dev:   dev,
		host:  host,
		lba:   lba,
		table: table,
		queue: queue,
		age:   age,
		stats: stats,
		alloc: alloc,
		held:  held,
		now:   now,
	}

	engineCfg := gcengine.Config{
		BlockSize:       cfg.BlockSize,
		BlocksPerExtent: cfg.blocksPerExtent(),
		GCLowRatio:      cfg.GCLowRatio,
		GCHighRatio:     cfg.GCHighRatio,
		IOPriorityNice:  cfg.IOPriorityNice,
		IOPriorityHigh:  cfg.IOPriorityHigh,
	}
	m.engine = gcengine.New(engineCfg, dev, host, queue, age, stats, held, now, m.onReady)
	return m
}

// StartReconstruct puts the manager into reconstruction mode. It does not
// touch the GC engine, which starts out in Reconstruct and leaves it only
// through EndReconstruct or StartExisting. Call MarkLive for every live block the external scan discovers,
// then either EndReconstruct or StartExisting.
func (m *Manager) StartReconstruct() {
	m.reconstructing = true
}

// MarkLive clears the garbage bit for the block at offset, creating a
// Reconstructing entry for its extent on first touch. Idempotent. Calling
// it after EndReconstruct/StartExisting is a hard error.
func (m *Manager) MarkLive(offset int64) error {
	if !m.reconstructing {
		return errors.Errorf("MarkLive called outside reconstruction")
	}
	index := extent.IndexForOffset(offset, m.cfg.ExtentSize)
	e, ok := m.table.Get(index)
	if !ok {
		extOffset := extent.AlignExtentOffset(offset, m.cfg.ExtentSize)
		e = extent.NewReconstructingEntry(index, extOffset, m.cfg.blocksPerExtent())
		m.table.Put(e)
	}
	slot := extent.BlockIndexForOffset(offset, m.cfg.ExtentSize, m.cfg.BlockSize)
	e.Garbage.Clear(slot)
	return nil
}

// EndReconstruct ends reconstruction without restoring active-slot state,
// transitioning the engine directly to Ready. Any Reconstructing entries
// left over are not processed here — callers that have a metablock to
// restore from must use StartExisting instead.
func (m *Manager) EndReconstruct() error {
	if !m.reconstructing {
		return errors.Errorf("EndReconstruct called outside reconstruction")
	}
	m.reconstructing = false
	m.engine.SetReady()
	m.life = lifecycleReady
	return nil
}

// StartExisting restores active-slot state from a previously saved
// metablock and transitions every other Reconstructing entry to Old,
// pushing each onto the GC queue and contributing to the old-generation
// counters. It is the full counterpart to EndReconstruct's trivial path.
func (m *Manager) StartExisting(mb *Metablock) error {
	if !m.reconstructing {
		return errors.Errorf("StartExisting called outside reconstruction")
	}

	for i := 0; i < m.cfg.MaxActive && i < len(mb.ActiveOffset); i++ {
		off := mb.ActiveOffset[i]
		if off == NullOffset {
			continue
		}
		index := extent.IndexForOffset(off, m.cfg.ExtentSize)
		e, ok := m.table.Get(index)
		if !ok {
			e = extent.NewReconstructingEntry(index, off, m.cfg.blocksPerExtent())
			m.table.Put(e)
		}
		if e.State != extent.StateReconstructing {
			return errors.Errorf("active slot %d extent %d already in state %s", i, index, e.State)
		}
		e.State = extent.StateActive
		m.alloc.SetActive(i, e, mb.BlocksInActive[i])
	}

	blocksPerExtent := m.cfg.blocksPerExtent()
	for _, e := range m.table.Values() {
		if e.State != extent.StateReconstructing {
			continue
		}
		e.State = extent.StateOld
		e.Timestamp = m.now()
		m.stats.OldTotalBlocks += uint64(blocksPerExtent)
		m.stats.OldGarbageBlocks += uint64(e.Garbage.Count())
		m.queue.Push(e)
	}

	m.reconstructing = false
	m.engine.SetReady()
	m.life = lifecycleReady
	return nil
}

// Read reads the block at offset into out. If the host wants read-ahead,
// this consults ReadAhead to opportunistically warm neighboring blocks;
// otherwise it issues a single-block read directly. cb fires exactly once.
func (m *Manager) Read(offset int64, out []byte, prio iodev.Priority, cb func(error)) {
	if !m.host.ShouldPerformReadAhead() {
		m.dev.ReadAt(offset, out, prio, cb)
		return
	}

	raCfg := readahead.Config{
		BlockSize:          m.cfg.BlockSize,
		ExtentSize:         m.cfg.ExtentSize,
		MaxReadAheadBlocks: m.cfg.MaxReadAhead,
	}
	readahead.Read(m.dev, m.lba, m.host, raCfg, offset, out, prio, cb)
}

// Write allocates a fresh offset via the allocator, stamps a header for
// block_id/txn_id into it when txn_id is non-nil (otherwise the existing
// header at the buffer's start must already carry block_id), and submits
// an async write of the full header+payload block. The offset is returned
// synchronously; cb fires once the write completes. Legal while the manager
// is Ready, or while it is ShuttingDown with the GC engine in its Write step
// (the host issuing the GC round's own rewrites); any other write issued
// after Shutdown is an invariant violation and panics.
func (m *Manager) Write(buf []byte, blockID types.BlockID, txnID *types.TransactionID, prio iodev.Priority, cb func(error)) (int64, error) {
	gcRewrite := m.life == lifecycleShuttingDown && m.engine.State() == gcengine.StateWrite
	if m.life != lifecycleReady && !gcRewrite {
		panic(errors.Errorf("write called while manager is not Ready (lifecycle %d)", m.life))
	}

	offset, err := m.alloc.NextOffset()
	if err != nil {
		return 0, errors.WithStack(err)
	}

	header := types.HeaderAt(buf[:types.HeaderSize])
	if txnID != nil {
		header.V.BlockID = blockID
		header.V.TransactionID = *txnID
	} else if header.V.BlockID != blockID {
		panic(errors.Errorf("write at %d: header block id %d does not match %d", offset, header.V.BlockID, blockID))
	}

	m.stats.BlocksWritten++
	m.dev.WriteAt(offset, buf, prio, cb)
	return offset, nil
}

// MarkGarbage marks the block at offset as garbage, branching on its
// extent's current state exactly as the underlying liveness model
// requires. Precondition: the slot is currently live; marking an
// already-garbage slot, or one on a Reconstructing extent, is an invariant
// violation and panics.
func (m *Manager) MarkGarbage(offset int64) {
	index := extent.IndexForOffset(offset, m.cfg.ExtentSize)
	e, ok := m.table.Get(index)
	if !ok {
		panic(errors.Errorf("mark_garbage on unknown extent %d", index))
	}
	slot := extent.BlockIndexForOffset(offset, m.cfg.ExtentSize, m.cfg.BlockSize)
	if e.Garbage.Test(slot) {
		panic(errors.Errorf("mark_garbage on already-garbage slot %d of extent %d", slot, index))
	}
	e.Garbage.Set(slot)

	blocksPerExtent := m.cfg.blocksPerExtent()

	switch e.State {
	case extent.StateReconstructing:
		panic(errors.Errorf("mark_garbage on Reconstructing extent %d", index))

	case extent.StateActive:
		// Active extents are drained by the allocator in the normal course;
		// full-garbage Active extents are never destroyed here.

	case extent.StateYoung:
		if e.Garbage.Full() {
			m.age.Remove(e)
			m.destroyEntry(e)
			m.stats.ExtentsReclaimed++
		}

	case extent.StateOld:
		m.stats.OldGarbageBlocks++
		if e.Garbage.Full() {
			m.queue.Remove(e)
			m.stats.OldTotalBlocks -= uint64(blocksPerExtent)
			m.stats.OldGarbageBlocks -= uint64(blocksPerExtent)
			m.destroyEntry(e)
			m.stats.ExtentsReclaimed++
		} else {
			m.queue.Fix(e)
		}

	case extent.StateInGC:
		if e.Garbage.Full() {
			m.engine.AbandonIfCurrent(e)
			m.destroyEntry(e)
			m.stats.ExtentsReclaimed++
		}

	default:
		panic(errors.Errorf("mark_garbage: extent %d in unknown state %d", index, e.State))
	}
}

func (m *Manager) destroyEntry(e *extent.Entry) {
	m.table.Delete(e.Index)
	if err := e.Destroy(m.held); err != nil {
		panic(errors.Wrap(err, "destroying extent"))
	}
}

// StartGC is the external tick that starts a GC round if one is not
// already running. A no-op unless the engine is idle at Ready.
func (m *Manager) StartGC() {
	m.engine.StartGC()
}

// GarbageRatio returns the current garbage ratio: old_garbage_blocks /
// (old_total_blocks + held_extents*blocks_per_extent), or 0 when there are
// no Old blocks yet.
func (m *Manager) GarbageRatio() float64 {
	return m.engine.GarbageRatio()
}

// PrepareInitialMetablock returns a Metablock with every active slot empty,
// for a freshly initialized device with no prior state.
func (m *Manager) PrepareInitialMetablock() *Metablock {
	mb := &Metablock{
		ActiveOffset:   make([]int64, m.cfg.MaxActive),
		BlocksInActive: make([]int, m.cfg.MaxActive),
	}
	for i := range mb.ActiveOffset {
		mb.ActiveOffset[i] = NullOffset
	}
	return mb
}

// PrepareMetablock serializes the current active-extent offsets and block
// counts. Applying StartExisting to the result is a fixpoint on
// active-extent state.
func (m *Manager) PrepareMetablock() (*Metablock, error) {
	mb := m.PrepareInitialMetablock()
	for i := 0; i < m.cfg.MaxActive; i++ {
		offset, ok := m.alloc.ActiveOffset(i)
		if !ok {
			continue
		}
		mb.ActiveOffset[i] = offset
		mb.BlocksInActive[i] = m.alloc.BlocksInActive(i)
	}
	return mb, nil
}

// Shutdown transitions the manager to ShuttingDown. If the GC engine is
// already idle at Ready, actuallyShutdown runs synchronously, cb is never
// invoked, and Shutdown returns true. Otherwise cb is stashed to fire once
// the engine next settles at Ready, and Shutdown returns false.
func (m *Manager) Shutdown(cb func()) bool {
	m.life = lifecycleShuttingDown
	if m.engine.State() == gcengine.StateReady {
		m.actuallyShutdown()
		return true
	}
	m.shutdownCB = cb
	return false
}

// actuallyShutdown destroys every Active, Young, and Old/InGc entry still
// tracked. It only destroys NumActive active slots, not MaxActive: a
// legacy slot left over from a larger previous NumActive configuration is
// not touched here, matching the behavior this manager's shutdown path is
// built to preserve exactly.
func (m *Manager) actuallyShutdown() {
	for i := 0; i < m.cfg.NumActive; i++ {
		offset, ok := m.alloc.ActiveOffset(i)
		if !ok {
			continue
		}
		index := extent.IndexForOffset(offset, m.cfg.ExtentSize)
		e, ok := m.table.Get(index)
		if !ok {
			continue
		}
		m.destroyEntry(e)
	}

	for {
		e := m.age.PopFront()
		if e == nil {
			break
		}
		m.destroyEntry(e)
	}

	for {
		e := m.queue.Pop()
		if e == nil {
			break
		}
		m.destroyEntry(e)
	}

	m.life = lifecycleShutDown
	if cb := m.shutdownCB; cb != nil {
		m.shutdownCB = nil
		cb()
	}
}

// DisableGC soft-stops GC: already-submitted reads/writes complete, but no
// new round starts while stopped. If the engine is idle (Ready or
// Reconstruct), cb fires immediately and DisableGC returns true; otherwise
// cb is stashed to fire on the engine's next Ready settle, and DisableGC
// returns false.
func (m *Manager) DisableGC(cb func()) bool {
	m.engine.SetStopped(true)
	if m.engine.State() == gcengine.StateReady || m.engine.State() == gcengine.StateReconstruct {
		cb()
		return true
	}
	m.pendingDisableCB = cb
	return false
}

// EnableGC clears the soft-stop flag set by DisableGC.
func (m *Manager) EnableGC() {
	m.engine.SetStopped(false)
}

// onReady is the GC engine's settle hook. It is called every time the
// engine idles at Ready, before the engine decides whether to start
// another round, so pending shutdown/disable callbacks fire here
// regardless of whether a round was ever in flight.
func (m *Manager) onReady() {
	if m.life == lifecycleShuttingDown {
		m.actuallyShutdown()
	}
	if cb := m.pendingDisableCB; cb != nil {
		m.pendingDisableCB = nil
		cb()
	}
}
