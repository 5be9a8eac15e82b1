// Package gcengine is the central GC state machine: it picks a victim
// extent, reads its live blocks, acquires the write mutex, rewrites them
// through Host, and releases. The state machine is expressed as named
// trigger methods entered from outside (a tick, a lock grant, a read or
// write completion) rather than as a single blocking loop, so every
// suspension point is an explicit return. The read phase counts down a
// plain pending-reads counter to gate the single completion callback that
// follows a fan-out of concurrent reads.
package gcengine

import (
	"github.com/pkg/errors"

	"github.com/outofforest/dbman/agepolicy"
	"github.com/outofforest/dbman/extent"
	"github.com/outofforest/dbman/gcqueue"
	"github.com/outofforest/dbman/gcstats"
	"github.com/outofforest/dbman/iodev"
	"github.com/outofforest/dbman/types"
)

// State is one step of the GC state machine.
type State int

// GC states.
const (
	StateReconstruct State = iota
	StateReady
	StateReadyLockAvailable
	StateRead
	StateReadLockAvailable
	StateWrite
)

// String renders the state for diagnostics.
func (s State) String() string {
	switch s {
	case StateReconstruct:
		return "reconstruct"
	case StateReady:
		return "ready"
	case StateReadyLockAvailable:
		return "ready-lock-available"
	case StateRead:
		return "read"
	case StateReadLockAvailable:
		return "read-lock-available"
	case StateWrite:
		return "write"
	default:
		return "unknown"
	}
}

// GCWrite is one live block rewritten by a GC round: the logical id read
// from its on-disk header, and the full header+payload buffer read during
// the GC read phase.
type GCWrite struct {
	BlockID types.BlockID
	Block   []byte
}

// Host is the enclosing serializer's contract with the GC engine: the
// global write mutex, and the higher-level rewrite routine that
// reallocates offsets for the given blocks and is responsible for causing
// mark_garbage on their old locations.
type Host interface {
	// Lock requests the write mutex; cb fires once it is held.
	Lock(cb func())
	// Unlock releases the write mutex. Must only be called while held.
	Unlock()
	// WriteGCs rewrites every block in writes at a fresh location, under
	// the priority class prio. It returns true if the whole batch
	// completed inline (synchronously, before WriteGCs returns); otherwise
	// cb fires exactly once on completion.
	WriteGCs(writes []GCWrite, prio iodev.Priority, cb func(error)) bool
}

// Config fixes the engine's tunables.
type Config struct {
	BlockSize       int64
	BlocksPerExtent int
	GCLowRatio      float64
	GCHighRatio     float64
	IOPriorityNice  iodev.Priority
	IOPriorityHigh  iodev.Priority
}

// Engine drives the GC state machine. It owns no extent table or queue of
// its own: they are injected so the enclosing manager can share them with
// allocation and liveness tracking.
type Engine struct {
	cfg   Config
	dev   iodev.Device
	host  Host
	queue *gcqueue.Queue
	age   *agepolicy.Policy
	stats *gcstats.Stats
	held  extent.Allocator
	now   func() int64

	// onReady fires every time the engine settles at Ready, before it
	// decides whether to start another round. It is always called, even
	// when there is nothing pending, so a caller can use it to fire a
	// disable or shutdown callback unconditionally. If the caller destroys
	// every tracked extent from inside onReady, the GC queue it drains
	// becomes empty, so the engine naturally idles without any extra
	// signal back from the hook.
	onReady func()

	state        State
	stopped      bool
	currentEntry *extent.Entry
	stagingBuf   []byte
	refcount     int
	writes       []GCWrite
}

// New returns an Engine in state Reconstruct. Call SetReady once
// reconstruction (or start_existing) has completed.
func New(
	cfg Config,
	dev iodev.Device,
	host Host,
	queue *gcqueue.Queue,
	age *agepolicy.Policy,
	stats *gcstats.Stats,
	held extent.Allocator,
	now func() int64,
	onReady func(),
) *Engine {
	return &Engine{
		cfg:     cfg,
		dev:     dev,
		host:    host,
		queue:   queue,
		age:     age,
		stats:   stats,
		held:    held,
		now:     now,
		onReady: onReady,
		state:   StateReconstruct,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return e.state
}

// SetReady transitions the engine out of Reconstruct, its only valid exit.
func (e *Engine) SetReady() {
	if e.state != StateReconstruct {
		panic(errors.Errorf("SetReady called while not in Reconstruct (state %s)", e.state))
	}
	e.state = StateReady
}

// Stopped reports whether GC has been soft-disabled.
func (e *Engine) Stopped() bool {
	return e.stopped
}

// SetStopped sets the soft-stop flag consumed by shouldKeepGCing and
// ShouldStartGC.
func (e *Engine) SetStopped(stopped bool) {
	e.stopped = stopped
}

// GarbageRatio returns old_garbage_blocks / (old_total_blocks + held_extents
// * blocks_per_extent).
func (e *Engine) GarbageRatio() float64 {
	return e.stats.GarbageRatio(e.held.HeldExtents(), e.cfg.BlocksPerExtent)
}

// shouldKeepGCing reports whether an in-progress GC round should continue:
// not stopped, and the garbage ratio still clears the low-water mark.
func (e *Engine) shouldKeepGCing() bool {
	return !e.stopped && e.GarbageRatio() > e.cfg.GCLowRatio
}

// ShouldStartGC reports whether a fresh GC round is worth starting: not
// stopped, and the garbage ratio clears the high-water mark.
func (e *Engine) ShouldStartGC() bool {
	return !e.stopped && e.GarbageRatio() > e.cfg.GCHighRatio
}

// chooseIOPriority picks the "high" priority class once the garbage ratio
// clears the high-water mark by 2%, else "nice" — a small hysteresis band
// that tolerates oscillation around the threshold.
func (e *Engine) chooseIOPriority() iodev.Priority {
	if e.GarbageRatio() > e.cfg.GCHighRatio*1.02 {
		return e.cfg.IOPriorityHigh
	}
	return e.cfg.IOPriorityNice
}

// StartGC is the external tick trigger. A no-op unless the engine is idle
// at Ready.
func (e *Engine) StartGC() {
	if e.state != StateReady {
		return
	}
	e.runReady()
}

// AbandonIfCurrent clears the engine's reference to entry if it is the
// extent currently being GC'd, signalling the engine to abandon this round
// once it next observes the clear. Callers invoke this when an extent in
// state InGc becomes fully garbage.
func (e *Engine) AbandonIfCurrent(entry *extent.Entry) {
	if e.currentEntry == entry {
		e.currentEntry = nil
	}
}

// runReady implements the Ready step.
func (e *Engine) runReady() {
	e.state = StateReady
	e.fireOnReady()

	if e.queue.Len() == 0 || !e.shouldKeepGCing() {
		return
	}
	e.state = StateReadyLockAvailable
	e.host.Lock(e.onReadyLockAvailable)
}

// onReadyLockAvailable implements the ReadyLockAvailable step.
func (e *Engine) onReadyLockAvailable() {
	if e.state != StateReadyLockAvailable {
		panic(errors.Errorf("onReadyLockAvailable called in state %s", e.state))
	}
	e.host.Unlock()

	if e.queue.Len() == 0 || !e.shouldKeepGCing() {
		e.runReady()
		return
	}

	victim := e.queue.Pop()
	victim.State = extent.StateInGC
	e.stats.OldGarbageBlocks -= uint64(victim.Garbage.Count())
	e.stats.OldTotalBlocks -= uint64(e.cfg.BlocksPerExtent)
	e.stats.ExtentsGced++
	e.currentEntry = victim

	e.stagingBuf = make([]byte, int64(e.cfg.BlocksPerExtent)*e.cfg.BlockSize)
	e.refcount = 0
	prio := e.chooseIOPriority()

	for i := 0; i < e.cfg.BlocksPerExtent; i++ {
		if victim.Garbage.Test(i) {
			continue
		}
		e.refcount++
	}
	if e.refcount == 0 {
		panic(errors.Errorf("GC victim extent %d has no live blocks", victim.Index))
	}

	e.state = StateRead
	for i := 0; i < e.cfg.BlocksPerExtent; i++ {
		if victim.Garbage.Test(i) {
			continue
		}
		offset := victim.Offset + int64(i)*e.cfg.BlockSize
		buf := e.stagingBuf[int64(i)*e.cfg.BlockSize : int64(i+1)*e.cfg.BlockSize]
		e.dev.ReadAt(offset, buf, prio, e.onReadSlotDone)
	}
}

// onReadSlotDone handles completion of one GC read.
func (e *Engine) onReadSlotDone(err error) {
	if err != nil {
		panic(errors.Wrap(err, "GC read failed"))
	}
	if e.state != StateRead {
		panic(errors.Errorf("onReadSlotDone called in state %s", e.state))
	}

	e.refcount--
	if e.refcount > 0 {
		return
	}

	e.state = StateReadLockAvailable
	e.host.Lock(e.onReadLockAvailable)
}

// onReadLockAvailable implements the ReadLockAvailable step.
func (e *Engine) onReadLockAvailable() {
	if e.state != StateReadLockAvailable {
		panic(errors.Errorf("onReadLockAvailable called in state %s", e.state))
	}

	if e.currentEntry == nil {
		// A concurrent mark_garbage retired the extent mid-flight.
		e.host.Unlock()
		e.state = StateReady
		e.runReady()
		return
	}

	writes := make([]GCWrite, 0, e.cfg.BlocksPerExtent)
	for i := 0; i < e.cfg.BlocksPerExtent; i++ {
		if e.currentEntry.Garbage.Test(i) {
			continue
		}
		buf := e.stagingBuf[int64(i)*e.cfg.BlockSize : int64(i+1)*e.cfg.BlockSize]
		header := types.HeaderAt(buf[:types.HeaderSize])
		writes = append(writes, GCWrite{BlockID: header.V.BlockID, Block: buf})
	}

	e.state = StateWrite
	prio := e.chooseIOPriority()
	if e.host.WriteGCs(writes, prio, e.onGCWriteDone) {
		e.runWrite()
	}
}

// onGCWriteDone is the completion callback passed to Host.WriteGCs.
func (e *Engine) onGCWriteDone(err error) {
	if err != nil {
		panic(errors.Wrap(err, "GC write failed"))
	}
	e.runWrite()
}

// runWrite implements the Write step.
func (e *Engine) runWrite() {
	if e.state != StateWrite {
		panic(errors.Errorf("runWrite called in state %s", e.state))
	}

	// Avoid a livelock where the same extent keeps being re-selected.
	e.age.MarkUnyoungEntries(e.now())

	if e.currentEntry != nil {
		panic(errors.Errorf(
			"%d live blocks left on extent %d after GC write", e.currentEntry.Garbage.Len()-e.currentEntry.Garbage.Count(), e.currentEntry.Index,
		))
	}

	e.runReady()
}

func (e *Engine) fireOnReady() {
	if e.onReady != nil {
		e.onReady()
	}
}
