// Package agepolicy implements the FIFO queue of Young extents and the rule
// that retires them into Old once the queue grows past its size cap or its
// oldest member has aged past its time limit. Built on container/list, used
// the way an ordered, arbitrarily-removable queue is reached for elsewhere in
// this module (no vendored ring-buffer or deque library for this).
package agepolicy

import (
	"container/list"

	"github.com/outofforest/dbman/extent"
	"github.com/outofforest/dbman/gcqueue"
)

// Policy tracks the young-extent queue and retires its stale members into
// Old, pushing them onto the GC queue.
type Policy struct {
	youngMax         int
	youngTimeLimit   int64 // microseconds
	queue            *list.List
	gcQueue          *gcqueue.Queue
	oldTotalBlocks   *uint64
	oldGarbageBlocks *uint64
	blocksPerExtent  int
}

// New returns a Policy enforcing youngMax entries / youngTimeLimit
// microseconds, pushing retired extents onto gcQueue and accumulating
// old-generation totals into the counters the caller supplies (gcstats.Stats
// fields, addressed by pointer so Policy never needs to know about package
// gcstats).
func New(youngMax int, youngTimeLimit int64, blocksPerExtent int, gcQueue *gcqueue.Queue, oldTotalBlocks, oldGarbageBlocks *uint64) *Policy {
	return &Policy{
		youngMax:         youngMax,
		youngTimeLimit:   youngTimeLimit,
		queue:            list.New(),
		gcQueue:          gcQueue,
		oldTotalBlocks:   oldTotalBlocks,
		oldGarbageBlocks: oldGarbageBlocks,
		blocksPerExtent:  blocksPerExtent,
	}
}

// Enqueue appends e to the young queue. e.State must already be
// extent.StateYoung; its age is measured from e.Timestamp, the time the
// entry was created.
func (p *Policy) Enqueue(e *extent.Entry) {
	e.YoungElem = p.queue.PushBack(e)
}

// Remove removes e from the young queue, for example when an extent is
// fully retired before its turn comes up naturally.
func (p *Policy) Remove(e *extent.Entry) {
	if e.YoungElem == nil {
		return
	}
	p.queue.Remove(e.YoungElem)
	e.YoungElem = nil
}

// Len returns the number of extents currently queued as Young.
func (p *Policy) Len() int {
	return p.queue.Len()
}

// PopFront removes and returns the oldest Young entry without promoting it
// to Old or touching the old-generation counters, for callers that need to
// drain and destroy every Young extent outright (a full shutdown).
func (p *Policy) PopFront() *extent.Entry {
	front := p.queue.Front()
	if front == nil {
		return nil
	}
	e, _ := front.Value.(*extent.Entry)
	p.queue.Remove(front)
	e.YoungElem = nil
	return e
}

// MarkUnyoungEntries drains the head of the young queue while either the
// queue is longer than YoungMax or the head entry's age (nowMicros -
// Timestamp) exceeds YoungTimeLimitMicros. Each drained entry transitions
// Young -> Old, is pushed onto the GC queue, and contributes to the
// supplied old-generation counters.
func (p *Policy) MarkUnyoungEntries(nowMicros int64) {
	for {
		front := p.queue.Front()
		if front == nil {
			return
		}
		e, _ := front.Value.(*extent.Entry)
		age := nowMicros - e.Timestamp
		if p.queue.Len() <= p.youngMax && age <= p.youngTimeLimit {
			return
		}
		p.queue.Remove(front)
		e.YoungElem = nil
		e.State = extent.StateOld

		*p.oldTotalBlocks += uint64(p.blocksPerExtent)
		*p.oldGarbageBlocks += uint64(e.Garbage.Count())

		p.gcQueue.Push(e)
	}
}
