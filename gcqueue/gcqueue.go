// Package gcqueue is the GC victim priority queue: the set of extents
// eligible for garbage collection, ordered so the most garbage-laden extent
// is always at the front. Built on container/heap; the indexed-handle idiom
// (storing each entry's heap position on the entry itself so it can be
// removed or re-prioritized in O(log n) instead of only popped) follows the
// standard container/heap "priority queue" recipe.
package gcqueue

import (
	"container/heap"

	"github.com/outofforest/dbman/extent"
)

// Queue is a max-heap of extent entries ordered by descending garbage
// count, offset ascending as a deterministic tiebreaker: GC always picks
// the extent with the most garbage, with ties broken by extent offset so
// victim selection is reproducible.
type Queue struct {
	h entryHeap
}

// New returns an empty GC queue.
func New() *Queue {
	return &Queue{}
}

// Len reports the number of extents queued for GC consideration.
func (q *Queue) Len() int {
	return q.h.Len()
}

// Push adds e to the queue. e.HeapIndex is set as a side effect and must
// not be written by callers afterward.
func (q *Queue) Push(e *extent.Entry) {
	heap.Push(&q.h, e)
}

// Remove removes e from the queue. e must currently be queued (e.HeapIndex
// >= 0); it is an error to call Remove on an entry not in this queue.
func (q *Queue) Remove(e *extent.Entry) {
	heap.Remove(&q.h, e.HeapIndex)
	e.HeapIndex = -1
}

// Fix re-establishes heap order for e after its garbage count changed in
// place. Callers must call this any time they mutate a queued entry's
// Garbage bitmap.
func (q *Queue) Fix(e *extent.Entry) {
	heap.Fix(&q.h, e.HeapIndex)
}

// Peek returns the current GC victim without removing it. It returns nil if
// the queue is empty.
func (q *Queue) Peek() *extent.Entry {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the current GC victim. It returns nil if the
// queue is empty.
func (q *Queue) Pop() *extent.Entry {
	if q.h.Len() == 0 {
		return nil
	}
	e, _ := heap.Pop(&q.h).(*extent.Entry)
	return e
}

// entryHeap implements heap.Interface over *extent.Entry, using each
// entry's own HeapIndex field as its stable handle.
type entryHeap []*extent.Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	gi, gj := h[i].Garbage.Count(), h[j].Garbage.Count()
	if gi != gj {
		return gi > gj
	}
	return h[i].Offset < h[j].Offset
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].HeapIndex = i
	h[j].HeapIndex = j
}

func (h *entryHeap) Push(x any) {
	e, _ := x.(*extent.Entry)
	e.HeapIndex = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.HeapIndex = -1
	*h = old[:n-1]
	return e
}
