// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"sync"

	"github.com/mahaoran1997/Semeru-dev/heap"
	"github.com/mahaoran1997/Semeru-dev/taskqueue"
)

// TargetQueue holds a region's inbound root references for the current
// cycle: slot addresses delivered by the transport from other regions
// or from the mutator machine. The bulk of the queue is a bounded ring
// the claiming worker drains; entries that do not fit spill into an
// overflow area.
//
// The transport fills the queue before the cycle's workers drain it;
// Push must not race with PopLocal. Thieves may Steal at any time.
type TargetQueue struct {
	ring *taskqueue.Queue

	mu       sync.Mutex
	overflow []heap.Addr
}

// NewTargetQueue returns an empty queue whose ring holds ringCapacity
// entries (a power of two).
func NewTargetQueue(ringCapacity int) *TargetQueue {
	return &TargetQueue{ring: taskqueue.New(ringCapacity)}
}

// Push enqueues a slot reference, spilling to the overflow area when
// the ring is full.
func (q *TargetQueue) Push(slot heap.Addr) {
	if !q.ring.Push(taskqueue.FromObj(slot)) {
		q.mu.Lock()
		q.overflow = append(q.overflow, slot)
		q.mu.Unlock()
	}
}

// TryPushToTaskQueue attempts to move a spilled entry back into the
// ring, reporting whether it fit.
func (q *TargetQueue) TryPushToTaskQueue(slot heap.Addr) bool {
	return q.ring.Push(taskqueue.FromObj(slot))
}

// PopLocal removes a slot from the owner end of the ring, but leaves
// at least threshold entries behind so thieves can keep stealing.
func (q *TargetQueue) PopLocal(threshold int) (heap.Addr, bool) {
	if q.ring.Size() <= threshold {
		return heap.NullAddr, false
	}
	e, ok := q.ring.PopLocal()
	if !ok {
		return heap.NullAddr, false
	}
	return e.Obj(), true
}

// PopOverflow removes a slot from the spill area.
func (q *TargetQueue) PopOverflow() (heap.Addr, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.overflow) == 0 {
		return heap.NullAddr, false
	}
	slot := q.overflow[len(q.overflow)-1]
	q.overflow = q.overflow[:len(q.overflow)-1]
	return slot, true
}

// Steal removes a slot from the thief end of the ring.
func (q *TargetQueue) Steal() (heap.Addr, bool) {
	e, ok := q.ring.Steal()
	if !ok {
		return heap.NullAddr, false
	}
	return e.Obj(), true
}

// IsEmpty reports whether both the ring and the spill area are empty.
func (q *TargetQueue) IsEmpty() bool {
	q.mu.Lock()
	spilled := len(q.overflow)
	q.mu.Unlock()
	return spilled == 0 && q.ring.IsEmpty()
}

// SetEmpty discards all queued entries. Abort path only; must not
// race with a drain.
func (q *TargetQueue) SetEmpty() {
	q.mu.Lock()
	q.overflow = nil
	q.mu.Unlock()
	q.ring.SetEmpty()
}

// Size returns a best-effort count of queued entries.
func (q *TargetQueue) Size() int {
	q.mu.Lock()
	spilled := len(q.overflow)
	q.mu.Unlock()
	return spilled + q.ring.Size()
}
