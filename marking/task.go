// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import (
	"fmt"
	"time"

	"github.com/aclements/go-moremath/stats"
	"github.com/mahaoran1997/Semeru-dev/heap"
	"github.com/mahaoran1997/Semeru-dev/region"
	"github.com/mahaoran1997/Semeru-dev/taskqueue"
)

// Task drives marking for one worker: it claims MS-CSet regions,
// drains their target-object queues, marks reached objects in their
// home regions' alive bitmaps, traces fields through its local queue,
// spills to and refills from the global stack, steals when idle, and
// participates in the termination and overflow protocols.
//
// A Task is owned by a single worker goroutine per step; only the
// local queue's steal end and the abort flags it publishes through the
// Marker are shared.
type Task struct {
	workerID int
	m        *Marker
	queue    *taskqueue.Queue

	statsCache *markStatsCache

	currRegion *region.Region

	closure oopClosure

	// Work-based regular-clock state.
	wordsScanned          int64
	refsReached           int64
	wordsScannedLimit     int64
	refsReachedLimit      int64
	realWordsScannedLimit int64
	realRefsReachedLimit  int64

	calls        int64
	hasAborted   bool
	hasTimedOut  bool
	drainingSATB bool

	stepStart  time.Time
	timeTarget time.Duration

	stepTimes       stats.Sample
	elapsed         time.Duration
	terminationTime time.Duration
}

func newTask(workerID int, m *Marker, queue *taskqueue.Queue, shared []RegionMarkStats) *Task {
	return &Task{
		workerID:   workerID,
		m:          m,
		queue:      queue,
		statsCache: newMarkStatsCache(shared, m.opts.StatsCacheSize),
	}
}

// WorkerID returns the task's worker index.
func (t *Task) WorkerID() int { return t.workerID }

// RefsReached returns the number of references the task has examined
// this cycle.
func (t *Task) RefsReached() int64 { return t.refsReached }

// WordsScanned returns the number of object words the task has
// scanned this cycle.
func (t *Task) WordsScanned() int64 { return t.wordsScanned }

// Calls returns how many marking steps the task has run this cycle.
func (t *Task) Calls() int64 { return t.calls }

// HasAborted reports whether the last step ended by aborting.
func (t *Task) HasAborted() bool { return t.hasAborted }

func (t *Task) setHasAborted()   { t.hasAborted = true }
func (t *Task) clearHasAborted() { t.hasAborted = false }

// reset prepares the task for a new cycle.
func (t *Task) reset() {
	t.clearRegionFields()
	t.calls = 0
	t.wordsScanned = 0
	t.refsReached = 0
	t.elapsed = 0
	t.terminationTime = 0
	t.stepTimes = stats.Sample{}
	t.statsCache.reset()
}

func (t *Task) setupForRegion(r *region.Region) {
	if r == nil {
		panic("claim should have filtered out nil regions")
	}
	t.currRegion = r
}

func (t *Task) giveupCurrentRegion() {
	if t.currRegion == nil {
		panic("giving up a region without holding one")
	}
	t.clearRegionFields()
}

func (t *Task) clearRegionFields() {
	t.currRegion = nil
}

// regularClockCall is the task's periodic condition check, reached on
// counter crossings. It returns false when the step must abort: global
// overflow, cycle abort, a pending yield, the time target, or enough
// completed producer buffers to justify a restart.
func (t *Task) regularClockCall() bool {
	if t.hasAborted {
		return false
	}

	t.recalculateLimits()

	if t.m.hasOverflown() {
		return false
	}
	if !t.m.isConcurrent() {
		// During remark only the overflow condition applies.
		return true
	}
	if t.m.HasAborted() {
		return false
	}
	if t.m.sts.ShouldYield() {
		return false
	}
	if time.Since(t.stepStart) > t.timeTarget {
		t.hasTimedOut = true
		return false
	}
	if !t.drainingSATB && t.m.satb != nil && t.m.satb.ProcessCompletedBuffers() {
		return false
	}
	return true
}

func (t *Task) abortMarkingIfRegularCheckFail() {
	if !t.regularClockCall() {
		t.setHasAborted()
	}
}

func (t *Task) recalculateLimits() {
	t.realWordsScannedLimit = t.wordsScanned + t.m.opts.WordsScannedPeriod
	t.wordsScannedLimit = t.realWordsScannedLimit
	t.realRefsReachedLimit = t.refsReached + t.m.opts.RefsReachedPeriod
	t.refsReachedLimit = t.realRefsReachedLimit
}

// decreaseLimits pulls the next clock call closer after an expensive
// operation such as moving entries to or from the global stack.
func (t *Task) decreaseLimits() {
	t.wordsScannedLimit = t.realWordsScannedLimit - 3*t.m.opts.WordsScannedPeriod/4
	t.refsReachedLimit = t.realRefsReachedLimit - 3*t.m.opts.RefsReachedPeriod/4
}

func (t *Task) checkLimits() {
	if t.wordsScanned >= t.wordsScannedLimit || t.refsReached >= t.refsReachedLimit {
		t.abortMarkingIfRegularCheckFail()
	}
}

// ShouldExitTermination is the re-poll predicate of the termination
// protocol: leave the protocol when the clock demands an abort, the
// global stack has work, or the task already aborted.
func (t *Task) ShouldExitTermination() bool {
	if !t.regularClockCall() {
		return true
	}
	return !t.m.markStack.IsEmpty() || t.hasAborted
}

// markInAliveBitmap CAS-sets obj's bit in its home region's alive
// bitmap. On the 0→1 transition the object's size is credited to the
// region's liveness through the task's stats cache. Objects at or
// above the region's NTAMS are live by construction and never marked.
func (t *Task) markInAliveBitmap(r *region.Region, obj heap.Addr) bool {
	if r.ObjAllocatedSinceMarkStart(obj) {
		return false
	}
	if r.IsContinuesHumongous() {
		panic(fmt.Sprintf("marking %v inside continues-humongous region %d", obj, r.Index()))
	}
	if !r.AliveBitmap().ParMark(obj) {
		return false
	}
	t.statsCache.addLiveWords(r.Index(), uint64(t.m.om.SizeOf(obj)))
	return true
}

// makeReferenceAlive marks obj in its home region and queues it for
// field tracing. Primitive arrays carry no references, so they are
// accounted without a trip through the queue. It reports whether this
// call made the object live.
func (t *Task) makeReferenceAlive(r *region.Region, obj heap.Addr) bool {
	if !t.markInAliveBitmap(r, obj) {
		return false
	}
	entry := taskqueue.FromObj(obj)
	if t.m.om.IsTypeArray(obj) {
		t.processGreyTaskEntry(entry, false)
	} else {
		t.push(entry)
	}
	return true
}

// dealWithReference loads the reference held in slot and traces it if
// it leads into an MS-CSet region. Loads from decommitted source
// regions are skipped; references into regions outside the MS-CSet are
// not traced, their liveness is decided elsewhere.
func (t *Task) dealWithReference(slot heap.Addr) bool {
	t.refsReached++
	obj, ok := t.m.tr.LoadRef(slot)
	if !ok || obj.IsNull() {
		return false
	}
	r := t.m.arena.RegionContaining(obj)
	if r == nil || !r.InCSet() {
		return false
	}
	return t.makeReferenceAlive(r, obj)
}

// makeSATBReferenceAlive handles one pre-image popped from a producer
// buffer. Buffer entries are object references, not slots.
func (t *Task) makeSATBReferenceAlive(obj heap.Addr) {
	t.refsReached++
	if obj.IsNull() {
		return
	}
	r := t.m.arena.RegionContaining(obj)
	if r == nil || !r.InCSet() {
		return
	}
	t.makeReferenceAlive(r, obj)
}

// push queues entry locally, spilling a chunk to the global stack when
// the local queue is full.
func (t *Task) push(entry taskqueue.Entry) {
	if t.queue.Push(entry) {
		return
	}
	// The local queue looks full: move a chunk to the global
	// stack. That must have freed space unless the queue is
	// smaller than a chunk.
	t.moveEntriesToGlobalStack()
	if !t.queue.Push(entry) {
		panic("local queue full immediately after spilling to the global stack")
	}
}

// moveEntriesToGlobalStack drains up to one chunk of local entries to
// the global stack. Failure to push the chunk is the global-overflow
// trigger: the marker's overflow flag is raised and the step aborts.
func (t *Task) moveEntriesToGlobalStack() {
	var buf [ChunkSize]taskqueue.Entry
	n := 0
	for n < ChunkSize {
		e, ok := t.queue.PopLocal()
		if !ok {
			break
		}
		buf[n] = e
		n++
	}
	if n < ChunkSize {
		buf[n] = taskqueue.NilEntry
	}
	if n > 0 {
		if !t.m.markStackPush(&buf) {
			t.setHasAborted()
		}
	}
	t.decreaseLimits()
}

// getEntriesFromGlobalStack refills the local queue with one chunk
// from the global stack, reporting whether a chunk was available.
func (t *Task) getEntriesFromGlobalStack() bool {
	var buf [ChunkSize]taskqueue.Entry
	if !t.m.markStackPop(&buf) {
		return false
	}
	for i := 0; i < ChunkSize; i++ {
		e := buf[i]
		if e.IsNil() {
			break
		}
		t.push(e)
	}
	t.decreaseLimits()
	return true
}

// drainLocalQueue processes local entries. Partial draining stops at a
// target size so other tasks still find entries to steal; total
// draining runs the queue dry.
func (t *Task) drainLocalQueue(partially bool) {
	if t.hasAborted {
		return
	}
	target := 0
	if partially {
		target = t.queue.Capacity() / 3
		if target > t.m.opts.DrainStackTarget {
			target = t.m.opts.DrainStackTarget
		}
	}
	if t.queue.Size() > target {
		e, ok := t.queue.PopLocal()
		for ok {
			t.scanTaskEntry(e)
			if t.queue.Size() <= target || t.hasAborted {
				break
			}
			e, ok = t.queue.PopLocal()
		}
	}
}

// drainGlobalStack pulls chunks off the global stack, draining the
// local queue in between. The partial target leaves entries for other
// tasks to pop.
func (t *Task) drainGlobalStack(partially bool) {
	if t.hasAborted {
		return
	}
	if partially {
		// The size read races with other tasks; dropping below
		// the target is harmless.
		target := t.m.partialMarkStackTarget()
		for !t.hasAborted && t.m.markStack.Size() > target {
			if !t.getEntriesFromGlobalStack() {
				break
			}
			t.drainLocalQueue(partially)
		}
	} else {
		for !t.hasAborted && t.getEntriesFromGlobalStack() {
			t.drainLocalQueue(partially)
		}
	}
}

// drainSATBBuffers claims and drains completed producer buffers until
// none remain or the step aborts. While draining, the regular clock
// must not abort the step because buffers are queued; that is exactly
// the work being done.
func (t *Task) drainSATBBuffers() {
	if t.hasAborted || t.m.satb == nil {
		return
	}
	t.drainingSATB = true
	for !t.hasAborted && t.m.satb.ApplyClosureToCompletedBuffer(t.makeSATBReferenceAlive) {
		t.abortMarkingIfRegularCheckFail()
	}
	t.drainingSATB = false
	t.decreaseLimits()
}

// scanTaskEntry traces one queue entry: field iteration for objects,
// one bounded slice for large reference arrays.
func (t *Task) scanTaskEntry(entry taskqueue.Entry) {
	t.processGreyTaskEntry(entry, true)
}

func (t *Task) processGreyTaskEntry(entry taskqueue.Entry, scan bool) {
	if scan {
		if entry.IsSlice() {
			t.wordsScanned += t.processSlice(entry.Slice())
		} else {
			obj := entry.Obj()
			if t.shouldBeSliced(obj) {
				t.wordsScanned += t.processObjArray(obj)
			} else {
				t.m.om.IterateFields(obj, t.closure.do)
				t.wordsScanned += t.m.om.SizeOf(obj)
			}
		}
	}
	t.checkLimits()
}

// shouldBeSliced reports whether obj is a reference array large enough
// that tracing it in one step would blow the time target.
func (t *Task) shouldBeSliced(obj heap.Addr) bool {
	return t.m.om.IsObjArray(obj) && t.m.om.SizeOf(obj) >= 2*t.m.opts.ObjArrayMarkingStride
}

// processObjArray starts slicing a large reference array: scan the
// first stride (which covers the header) and queue the remainder.
func (t *Task) processObjArray(obj heap.Addr) int64 {
	return t.processArraySlice(obj, obj, t.m.om.SizeOf(obj))
}

// processSlice continues a sliced array from an interior address.
func (t *Task) processSlice(slice heap.Addr) int64 {
	start := t.m.om.BlockStart(slice)
	remaining := t.m.om.SizeOf(start) - start.WordsTo(slice)
	return t.processArraySlice(start, slice, remaining)
}

func (t *Task) processArraySlice(objStart, from heap.Addr, remaining int64) int64 {
	toScan := remaining
	if toScan > t.m.opts.ObjArrayMarkingStride {
		toScan = t.m.opts.ObjArrayMarkingStride
	}
	if remaining > toScan {
		t.push(taskqueue.FromSlice(from.AddWords(toScan)))
	}
	mr := heap.MemRegion{Start: from, End: from.AddWords(toScan)}
	t.m.om.IterateFieldsIn(objStart, mr, t.closure.do)
	return toScan
}

// trimTargetObjectQueue drains a region's inbound-reference queue.
// The overflow area goes first so its entries become stealable again,
// then the ring is popped dry.
func (t *Task) trimTargetObjectQueue(q *region.TargetQueue) {
	for !t.hasAborted && !q.IsEmpty() {
		t.trimTargetObjectQueueToThreshold(q, 0)
	}
}

func (t *Task) trimTargetObjectQueueToThreshold(q *region.TargetQueue, threshold int) {
	for {
		slot, ok := q.PopOverflow()
		if !ok {
			break
		}
		if !q.TryPushToTaskQueue(slot) {
			t.dispatchReference(slot)
		}
		if t.hasAborted {
			return
		}
	}
	for {
		slot, ok := q.PopLocal(threshold)
		if !ok {
			break
		}
		t.dispatchReference(slot)
		if t.hasAborted {
			return
		}
	}
}

func (t *Task) dispatchReference(slot heap.Addr) {
	t.dealWithReference(slot)
	t.checkLimits()
}

// scanRegionBitmap re-traces every object already marked in r. After
// an overflow restart the queues were clobbered, so marked-but-
// unfinished objects are rediscovered from the bitmap, the way they
// would be found by a fresh bitmap pass.
func (t *Task) scanRegionBitmap(r *region.Region) {
	r.AliveBitmap().Iterate(r.Bottom(), r.NTAMS(), func(addr heap.Addr) bool {
		t.scanTaskEntry(taskqueue.FromObj(addr))
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
		return !t.hasAborted
	})
}

/*
DoMarkingStep is the building block of the marking framework. It is
called in a loop, in parallel with the same method on other tasks and
concurrently with the mutator machine, until it returns without having
aborted. One invocation:

  - drains any completed producer buffers, then partially drains the
    local queue and the global stack;
  - processes the task's current region: a humongous region contributes
    only its starts-humongous object, any other region has its
    target-object queue drained;
  - claims further MS-CSet regions until the chain is exhausted,
    calling the regular clock around the claim loop;
  - once out of regions, drains everything, steals from other tasks,
    and finally enters the termination protocol.

The step aborts, setting hasAborted and returning early, when the
time target passes, the cycle is aborted, a yield is requested, enough
producer buffers queue up, or the global stack overflows. On overflow
the task additionally synchronizes with all other tasks through the
two overflow barriers, and worker 0 resets the shared marking state in
the window between them.

doTermination must be set when the caller needs the phase to end in
global agreement (concurrent marking, remark). isSerial marks the
single-threaded remark fallback, which skips the barriers and the
termination handshake.
*/
func (t *Task) DoMarkingStep(timeTarget time.Duration, doTermination, isSerial bool) {
	if timeTarget < time.Millisecond {
		panic("minimum time target granularity is 1ms")
	}

	t.stepStart = time.Now()
	t.timeTarget = timeTarget
	doStealing := doTermination && !isSerial

	t.recalculateLimits()
	t.clearHasAborted()
	t.hasTimedOut = false
	t.drainingSATB = false
	t.calls++

	t.closure = oopClosure{kind: closureCMTrace, task: t}

	if t.m.hasOverflown() {
		// The stack can overflow during a pause and this task
		// restarts after a yield: abort straight into the
		// overflow protocol at the end of this step.
		t.setHasAborted()
	}

	// Drain what the producers queued first; the regular clock will
	// not look at buffers again until the next step.
	t.drainSATBBuffers()
	t.drainLocalQueue(true)
	t.drainGlobalStack(true)

	for {
		if !t.hasAborted && t.currRegion != nil {
			r := t.currRegion
			if r.IsHumongous() {
				// Only the starts-humongous region carries
				// the object; continues regions are never
				// claimed and never marked.
				if r.IsStartsHumongous() && r.Used() > 0 {
					t.makeReferenceAlive(r, r.Bottom())
					t.drainLocalQueue(true)
					t.drainGlobalStack(true)
				}
				if !t.hasAborted {
					t.giveupCurrentRegion()
					t.abortMarkingIfRegularCheckFail()
				}
			} else {
				if t.m.rescanAfterOverflow() {
					t.scanRegionBitmap(r)
				}
				if !t.hasAborted {
					t.trimTargetObjectQueue(r.TargetQueue())
				}
				if !t.hasAborted {
					t.giveupCurrentRegion()
					t.abortMarkingIfRegularCheckFail()
				}
			}
		}

		t.drainLocalQueue(true)
		t.drainGlobalStack(true)

		// Claim the next region. The claim can fail spuriously
		// (a raced or empty region), so loop until the chain is
		// exhausted, keeping the clock ticking: a run of empty
		// regions must not starve the abort conditions.
		for !t.hasAborted && t.currRegion == nil && !t.m.OutOfRegions() {
			if r := t.m.claimRegion(t.workerID); r != nil {
				t.setupForRegion(r)
			}
			t.abortMarkingIfRegularCheckFail()
		}

		if t.currRegion == nil || t.hasAborted {
			break
		}
	}

	if !t.hasAborted {
		// Out of regions. Shrink the producers' backlog so
		// remark has less to do.
		t.drainSATBBuffers()
	}

	// Everything else is done; drain totally.
	t.drainLocalQueue(false)
	t.drainGlobalStack(false)

	if doStealing && !t.hasAborted {
		for !t.hasAborted {
			entry, ok := t.m.tryStealing(t.workerID)
			if !ok {
				break
			}
			t.scanTaskEntry(entry)
			// Towards the end: drain totally between steals.
			t.drainLocalQueue(false)
			t.drainGlobalStack(false)
		}
	}

	if doTermination && !t.hasAborted {
		termStart := time.Now()
		finished := isSerial || t.m.terminator.OfferTermination(t)
		t.terminationTime += time.Since(termStart)
		if finished {
			if t.m.hasOverflown() || t.hasAborted || !t.m.markStack.IsEmpty() || t.queue.Size() != 0 {
				panic("termination reached with work or an abort outstanding")
			}
		} else {
			// More work appeared somewhere; abort the step so
			// the caller re-invokes and we go stealing again.
			t.setHasAborted()
		}
	}

	t.closure = oopClosure{}
	stepElapsed := time.Since(t.stepStart)
	t.elapsed += stepElapsed
	t.stepTimes.Xs = append(t.stepTimes.Xs, float64(stepElapsed)/float64(time.Millisecond))

	if t.hasAborted && t.m.hasOverflown() {
		// A global overflow was raised: restart marking from the
		// chain head. All tasks must stop tracing before any
		// shared structure is reset, hence the two barriers. An
		// aborted barrier means a full collection pre-empted
		// marking; then the overflow is ignored and the step
		// exits without restarting.
		barrierAborted := false
		if !isSerial {
			barrierAborted = !t.m.enterFirstSyncBarrier(t.workerID)
			// Everyone has stopped marking; resetting is now
			// safe.
		}
		t.clearRegionFields()
		t.statsCache.evictAll()
		if !isSerial && !barrierAborted {
			// During remark the state is reset later, after
			// reference processing; resetting here would
			// clobber the overflow flag remark relies on.
			if t.m.isConcurrent() && t.workerID == 0 {
				t.m.resetMarkingForRestart()
				t.m.logf("concurrent mark reset for overflow")
			}
			t.m.enterSecondSyncBarrier(t.workerID)
		}
	}
}

// printStats logs the task's per-cycle statistics.
func (t *Task) printStats() {
	m := t.m
	m.debugf("marking stats, task = %d, calls = %d", t.workerID, t.calls)
	m.debugf("  elapsed = %v, termination = %v", t.elapsed, t.terminationTime)
	if n := len(t.stepTimes.Xs); n > 0 {
		_, max := t.stepTimes.Bounds()
		m.debugf("  step times (ms): num = %d, avg = %.2f, sd = %.2f, max = %.2f",
			n, t.stepTimes.Mean(), t.stepTimes.StdDev(), max)
	}
	hits, misses := t.statsCache.hits, t.statsCache.misses
	if hits+misses > 0 {
		m.debugf("  mark stats cache: hits %d misses %d ratio %.3f",
			hits, misses, float64(hits)/float64(hits+misses))
	}
}
