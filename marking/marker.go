// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package marking implements the concurrent marking engine of a
// region-based memory-server garbage collector: the coordinator and
// its per-worker tasks, the global overflow stack, the root-region
// claimer, region liveness accounting, and the remark/cleanup state
// machine that finalizes a cycle.
//
// The marker traces live objects across the regions selected into the
// memory-server collection set (MS-CSet). Roots arrive per region in
// target-object queues filled by the transport; workers claim regions
// off the MS-CSet chain, mark reached objects in per-region alive
// bitmaps, and trace fields through work-stealing queues backed by a
// shared chunked stack.
package marking

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aclements/go-moremath/stats"
	"github.com/mahaoran1997/Semeru-dev/heap"
	"github.com/mahaoran1997/Semeru-dev/internal/suspend"
	"github.com/mahaoran1997/Semeru-dev/region"
	"github.com/mahaoran1997/Semeru-dev/satb"
	"github.com/mahaoran1997/Semeru-dev/taskqueue"
)

// clearChunkBytes is how much bitmap-covered heap one clearing step
// handles before checking for a pending yield.
const clearChunkBytes = 1 << 20

// veryLongTimeTarget is the practically unbounded step budget used by
// the stop-the-world remark drains.
const veryLongTimeTarget = 1000000 * time.Hour

// Phase is the coordinator's position in the cycle state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseInitialMark
	PhaseRootRegionScan
	PhaseConcurrentMark
	PhaseRemark
	PhaseCleanup
	PhaseAborted
)

var phaseNames = [...]string{"idle", "initial-mark", "root-region-scan", "concurrent-mark", "remark", "cleanup", "aborted"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Marker is the process-wide marking coordinator. It is explicitly
// constructed and handed to whoever drives the cycle; there are no
// hidden singletons, so a test harness instantiates one per test.
type Marker struct {
	arena *region.Arena
	om    heap.ObjectModel
	tr    heap.Transport
	satb  satb.QueueSet
	sts   *suspend.Set
	opts  Options

	tasks  []*Task
	queues []*taskqueue.Queue

	markStack   *MarkStack
	rootRegions *RootRegions
	terminator  *Terminator

	regionStats        []RegionMarkStats
	topAtRebuildStarts []atomic.Uint64

	// finger holds the bottom address of the first unclaimed
	// MS-CSet region, zero once the chain is exhausted.
	finger   atomic.Uint64
	csetHead atomic.Pointer[region.Region]
	csetRegs []*region.Region

	firstSync  *syncBarrier
	secondSync *syncBarrier

	numActiveTasks int

	phase              atomic.Int32
	concurrent         atomic.Bool
	cycleInProgress    atomic.Bool
	hasOverflownFlag   atomic.Bool
	hasAbortedFlag     atomic.Bool
	restartForOverflow atomic.Bool
	rescanAfterOvf     atomic.Bool
	overflowEvents     atomic.Int64

	freeRegions *region.FreeList
	freeMu      sync.Mutex

	// Cycle timing summaries.
	timesMu          sync.Mutex
	initTimes        stats.Sample
	remarkTimes      stats.Sample
	remarkMarkTimes  stats.Sample
	remarkRefTimes   stats.Sample
	cleanupTimes     stats.Sample
	totalCleanupTime time.Duration
}

// NewMarker returns a marker over arena whose object layout and
// reference loads go through om and tr. producers may be nil when no
// mutator machine feeds SATB buffers.
func NewMarker(arena *region.Arena, om heap.ObjectModel, tr heap.Transport, producers satb.QueueSet, opts Options) (*Marker, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("marking options: %w", err)
	}
	ms, err := NewMarkStack(opts.MarkStackSize, opts.MarkStackSizeMax)
	if err != nil {
		return nil, fmt.Errorf("allocating concurrent mark overflow stack: %w", err)
	}

	m := &Marker{
		arena:              arena,
		om:                 om,
		tr:                 tr,
		satb:               producers,
		sts:                &suspend.Set{},
		opts:               opts,
		markStack:          ms,
		rootRegions:        NewRootRegions(arena.Len()),
		regionStats:        make([]RegionMarkStats, arena.Len()),
		topAtRebuildStarts: make([]atomic.Uint64, arena.Len()),
		firstSync:          newSyncBarrier(),
		secondSync:         newSyncBarrier(),
		freeRegions:        region.NewFreeList("Free Region List", nil),
	}
	m.terminator = NewTerminator(opts.MaxWorkers, m.anyTaskHasWork)

	m.queues = make([]*taskqueue.Queue, opts.MaxWorkers)
	m.tasks = make([]*Task, opts.MaxWorkers)
	for i := range m.tasks {
		m.queues[i] = taskqueue.New(opts.TaskQueueCapacity)
		m.tasks[i] = newTask(i, m, m.queues[i], m.regionStats)
	}
	m.numActiveTasks = opts.MaxWorkers
	m.resetAtMarkingComplete()
	return m, nil
}

func (m *Marker) logf(format string, args ...interface{}) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}

func (m *Marker) debugf(format string, args ...interface{}) {
	if m.opts.Debug && m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}

// Arena returns the region arena the marker traces.
func (m *Marker) Arena() *region.Arena { return m.arena }

// Task returns worker i's task, mainly for statistics.
func (m *Marker) Task(i int) *Task { return m.tasks[i] }

// MaxTasks returns the size of the worker pool.
func (m *Marker) MaxTasks() int { return len(m.tasks) }

// Phase returns the coordinator's current phase.
func (m *Marker) Phase() Phase { return Phase(m.phase.Load()) }

func (m *Marker) setPhase(p Phase) { m.phase.Store(int32(p)) }

// SuspendSet returns the suspendible thread set workers cooperate
// with; short stop-the-world events synchronize through it.
func (m *Marker) SuspendSet() *suspend.Set { return m.sts }

// FreeRegions returns the ordered list of regions reclaimed empty at
// remark.
func (m *Marker) FreeRegions() *region.FreeList { return m.freeRegions }

// HasAborted reports whether the cycle has been aborted.
func (m *Marker) HasAborted() bool { return m.hasAbortedFlag.Load() }

// RestartForOverflow reports whether remark found the cycle must
// restart concurrent marking because the global stack overflowed.
func (m *Marker) RestartForOverflow() bool { return m.restartForOverflow.Load() }

// OverflowEvents returns how many times the global stack has
// overflowed since the marker was built.
func (m *Marker) OverflowEvents() int64 { return m.overflowEvents.Load() }

func (m *Marker) hasOverflown() bool { return m.hasOverflownFlag.Load() }

func (m *Marker) setHasOverflown() {
	if !m.hasOverflownFlag.Swap(true) {
		m.overflowEvents.Add(1)
	}
}

func (m *Marker) clearHasOverflown() { m.hasOverflownFlag.Store(false) }

func (m *Marker) isConcurrent() bool { return m.concurrent.Load() }

func (m *Marker) rescanAfterOverflow() bool { return m.rescanAfterOvf.Load() }

// markStackPush spills one chunk to the global stack. Failure raises
// the global-overflow flag.
func (m *Marker) markStackPush(buf *[ChunkSize]taskqueue.Entry) bool {
	if m.markStack.ParPushChunk(buf) {
		return true
	}
	m.setHasOverflown()
	return false
}

func (m *Marker) markStackPop(buf *[ChunkSize]taskqueue.Entry) bool {
	return m.markStack.ParPopChunk(buf)
}

// partialMarkStackTarget is the size, in entries, tasks drain the
// global stack down to while work is still plentiful.
func (m *Marker) partialMarkStackTarget() int { return m.markStack.Capacity() / 4 }

func (m *Marker) anyTaskHasWork() bool {
	if !m.markStack.IsEmpty() {
		return true
	}
	for _, q := range m.queues {
		if !q.IsEmpty() {
			return true
		}
	}
	return false
}

// tryStealing pops one entry from some other worker's queue.
func (m *Marker) tryStealing(workerID int) (taskqueue.Entry, bool) {
	n := len(m.queues)
	for i := 1; i < n; i++ {
		if e, ok := m.queues[(workerID+i)%n].Steal(); ok {
			return e, true
		}
	}
	return taskqueue.NilEntry, false
}

// InstallCSet publishes the memory-server collection set for the next
// cycle: the given regions are linked into the intrusive chain in
// order and flagged as MS-CSet members. Continues-humongous regions
// must not appear; only the starts-humongous region of an object is
// ever traced.
func (m *Marker) InstallCSet(regs []*region.Region) {
	if m.cycleInProgress.Load() {
		panic("installing an MS-CSet while a cycle is in progress")
	}
	for _, r := range regs {
		if r.IsContinuesHumongous() {
			panic(fmt.Sprintf("continues-humongous region %d in MS-CSet", r.Index()))
		}
	}
	m.csetRegs = append(m.csetRegs[:0], regs...)
	var prev *region.Region
	for _, r := range regs {
		r.SetCSetNext(nil)
		r.SetInCSet(true)
		if prev != nil {
			prev.SetCSetNext(r)
		}
		prev = r
	}
	if len(regs) > 0 {
		m.csetHead.Store(regs[0])
	} else {
		m.csetHead.Store(nil)
	}
}

func (m *Marker) releaseCSet() {
	for _, r := range m.csetRegs {
		r.SetInCSet(false)
		r.SetCSetNext(nil)
	}
	m.csetRegs = m.csetRegs[:0]
	m.csetHead.Store(nil)
	m.finger.Store(0)
}

// OutOfRegions reports whether the MS-CSet chain is exhausted. A nil
// finger is the sole exhaustion signal.
func (m *Marker) OutOfRegions() bool { return m.finger.Load() == 0 }

// claimRegion claims the region under the finger by CASing the finger
// to the next region's bottom address. A nil return means either the
// chain is exhausted (OutOfRegions) or the claimed region was empty
// and the caller should retry.
func (m *Marker) claimRegion(workerID int) *region.Region {
	for {
		old := m.finger.Load()
		if old == 0 {
			return nil
		}
		r := m.arena.RegionContaining(heap.Addr(old))
		if r == nil {
			panic(fmt.Sprintf("finger %#x points outside the heap", old))
		}
		var next uint64
		if nr := r.CSetNext(); nr != nil {
			next = uint64(nr.Bottom())
		}
		if m.finger.CompareAndSwap(old, next) {
			// The CAS claims the region; the acquire load of
			// the region's fields below it is paired with the
			// release done by the chain builder.
			if r.NTAMS() > r.Bottom() {
				return r
			}
			// Empty region; the caller retries.
			return nil
		}
		// Lost the race; re-read the finger.
	}
}

func (m *Marker) resetFinger() {
	if head := m.csetHead.Load(); head != nil {
		m.finger.Store(uint64(head.Bottom()))
	} else {
		m.finger.Store(0)
	}
}

// reset prepares all marking state for a new cycle.
func (m *Marker) reset() {
	m.hasAbortedFlag.Store(false)
	m.rescanAfterOvf.Store(false)
	m.resetMarkingForRestart()

	for _, t := range m.tasks {
		t.reset()
	}
	for i := range m.regionStats {
		m.topAtRebuildStarts[i].Store(0)
		m.regionStats[i].Clear()
		m.arena.Region(uint32(i)).ClearMarkedBytes()
	}
}

// resetMarkingForRestart reinitializes the shared marking structures:
// the global stack is emptied (and expanded if it overflowed), every
// local queue is cleared, per-region overflow statistics are reset,
// and the finger returns to the head of the MS-CSet chain.
func (m *Marker) resetMarkingForRestart() {
	m.markStack.SetEmpty()

	if m.hasOverflown() {
		m.markStack.Expand()
		for i := range m.regionStats {
			m.regionStats[i].ClearDuringOverflow()
		}
		// Queued work was lost with the stack; regions claimed
		// after the restart re-trace from their bitmaps.
		m.rescanAfterOvf.Store(true)
	}
	m.clearHasOverflown()
	m.resetFinger()

	for _, q := range m.queues {
		q.SetEmpty()
	}
}

func (m *Marker) setConcurrency(activeTasks int) {
	if activeTasks > len(m.tasks) {
		panic(fmt.Sprintf("more active tasks (%d) than the pool holds (%d)", activeTasks, len(m.tasks)))
	}
	m.numActiveTasks = activeTasks
	m.terminator.ResetForReuse(activeTasks)
	m.firstSync.setNWorkers(activeTasks)
	m.secondSync.setNWorkers(activeTasks)
}

func (m *Marker) setConcurrencyAndPhase(activeTasks int, concurrent bool) {
	m.setConcurrency(activeTasks)
	m.concurrent.Store(concurrent)
	if !concurrent && !m.OutOfRegions() {
		panic(fmt.Sprintf("remark entered with MS-CSet regions unclaimed, finger %#x", m.finger.Load()))
	}
}

func (m *Marker) resetAtMarkingComplete() {
	m.resetMarkingForRestart()
	m.rescanAfterOvf.Store(false)
	m.numActiveTasks = 0
}

func (m *Marker) enterFirstSyncBarrier(workerID int) bool {
	// Leave the suspendible set across the barrier: a worker
	// parked here must not block a stop-the-world request, and
	// entering the barrier is one of the last things a step does.
	if m.isConcurrent() {
		m.sts.Leave()
		defer m.sts.Join()
	}
	// A false result means the barrier aborted: ignore the
	// overflow and abort the whole marking phase as quickly as
	// possible.
	return m.firstSync.enter()
}

func (m *Marker) enterSecondSyncBarrier(workerID int) {
	if m.isConcurrent() {
		m.sts.Leave()
		defer m.sts.Join()
	}
	m.secondSync.enter()
	// Everything is re-initialized; the claim loop restarts from
	// scratch.
}

// runWithWorkers runs fn on n parallel workers and waits for all of
// them.
func (m *Marker) runWithWorkers(name string, n int, fn func(workerID int)) {
	m.debugf("running %s with %d workers", name, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			fn(id)
		}(i)
	}
	wg.Wait()
}

func (m *Marker) doYieldCheck() bool {
	if m.sts.ShouldYield() {
		m.sts.Yield()
		return true
	}
	return false
}

// regionClaimer hands out region indexes for flat parallel iteration
// over the whole arena.
type regionClaimer struct {
	next atomic.Int64
	n    int64
}

func (c *regionClaimer) claim() (uint32, bool) {
	idx := c.next.Add(1) - 1
	if idx >= c.n {
		return 0, false
	}
	return uint32(idx), true
}

// PreInitialMark initializes marking structures for a new cycle.
// Stop-the-world. The MS-CSet must already be installed.
func (m *Marker) PreInitialMark() {
	start := time.Now()
	m.setPhase(PhaseInitialMark)
	m.cycleInProgress.Store(true)
	m.reset()

	for i := 0; i < m.arena.Len(); i++ {
		m.arena.Region(uint32(i)).NoteStartOfMarking()
	}
	m.rootRegions.Reset()

	m.timesMu.Lock()
	m.initTimes.Xs = append(m.initTimes.Xs, float64(time.Since(start))/float64(time.Millisecond))
	m.timesMu.Unlock()
}

// PostInitialMark enables producer-buffer capture and weak-reference
// discovery, and publishes the cycle's root regions. Stop-the-world.
func (m *Marker) PostInitialMark() {
	if rp := m.opts.RefProc; rp != nil {
		rp.EnableDiscovery()
		// Snapshot the soft-reference policy for this cycle.
		rp.SetupPolicy(false)
	}
	if m.satb != nil {
		// All threads are expected to still have inactive
		// barriers at the start of a cycle.
		m.satb.SetActiveAllThreads(true, false)
	}

	for i := 0; i < m.arena.Len(); i++ {
		r := m.arena.Region(uint32(i))
		switch {
		case r.IsSurvivor() && r.NTAMS() == r.Bottom() && r.Used() > 0:
			m.rootRegions.Add(r)
		case r.IsOld() && !r.InCSet() && !r.TargetQueue().IsEmpty():
			m.rootRegions.Add(r)
		}
	}
	m.rootRegions.PrepareForScan()
}

// scanRootRegion drains one root region's target-object queue,
// tracing every reachable object.
func (m *Marker) scanRootRegion(r *region.Region, workerID int) {
	if !(r.IsOld() || (r.IsSurvivor() && r.NTAMS() == r.Bottom())) {
		panic(fmt.Sprintf("root regions must be old or survivor, region %d is %s", r.Index(), r.Type()))
	}
	t := m.tasks[workerID]
	t.closure = oopClosure{kind: closureRootScan, task: t}
	t.trimTargetObjectQueue(r.TargetQueue())
	t.drainLocalQueue(false)
	t.drainGlobalStack(false)
	t.closure = oopClosure{}
}

// ScanRootRegions runs the concurrent root-region scan. The phase is
// retained even when no root regions were published; the gang is then
// skipped and the skip logged.
func (m *Marker) ScanRootRegions() {
	m.setPhase(PhaseRootRegionScan)
	if !m.rootRegions.ScanInProgress() {
		m.debugf("root region scan skipped, no root regions published")
		return
	}
	if m.HasAborted() {
		panic("aborting before root region scanning is finished is not supported")
	}
	n := m.opts.MaxWorkers
	if nr := m.rootRegions.NumRootRegions(); n > nr {
		// Work is handed out per region; more workers than
		// regions is useless.
		n = nr
	}
	m.runWithWorkers("root region scan", n, func(id int) {
		m.sts.Join()
		defer m.sts.Leave()
		for r := m.rootRegions.ClaimNext(); r != nil; r = m.rootRegions.ClaimNext() {
			m.scanRootRegion(r, id)
		}
	})
	m.rootRegions.ScanFinished()
}

// ConcurrentMarking traces the MS-CSet until every region is
// processed and the workers agree in the termination protocol, or the
// cycle aborts.
func (m *Marker) ConcurrentMarking() {
	m.setPhase(PhaseConcurrentMark)
	m.restartForOverflow.Store(false)

	n := m.opts.MaxWorkers
	m.setConcurrencyAndPhase(n, true)
	m.logf("using %d workers of %d for marking", n, len(m.tasks))

	m.runWithWorkers("concurrent mark", n, func(id int) {
		m.sts.Join()
		defer m.sts.Leave()
		t := m.tasks[id]
		if m.HasAborted() {
			return
		}
		for {
			t.DoMarkingStep(m.opts.TimeTarget, true, false)
			m.doYieldCheck()
			if m.HasAborted() || !t.HasAborted() {
				break
			}
		}
	})
	m.printStats()
}

// finalizeMarking drains every producer buffer and runs the marking
// step to completion with an unbounded time target. Stop-the-world.
func (m *Marker) finalizeMarking() {
	n := m.numActiveTasks
	if n == 0 {
		n = m.opts.MaxWorkers
	}
	m.setConcurrencyAndPhase(n, false)

	m.runWithWorkers("finalize marking", n, func(id int) {
		t := m.tasks[id]
		if id == 0 && m.satb != nil {
			// Visit every mutator thread once, draining its
			// partial buffer.
			m.satb.ApplyClosureToAllThreads(t.makeSATBReferenceAlive)
		}
		for {
			t.DoMarkingStep(veryLongTimeTarget, true, false)
			if !t.HasAborted() || m.hasOverflown() {
				break
			}
		}
	})

	if m.satb != nil && !m.hasOverflown() && m.satb.CompletedBuffersNum() != 0 {
		panic(fmt.Sprintf("%d producer buffers remain after finalize marking", m.satb.CompletedBuffersNum()))
	}
	m.printStats()
}

// Remark finalizes marking under stop-the-world: it drains the
// producers, processes weak references, flushes liveness caches,
// installs the new bitmap as prev, selects regions for remembered-set
// rebuild, and reclaims regions found completely empty. If the global
// stack overflowed, it instead rewinds state and asks for concurrent
// marking to restart.
func (m *Marker) Remark() {
	if m.HasAborted() {
		return
	}
	m.setPhase(PhaseRemark)
	start := time.Now()

	m.finalizeMarking()
	markEnd := time.Now()

	if markFinished := !m.hasOverflown(); markFinished {
		m.weakRefsWork(false)

		if m.satb != nil {
			// Marking is done; every thread's barrier is
			// expected to still be active.
			m.satb.SetActiveAllThreads(false, true)
		}

		m.flushAllTaskCaches()
		m.swapMarkBitmaps()
		selected := m.updateRemSetTrackingBeforeRebuild()
		m.logf("remembered set tracking update regions total %d, selected %d", m.arena.Len(), selected)
		reclaimed := m.reclaimEmptyRegions()
		if reclaimed > 0 {
			m.logf("reclaimed %d empty regions", reclaimed)
		}

		if m.restartForOverflow.Load() {
			panic("restart-for-overflow set after a finished remark")
		}
		// Marking completed: drop back to the non-marking state.
		m.resetAtMarkingComplete()
		m.releaseCSet()
	} else {
		// We overflowed; restart concurrent marking.
		m.restartForOverflow.Store(true)
		m.resetMarkingForRestart()
	}

	now := time.Now()
	m.timesMu.Lock()
	m.remarkMarkTimes.Xs = append(m.remarkMarkTimes.Xs, float64(markEnd.Sub(start))/float64(time.Millisecond))
	m.remarkRefTimes.Xs = append(m.remarkRefTimes.Xs, float64(now.Sub(markEnd))/float64(time.Millisecond))
	m.remarkTimes.Xs = append(m.remarkTimes.Xs, float64(now.Sub(start))/float64(time.Millisecond))
	m.timesMu.Unlock()
}

// weakRefsWork drains the discovered weak references through worker
// 0's task. Keep-alive references are marked and traced in batches
// through the task's local queue, which keeps reference processing off
// the global stack this late in the cycle.
func (m *Marker) weakRefsWork(clearAllSoftRefs bool) {
	rp := m.opts.RefProc
	if rp == nil {
		return
	}
	rp.SetupPolicy(clearAllSoftRefs)
	if !m.markStack.IsEmpty() {
		panic("mark stack should be empty before reference processing")
	}

	m.setConcurrency(1)
	t := m.tasks[0]

	isAlive := func(obj heap.Addr) bool {
		r := m.arena.RegionContaining(obj)
		if r == nil {
			return true
		}
		return r.ObjAllocatedSinceMarkStart(obj) || r.AliveBitmap().IsMarked(obj)
	}

	refCount := 0
	keepAlive := func(obj heap.Addr) {
		if m.hasOverflown() || obj.IsNull() {
			return
		}
		r := m.arena.RegionContaining(obj)
		if r == nil || !r.InCSet() {
			return
		}
		t.closure = oopClosure{kind: closureCMTrace, task: t}
		if !t.makeReferenceAlive(r, obj) {
			return
		}
		refCount++
		if refCount%refKeepAliveDrainInterval == 0 {
			for {
				t.DoMarkingStep(veryLongTimeTarget, false, true)
				if !t.HasAborted() || m.hasOverflown() {
					break
				}
			}
		}
	}

	drain := func() {
		for {
			t.DoMarkingStep(veryLongTimeTarget, true, true)
			if !t.HasAborted() || m.hasOverflown() {
				break
			}
		}
	}

	rp.ProcessDiscoveredReferences(isAlive, keepAlive, drain)

	if m.hasOverflown() {
		// The bitmaps cannot be trusted if the stack overflowed
		// while processing references; the configured maximum is
		// genuinely too small.
		panic(fmt.Sprintf(
			"mark stack overflow during reference processing, maximum capacity %d entries; increase the maximum mark stack size",
			m.markStack.MaxCapacity()))
	}
	if !m.markStack.IsEmpty() {
		panic("marking should have completed after reference processing")
	}
}

func (m *Marker) flushAllTaskCaches() {
	var hits, misses uint64
	for _, t := range m.tasks {
		h, ms := t.statsCache.evictAll()
		hits += h
		misses += ms
	}
	if sum := hits + misses; sum > 0 {
		m.debugf("mark stats cache hits %d misses %d ratio %.3f", hits, misses, float64(hits)/float64(sum))
	}
}

// swapMarkBitmaps installs the newly built bitmap as each region's
// prev bitmap. The old prev becomes the next cycle's construction
// bitmap and is cleared concurrently afterwards.
func (m *Marker) swapMarkBitmaps() {
	for i := 0; i < m.arena.Len(); i++ {
		m.arena.Region(uint32(i)).SwapBitmaps()
	}
}

// updateRemSetTrackingBeforeRebuild applies the rebuild policy to
// every region, records top-at-rebuild-start for regions the rebuild
// will scan, and folds the measured liveness into the regions'
// marked-byte counters. Returns how many regions were selected.
func (m *Marker) updateRemSetTrackingBeforeRebuild() int {
	var selected atomic.Int64
	claimer := &regionClaimer{n: int64(m.arena.Len())}
	n := m.opts.MaxWorkers
	m.runWithWorkers("update remset tracking before rebuild", n, func(int) {
		for {
			idx, ok := claimer.claim()
			if !ok {
				return
			}
			r := m.arena.Region(idx)
			if m.updateRegionBeforeRebuild(r) {
				selected.Add(1)
			}
			m.updateMarkedBytes(r)
		}
	})
	return int(selected.Load())
}

func (m *Marker) updateRegionBeforeRebuild(r *region.Region) bool {
	tracker := m.opts.Tracker
	var selected bool
	if r.IsHumongous() {
		liveBytes := m.Liveness(r.HumongousStartIndex()) * heap.WordSize
		selected = tracker.UpdateBeforeRebuild(r, liveBytes)
	} else {
		selected = tracker.UpdateBeforeRebuild(r, m.Liveness(r.Index())*heap.WordSize)
	}
	// Record top-at-rebuild-start even for unselected regions; the
	// rebuild phase distinguishes them by a nil TARS.
	m.updateTopAtRebuildStart(r)
	return selected
}

func (m *Marker) updateTopAtRebuildStart(r *region.Region) {
	idx := r.Index()
	if m.topAtRebuildStarts[idx].Load() != 0 {
		panic(fmt.Sprintf("TARS for region %d has already been set", idx))
	}
	if m.opts.Tracker.NeedsScanForRebuild(r) {
		m.topAtRebuildStarts[idx].Store(uint64(r.Top()))
	}
	// Otherwise leave TARS nil.
}

// updateMarkedBytes folds this cycle's liveness into the region. A
// humongous object's whole size stays attributed to its starts
// region; the continues regions keep zero marked bytes but still have
// end-of-marking noted.
func (m *Marker) updateMarkedBytes(r *region.Region) {
	idx := r.Index()
	markedWords := m.Liveness(idx)
	if r.IsHumongous() {
		if r.IsStartsHumongous() {
			for _, cur := range m.humongousSpan(idx) {
				if cur == r {
					m.addMarkedBytesAndNoteEnd(cur, markedWords*heap.WordSize)
				} else {
					m.addMarkedBytesAndNoteEnd(cur, 0)
				}
			}
		} else if markedWords != 0 {
			panic(fmt.Sprintf("continues-humongous region %d carries %d marked words", idx, markedWords))
		}
		return
	}
	m.addMarkedBytesAndNoteEnd(r, markedWords*heap.WordSize)
}

// humongousSpan returns the regions a humongous object spans, starting
// with its starts region.
func (m *Marker) humongousSpan(start uint32) []*region.Region {
	span := []*region.Region{m.arena.Region(start)}
	for i := start + 1; int(i) < m.arena.Len(); i++ {
		cur := m.arena.Region(i)
		if !cur.IsContinuesHumongous() || cur.HumongousStartIndex() != start {
			break
		}
		span = append(span, cur)
	}
	return span
}

func (m *Marker) addMarkedBytesAndNoteEnd(r *region.Region, markedBytes uint64) {
	r.AddToMarkedBytes(markedBytes)
	r.NoteEndOfMarking()
}

// reclaimEmptyRegions moves every region that has allocated space but
// no marked data (and is neither young nor archive) onto the free
// list, clearing its statistics and card table. Returns the number of
// regions reclaimed.
func (m *Marker) reclaimEmptyRegions() int {
	cleanup := region.NewFreeList("Empty Regions After Mark List", nil)
	for i := 0; i < m.arena.Len(); i++ {
		r := m.arena.Region(uint32(i))
		// Marked bytes for a humongous object live entirely on
		// its starts region; a continues region is empty only if
		// the whole object is.
		live := m.arena.Region(r.HumongousStartIndex()).MarkedBytes()
		if r.Used() > 0 && live == 0 && !r.IsYoung() && !r.IsArchive() {
			if r.ContainingSet() != nil {
				r.SetContainingSet(nil)
			}
			idx := r.Index()
			r.Reclaim()
			if m.opts.ClearCardTable != nil {
				m.opts.ClearCardTable(idx)
			}
			m.clearStatisticsInRegion(idx)
			cleanup.AddOrdered(r)
			m.debugf("reclaimed empty region %d", idx)
		}
	}
	n := int(cleanup.Length())
	if n > 0 {
		m.freeMu.Lock()
		m.freeRegions.AddOrderedList(cleanup)
		m.freeMu.Unlock()
	}
	return n
}

// Cleanup finishes the cycle: the rebuild tracker is finalized for
// every region and the cycle end recorded. Stop-the-world.
func (m *Marker) Cleanup() {
	if m.HasAborted() {
		return
	}
	m.setPhase(PhaseCleanup)
	start := time.Now()

	for i := 0; i < m.arena.Len(); i++ {
		m.opts.Tracker.UpdateAfterRebuild(m.arena.Region(uint32(i)))
	}

	m.timesMu.Lock()
	m.cleanupTimes.Xs = append(m.cleanupTimes.Xs, float64(time.Since(start))/float64(time.Millisecond))
	m.totalCleanupTime += time.Since(start)
	m.timesMu.Unlock()

	m.cycleInProgress.Store(false)
	m.setPhase(PhaseIdle)
}

// CleanupForNextMark clears the next marking bitmap concurrently,
// getting it ready for the following cycle. Clearing yields
// cooperatively between chunks and stops early if marking is aborted.
func (m *Marker) CleanupForNextMark() {
	m.clearNextBitmap(true)
}

func (m *Marker) clearNextBitmap(mayYield bool) {
	chunkWords := int64(clearChunkBytes / heap.WordSize)
	claimer := &regionClaimer{n: int64(m.arena.Len())}
	n := m.opts.MaxWorkers
	m.runWithWorkers("clear bitmap", n, func(int) {
		if mayYield {
			m.sts.Join()
			defer m.sts.Leave()
		}
		for {
			idx, ok := claimer.claim()
			if !ok {
				return
			}
			r := m.arena.Region(idx)
			bm := r.AliveBitmap()
			for cur := r.Bottom(); cur < r.End(); cur = cur.AddWords(chunkWords) {
				end := cur.AddWords(chunkWords)
				if end > r.End() {
					end = r.End()
				}
				bm.ClearRange(heap.MemRegion{Start: cur, End: end})
				if mayYield {
					if m.doYieldCheck() && m.HasAborted() {
						return
					}
				}
			}
		}
	})
}

// ConcurrentCycleAbort aborts the in-progress cycle: workers drop
// their work at the next regular-clock call, both overflow barriers
// are released in the aborted state, the next bitmap is cleared, all
// queues are emptied, and partial producer marking is abandoned.
func (m *Marker) ConcurrentCycleAbort() {
	if !m.cycleInProgress.Load() || m.HasAborted() {
		// No cycle, or already aborted; nothing to do.
		return
	}
	m.hasAbortedFlag.Store(true)
	m.setPhase(PhaseAborted)
	m.firstSync.abort()
	m.secondSync.abort()

	// Wait for the workers to observe the abort and stop, then
	// reset everything they were using.
	m.sts.Synchronize()
	m.resetMarkingForRestart()
	for _, t := range m.tasks {
		t.clearRegionFields()
		t.statsCache.reset()
	}
	for _, r := range m.csetRegs {
		r.TargetQueue().SetEmpty()
	}
	m.sts.Desynchronize()

	// Clear all marks in the next bitmap so the following cycle
	// can skip the concurrent clearing.
	m.clearNextBitmap(false)

	if m.satb != nil {
		m.satb.AbandonPartialMarking()
		m.satb.SetActiveAllThreads(false, m.satb.IsActive())
	}
	if rp := m.opts.RefProc; rp != nil {
		rp.AbandonDiscovery()
	}
	m.releaseCSet()
	m.cycleInProgress.Store(false)
	m.logf("concurrent mark abort")
}

// RunCycle drives a complete cycle through the phase machine,
// restarting concurrent marking as often as overflow demands. The
// caller guarantees the stop-the-world phases run without mutator or
// transport activity. It reports whether the cycle completed (false
// when aborted).
func (m *Marker) RunCycle() bool {
	m.PreInitialMark()
	m.PostInitialMark()
	m.ScanRootRegions()
	for {
		m.ConcurrentMarking()
		if m.HasAborted() {
			break
		}
		m.Remark()
		if m.HasAborted() || !m.RestartForOverflow() {
			break
		}
		m.logf("restarting concurrent marking after mark stack overflow")
	}
	if m.HasAborted() {
		return false
	}
	m.Cleanup()
	m.CleanupForNextMark()
	return true
}

// ClearStatistics drops all marking statistics for r, including the
// regions a humongous object spans.
func (m *Marker) ClearStatistics(r *region.Region) {
	if r.IsHumongous() {
		for _, cur := range m.humongousSpan(r.HumongousStartIndex()) {
			m.clearStatisticsInRegion(cur.Index())
		}
		return
	}
	m.clearStatisticsInRegion(r.Index())
}

func (m *Marker) clearStatisticsInRegion(idx uint32) {
	for _, t := range m.tasks {
		t.statsCache.clearRegion(idx)
	}
	m.topAtRebuildStarts[idx].Store(0)
	m.regionStats[idx].Clear()
	m.arena.Region(idx).ClearMarkedBytes()
}

// HumongousObjectEagerlyReclaimed clears the marks and statistics of a
// humongous object reclaimed outside the marking cycle. Stop-the-world.
func (m *Marker) HumongousObjectEagerlyReclaimed(r *region.Region) {
	if !r.IsStartsHumongous() {
		panic(fmt.Sprintf("eager reclaim of non-starts-humongous region %d", r.Index()))
	}
	bottom := r.Bottom()
	if r.PrevBitmap().IsMarked(bottom) {
		r.PrevBitmap().Clear(bottom)
	}
	if r.AliveBitmap().IsMarked(bottom) {
		r.AliveBitmap().Clear(bottom)
	}
	if !m.cycleInProgress.Load() {
		return
	}
	m.ClearStatistics(r)
}

// ClearRangeInPrevBitmap clears prev-bitmap marks in mr, which must
// lie within one region.
func (m *Marker) ClearRangeInPrevBitmap(mr heap.MemRegion) {
	r := m.arena.RegionContaining(mr.Start)
	if r == nil {
		panic(fmt.Sprintf("range start %v outside the heap", mr.Start))
	}
	r.PrevBitmap().ClearRange(mr)
}

// IsMarkedInPrevBitmap reports whether obj is marked in its region's
// previous-cycle bitmap.
func (m *Marker) IsMarkedInPrevBitmap(obj heap.Addr) bool {
	r := m.arena.RegionContaining(obj)
	return r != nil && r.PrevBitmap().IsMarked(obj)
}

// IsMarkedInNextBitmap reports whether obj is marked in its region's
// under-construction bitmap.
func (m *Marker) IsMarkedInNextBitmap(obj heap.Addr) bool {
	r := m.arena.RegionContaining(obj)
	return r != nil && r.AliveBitmap().IsMarked(obj)
}

// Liveness returns the live words measured for region idx this cycle.
func (m *Marker) Liveness(idx uint32) uint64 { return m.regionStats[idx].LiveWords() }

// TopAtRebuildStart returns the allocation frontier recorded for the
// rebuild phase, or the null address for regions the rebuild skips.
func (m *Marker) TopAtRebuildStart(idx uint32) heap.Addr {
	return heap.Addr(m.topAtRebuildStarts[idx].Load())
}

func (m *Marker) printStats() {
	if !m.opts.Debug {
		return
	}
	m.debugf("---------------------------------------------------------------------")
	for i := 0; i < m.numActiveTasks; i++ {
		m.tasks[i].printStats()
		m.debugf("---------------------------------------------------------------------")
	}
}

// PrintSummaryInfo logs the accumulated cycle timing distributions.
func (m *Marker) PrintSummaryInfo() {
	m.timesMu.Lock()
	defer m.timesMu.Unlock()
	m.logf(" concurrent marking:")
	m.printTimeInfo("  ", "init marks", &m.initTimes)
	m.printTimeInfo("  ", "remarks", &m.remarkTimes)
	m.printTimeInfo("     ", "final marks", &m.remarkMarkTimes)
	m.printTimeInfo("     ", "weak refs", &m.remarkRefTimes)
	m.printTimeInfo("  ", "cleanups", &m.cleanupTimes)
}

func (m *Marker) printTimeInfo(prefix, name string, s *stats.Sample) {
	n := len(s.Xs)
	if n == 0 {
		m.logf("%s%5d %12s", prefix, 0, name)
		return
	}
	_, max := s.Bounds()
	m.logf("%s%5d %12s: total = %8.2f ms (avg = %8.2f ms, sd = %8.2f ms, max = %8.2f ms)",
		prefix, n, name, s.Mean()*float64(n), s.Mean(), s.StdDev(), max)
}
