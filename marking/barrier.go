// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import "sync"

// syncBarrier is the cyclic barrier used in pairs by the overflow
// protocol: all active workers rendezvous at the first barrier before
// worker 0 resets the shared marking state, then rendezvous again at
// the second before restarting. Abort releases current and future
// waiters with a false result, which makes workers exit their step
// without restarting.
type syncBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	nWorkers   int
	entered    int
	generation uint64
	aborted    bool
}

func newSyncBarrier() *syncBarrier {
	b := &syncBarrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// setNWorkers arms the barrier for a phase with n workers and clears
// any previous abort.
func (b *syncBarrier) setNWorkers(n int) {
	b.mu.Lock()
	b.nWorkers = n
	b.entered = 0
	b.aborted = false
	b.mu.Unlock()
}

// enter blocks until all armed workers have entered, reporting false
// if the barrier was aborted while waiting.
func (b *syncBarrier) enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted {
		return false
	}
	b.entered++
	if b.entered == b.nWorkers {
		b.entered = 0
		b.generation++
		b.cond.Broadcast()
		return !b.aborted
	}
	gen := b.generation
	for gen == b.generation && !b.aborted {
		b.cond.Wait()
	}
	return !b.aborted
}

// abort releases all waiters with a false result. Used when a full
// collection pre-empts marking.
func (b *syncBarrier) abort() {
	b.mu.Lock()
	b.aborted = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
