// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import (
	"runtime"
	"sync/atomic"
	"time"
)

// A terminationPeer is re-polled while a worker waits in the
// termination protocol. ShouldExitTermination returns true when the
// worker can no longer sit in the protocol: its regular clock demands
// an abort, the global stack has work, or the task has aborted.
type terminationPeer interface {
	ShouldExitTermination() bool
}

// Terminator implements non-blocking termination detection: a worker
// that finds no work offers termination; when every active worker has
// an offer outstanding and none of them discovers pending work during
// the re-poll, the phase is over. A worker that spots work while
// waiting withdraws its offer and returns to stealing.
//
// Offering touches no shared work structures, and the re-poll only
// reads them.
type Terminator struct {
	nWorkers atomic.Int32
	offered  atomic.Int32
	// hasWork surveys the shared structures (peer queues and the
	// global stack) without mutating them.
	hasWork func() bool
}

// NewTerminator returns a terminator for n workers. hasWork reports
// whether any shared work structure is non-empty.
func NewTerminator(n int, hasWork func() bool) *Terminator {
	t := &Terminator{hasWork: hasWork}
	t.nWorkers.Store(int32(n))
	return t
}

// ResetForReuse re-arms the terminator for a phase with n active
// workers.
func (t *Terminator) ResetForReuse(n int) {
	t.nWorkers.Store(int32(n))
	t.offered.Store(0)
}

// OfferTermination records that the calling worker found no work. It
// returns true when all workers have agreed there is nothing left, and
// false when the caller must go back and re-steal. The wait is a brief
// spin before parking.
func (t *Terminator) OfferTermination(self terminationPeer) bool {
	t.offered.Add(1)
	for spins := 0; ; spins++ {
		if t.offered.Load() == t.nWorkers.Load() {
			return true
		}
		if t.hasWork() || self.ShouldExitTermination() {
			t.offered.Add(-1)
			return false
		}
		if spins < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(100 * time.Microsecond)
		}
	}
}
