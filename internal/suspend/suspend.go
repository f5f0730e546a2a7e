// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package suspend implements the suspendible thread set: the gate that
// lets a coordinator briefly pause all concurrent marking workers for
// a stop-the-world window. Workers join the set for the duration of a
// phase and poll ShouldYield at their regular-clock points; the
// requester blocks in Synchronize until every joined worker has either
// yielded or left.
package suspend

import (
	"sync"
	"sync/atomic"
)

// Set is the shared gate. The zero value is ready to use.
type Set struct {
	// suspendAll is read on the workers' hot path.
	suspendAll atomic.Bool

	mu      sync.Mutex
	cond    *sync.Cond
	joined  int
	yielded int
}

func (s *Set) condLocked() *sync.Cond {
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	return s.cond
}

// Join enters the set. If a suspension is in progress the caller
// blocks until it ends.
func (s *Set) Join() {
	s.mu.Lock()
	for s.suspendAll.Load() {
		s.condLocked().Wait()
	}
	s.joined++
	s.mu.Unlock()
}

// Leave exits the set, unblocking a pending Synchronize if this was
// the last unyielded member.
func (s *Set) Leave() {
	s.mu.Lock()
	if s.joined == 0 {
		panic("suspend: Leave without Join")
	}
	s.joined--
	s.condLocked().Broadcast()
	s.mu.Unlock()
}

// ShouldYield reports whether a suspension has been requested. Cheap;
// meant for the regular-clock poll.
func (s *Set) ShouldYield() bool { return s.suspendAll.Load() }

// Yield parks the caller for the duration of the current suspension.
// Callers check ShouldYield first.
func (s *Set) Yield() {
	s.mu.Lock()
	if s.suspendAll.Load() {
		s.yielded++
		s.condLocked().Broadcast()
		for s.suspendAll.Load() {
			s.condLocked().Wait()
		}
		s.yielded--
	}
	s.mu.Unlock()
}

// Synchronize suspends the set: it flags the request and blocks until
// every joined worker is parked in Yield. The caller must pair it with
// Desynchronize.
func (s *Set) Synchronize() {
	s.mu.Lock()
	if s.suspendAll.Load() {
		panic("suspend: nested Synchronize")
	}
	s.suspendAll.Store(true)
	for s.yielded < s.joined {
		s.condLocked().Wait()
	}
	s.mu.Unlock()
}

// Desynchronize ends the suspension and releases yielded workers.
func (s *Set) Desynchronize() {
	s.mu.Lock()
	if !s.suspendAll.Load() {
		panic("suspend: Desynchronize without Synchronize")
	}
	s.suspendAll.Store(false)
	s.condLocked().Broadcast()
	s.mu.Unlock()
}
