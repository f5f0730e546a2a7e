// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package satb implements the producer side of snapshot-at-the-
// beginning marking: per-thread buffers of pre-write reference values
// captured by the mutator's write barrier, and the set of completed
// buffers the marker drains. The marker is agnostic to how pre-images
// are captured; this package provides both the QueueSet interface it
// consumes and the in-process implementation used by the memory-server
// runtime and by tests.
package satb

import (
	"fmt"
	"sync"

	"github.com/mahaoran1997/Semeru-dev/heap"
)

// QueueSet is the producer-buffer contract the marker consumes.
type QueueSet interface {
	// CompletedBuffersNum returns the number of filled buffers
	// waiting for the marker.
	CompletedBuffersNum() int

	// ApplyClosureToCompletedBuffer claims one completed buffer
	// and applies fn to each entry, reporting whether a buffer was
	// available.
	ApplyClosureToCompletedBuffer(fn func(heap.Addr)) bool

	// ProcessCompletedBuffers reports whether enough completed
	// buffers are queued to justify interrupting a marking step.
	ProcessCompletedBuffers() bool

	// ApplyClosureToAllThreads visits every registered thread
	// once, applying fn to the contents of its partial buffer and
	// emptying it. Stop-the-world only.
	ApplyClosureToAllThreads(fn func(heap.Addr))

	// SetActiveAllThreads flips the activation flag on every
	// thread's barrier. expected is the activation state all
	// threads must currently be in.
	SetActiveAllThreads(active, expected bool)

	// IsActive reports the current activation state.
	IsActive() bool

	// AbandonPartialMarking discards all completed buffers and
	// every thread's partial buffer.
	AbandonPartialMarking()
}

// Set is the in-process QueueSet implementation.
type Set struct {
	mu         sync.Mutex
	active     bool
	completed  [][]heap.Addr
	threads    []*Queue
	bufferCap  int
	processMin int
}

var _ QueueSet = (*Set)(nil)

// NewSet returns a queue set whose per-thread buffers hold bufferCap
// entries and which asks the marker to interrupt once processMin
// completed buffers are queued.
func NewSet(bufferCap, processMin int) *Set {
	if bufferCap <= 0 {
		panic(fmt.Sprintf("satb: buffer capacity %d", bufferCap))
	}
	if processMin <= 0 {
		processMin = 1
	}
	return &Set{bufferCap: bufferCap, processMin: processMin}
}

// RegisterThread attaches a new mutator thread and returns its queue.
func (s *Set) RegisterThread() *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := &Queue{set: s, active: s.active}
	s.threads = append(s.threads, q)
	return q
}

// CompletedBuffersNum returns the number of filled buffers waiting.
func (s *Set) CompletedBuffersNum() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// ApplyClosureToCompletedBuffer claims one completed buffer and feeds
// it to fn.
func (s *Set) ApplyClosureToCompletedBuffer(fn func(heap.Addr)) bool {
	s.mu.Lock()
	if len(s.completed) == 0 {
		s.mu.Unlock()
		return false
	}
	buf := s.completed[len(s.completed)-1]
	s.completed = s.completed[:len(s.completed)-1]
	s.mu.Unlock()

	for _, a := range buf {
		fn(a)
	}
	return true
}

// ProcessCompletedBuffers reports whether the completed count reached
// the processing threshold.
func (s *Set) ProcessCompletedBuffers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed) >= s.processMin
}

// ApplyClosureToAllThreads drains every thread's partial buffer
// through fn. Stop-the-world only.
func (s *Set) ApplyClosureToAllThreads(fn func(heap.Addr)) {
	s.mu.Lock()
	threads := append([]*Queue(nil), s.threads...)
	s.mu.Unlock()
	for _, q := range threads {
		q.ApplyClosureAndEmpty(fn)
	}
}

// SetActiveAllThreads flips activation on the set and every thread.
func (s *Set) SetActiveAllThreads(active, expected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != expected {
		panic(fmt.Sprintf("satb: activation is %v, expected %v", s.active, expected))
	}
	s.active = active
	for _, q := range s.threads {
		q.mu.Lock()
		q.active = active
		q.mu.Unlock()
	}
}

// IsActive reports the activation state.
func (s *Set) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AbandonPartialMarking drops all captured pre-images.
func (s *Set) AbandonPartialMarking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = nil
	for _, q := range s.threads {
		q.mu.Lock()
		q.buf = nil
		q.mu.Unlock()
	}
}

func (s *Set) enqueueCompleted(buf []heap.Addr) {
	s.mu.Lock()
	s.completed = append(s.completed, buf)
	s.mu.Unlock()
}

// Queue is one mutator thread's buffer of pre-write values.
type Queue struct {
	set    *Set
	mu     sync.Mutex
	active bool
	buf    []heap.Addr
}

// Enqueue records a pre-write reference value. Inactive queues drop
// the value: outside a marking cycle the barrier is a no-op.
func (q *Queue) Enqueue(ref heap.Addr) {
	if ref.IsNull() {
		return
	}
	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, ref)
	if len(q.buf) >= q.set.bufferCap {
		full := q.buf
		q.buf = nil
		q.mu.Unlock()
		q.set.enqueueCompleted(full)
		return
	}
	q.mu.Unlock()
}

// ApplyClosureAndEmpty feeds the partial buffer to fn and empties it.
func (q *Queue) ApplyClosureAndEmpty(fn func(heap.Addr)) {
	q.mu.Lock()
	buf := q.buf
	q.buf = nil
	q.mu.Unlock()
	for _, a := range buf {
		fn(a)
	}
}
