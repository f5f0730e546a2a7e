// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package satb

import (
	"testing"

	"github.com/mahaoran1997/Semeru-dev/heap"
)

func ref(i int64) heap.Addr { return heap.Addr(0x10000).AddWords(i) }

func TestInactiveDrops(t *testing.T) {
	s := NewSet(4, 1)
	q := s.RegisterThread()
	q.Enqueue(ref(1))
	if s.CompletedBuffersNum() != 0 {
		t.Fatal("inactive queue produced a completed buffer")
	}
	var got []heap.Addr
	q.ApplyClosureAndEmpty(func(a heap.Addr) { got = append(got, a) })
	if len(got) != 0 {
		t.Fatalf("inactive queue retained %d entries", len(got))
	}
}

func TestBufferCompletion(t *testing.T) {
	s := NewSet(4, 2)
	s.SetActiveAllThreads(true, false)
	q := s.RegisterThread()

	for i := int64(0); i < 9; i++ {
		q.Enqueue(ref(i))
	}
	// 9 enqueues with capacity 4: two completed buffers, one
	// partial entry.
	if n := s.CompletedBuffersNum(); n != 2 {
		t.Fatalf("CompletedBuffersNum = %d, want 2", n)
	}
	if !s.ProcessCompletedBuffers() {
		t.Fatal("threshold of 2 not reported")
	}

	seen := map[heap.Addr]bool{}
	for s.ApplyClosureToCompletedBuffer(func(a heap.Addr) { seen[a] = true }) {
	}
	q.ApplyClosureAndEmpty(func(a heap.Addr) { seen[a] = true })
	for i := int64(0); i < 9; i++ {
		if !seen[ref(i)] {
			t.Fatalf("entry %d lost", i)
		}
	}
	if s.CompletedBuffersNum() != 0 {
		t.Fatal("buffers remain after draining")
	}
}

func TestApplyClosureToAllThreads(t *testing.T) {
	s := NewSet(16, 1)
	s.SetActiveAllThreads(true, false)
	q1 := s.RegisterThread()
	q2 := s.RegisterThread()
	q1.Enqueue(ref(1))
	q2.Enqueue(ref(2))

	n := 0
	s.ApplyClosureToAllThreads(func(heap.Addr) { n++ })
	if n != 2 {
		t.Fatalf("visited %d entries across threads, want 2", n)
	}
}

func TestSetActiveExpectedMismatch(t *testing.T) {
	s := NewSet(4, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("activation state mismatch did not panic")
		}
	}()
	s.SetActiveAllThreads(true, true)
}

func TestAbandonPartialMarking(t *testing.T) {
	s := NewSet(2, 1)
	s.SetActiveAllThreads(true, false)
	q := s.RegisterThread()
	for i := int64(0); i < 5; i++ {
		q.Enqueue(ref(i))
	}
	s.AbandonPartialMarking()
	if s.CompletedBuffersNum() != 0 {
		t.Fatal("completed buffers survive abandon")
	}
	n := 0
	q.ApplyClosureAndEmpty(func(heap.Addr) { n++ })
	if n != 0 {
		t.Fatal("partial buffer survives abandon")
	}
}

func TestNullFiltered(t *testing.T) {
	s := NewSet(4, 1)
	s.SetActiveAllThreads(true, false)
	q := s.RegisterThread()
	q.Enqueue(heap.NullAddr)
	n := 0
	q.ApplyClosureAndEmpty(func(heap.Addr) { n++ })
	if n != 0 {
		t.Fatal("null pre-image recorded")
	}
}
