// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import (
	"testing"

	"github.com/mahaoran1997/Semeru-dev/heap"
	"github.com/mahaoran1997/Semeru-dev/taskqueue"
)

func fillChunk(base int64) *[ChunkSize]taskqueue.Entry {
	var buf [ChunkSize]taskqueue.Entry
	for i := range buf {
		buf[i] = taskqueue.FromObj(heap.Addr(0x100000).AddWords(base + int64(i)))
	}
	return &buf
}

func TestMarkStackPushPop(t *testing.T) {
	s, err := NewMarkStack(4*ChunkSize, 8*ChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsEmpty() {
		t.Fatal("new stack not empty")
	}

	if !s.ParPushChunk(fillChunk(0)) || !s.ParPushChunk(fillChunk(ChunkSize)) {
		t.Fatal("push failed with capacity available")
	}
	if s.Size() != 2*ChunkSize {
		t.Fatalf("Size = %d, want %d", s.Size(), 2*ChunkSize)
	}

	var buf [ChunkSize]taskqueue.Entry
	if !s.ParPopChunk(&buf) {
		t.Fatal("pop failed")
	}
	// LIFO: the second chunk comes back first.
	if buf[0] != taskqueue.FromObj(heap.Addr(0x100000).AddWords(ChunkSize)) {
		t.Fatalf("pop returned wrong chunk: %v", buf[0])
	}
	if !s.ParPopChunk(&buf) {
		t.Fatal("second pop failed")
	}
	if s.ParPopChunk(&buf) {
		t.Fatal("pop from empty stack succeeded")
	}
}

func TestMarkStackFreeListReuse(t *testing.T) {
	s, err := NewMarkStack(2*ChunkSize, 2*ChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	var buf [ChunkSize]taskqueue.Entry
	// Cycle chunks through push/pop more times than the backing
	// array holds; the free list must recycle them.
	for i := 0; i < 10; i++ {
		if !s.ParPushChunk(fillChunk(int64(i))) {
			t.Fatalf("push %d failed: free list not recycling", i)
		}
		if !s.ParPopChunk(&buf) {
			t.Fatalf("pop %d failed", i)
		}
	}
}

func TestMarkStackExhaustion(t *testing.T) {
	s, err := NewMarkStack(1, ChunkSize*4) // rounds up to one chunk
	if err != nil {
		t.Fatal(err)
	}
	if s.Capacity() != ChunkSize {
		t.Fatalf("Capacity = %d, want %d", s.Capacity(), ChunkSize)
	}
	if !s.ParPushChunk(fillChunk(0)) {
		t.Fatal("first push failed")
	}
	if s.ParPushChunk(fillChunk(ChunkSize)) {
		t.Fatal("push past backing capacity succeeded")
	}

	// After the overflow protocol empties the stack, expansion
	// doubles the capacity.
	s.SetEmpty()
	s.Expand()
	if s.Capacity() != 2*ChunkSize {
		t.Fatalf("Capacity after expand = %d, want %d", s.Capacity(), 2*ChunkSize)
	}
	if !s.ParPushChunk(fillChunk(0)) || !s.ParPushChunk(fillChunk(ChunkSize)) {
		t.Fatal("push failed after expansion")
	}
}

func TestMarkStackExpandAtMaxIsFatal(t *testing.T) {
	s, err := NewMarkStack(ChunkSize, ChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expanding at maximum capacity did not panic")
		}
	}()
	s.Expand()
}

func TestMarkStackSetEmpty(t *testing.T) {
	s, err := NewMarkStack(2*ChunkSize, 4*ChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	s.ParPushChunk(fillChunk(0))
	s.SetEmpty()
	if !s.IsEmpty() || s.Size() != 0 {
		t.Fatal("stack not empty after SetEmpty")
	}
	// The backing memory is reusable immediately.
	if !s.ParPushChunk(fillChunk(0)) {
		t.Fatal("push failed after SetEmpty")
	}
}

func TestMarkStackPartialChunkTermination(t *testing.T) {
	s, err := NewMarkStack(ChunkSize, ChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	var buf [ChunkSize]taskqueue.Entry
	buf[0] = taskqueue.FromObj(heap.Addr(0x2000))
	buf[1] = taskqueue.NilEntry
	s.ParPushChunk(&buf)

	var out [ChunkSize]taskqueue.Entry
	s.ParPopChunk(&out)
	if out[0] != buf[0] || !out[1].IsNil() {
		t.Fatal("partial chunk round trip lost the terminator")
	}
}
