// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mahaoran1997/Semeru-dev/heap"
)

func objEntry(i int64) Entry {
	return FromObj(heap.Addr(0x1000).AddWords(i))
}

func TestEntryTags(t *testing.T) {
	obj := FromObj(heap.Addr(0x4000))
	if obj.IsNil() || obj.IsSlice() {
		t.Fatalf("object entry misclassified: %v", obj)
	}
	if obj.Obj() != heap.Addr(0x4000) {
		t.Fatalf("Obj() = %v", obj.Obj())
	}

	sl := FromSlice(heap.Addr(0x4008))
	if !sl.IsSlice() || sl.IsNil() {
		t.Fatalf("slice entry misclassified: %v", sl)
	}
	if sl.Slice() != heap.Addr(0x4008) {
		t.Fatalf("Slice() = %v", sl.Slice())
	}

	if !NilEntry.IsNil() {
		t.Fatal("zero entry is not nil")
	}
}

func TestPushPopLIFO(t *testing.T) {
	q := New(16)
	for i := int64(0); i < 5; i++ {
		if !q.Push(objEntry(i)) {
			t.Fatalf("push %d failed", i)
		}
	}
	if q.Size() != 5 {
		t.Fatalf("Size = %d, want 5", q.Size())
	}
	for i := int64(4); i >= 0; i-- {
		e, ok := q.PopLocal()
		if !ok || e != objEntry(i) {
			t.Fatalf("pop got (%v, %v), want %v", e, ok, objEntry(i))
		}
	}
	if _, ok := q.PopLocal(); ok {
		t.Fatal("pop from empty queue succeeded")
	}
}

func TestStealFIFO(t *testing.T) {
	q := New(16)
	for i := int64(0); i < 5; i++ {
		q.Push(objEntry(i))
	}
	for i := int64(0); i < 5; i++ {
		e, ok := q.Steal()
		if !ok || e != objEntry(i) {
			t.Fatalf("steal got (%v, %v), want %v", e, ok, objEntry(i))
		}
	}
	if _, ok := q.Steal(); ok {
		t.Fatal("steal from empty queue succeeded")
	}
}

func TestPushFull(t *testing.T) {
	q := New(8)
	for i := int64(0); i < 8; i++ {
		if !q.Push(objEntry(i)) {
			t.Fatalf("push %d failed below capacity", i)
		}
	}
	if q.Push(objEntry(8)) {
		t.Fatal("push into a full queue succeeded")
	}
	// Draining one makes room again.
	if _, ok := q.PopLocal(); !ok {
		t.Fatal("pop failed")
	}
	if !q.Push(objEntry(8)) {
		t.Fatal("push failed after making room")
	}
}

func TestSetEmpty(t *testing.T) {
	q := New(8)
	q.Push(objEntry(1))
	q.SetEmpty()
	if !q.IsEmpty() {
		t.Fatal("queue not empty after SetEmpty")
	}
}

// TestConcurrentSteal hammers one owner against several thieves and
// checks every entry is consumed exactly once.
func TestConcurrentSteal(t *testing.T) {
	const total = 20000
	const thieves = 4

	q := New(256)
	var seen [total]atomic.Int32
	consume := func(e Entry) {
		idx := heap.Addr(0x1000).WordsTo(e.Obj())
		seen[idx].Add(1)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < thieves; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if e, ok := q.Steal(); ok {
					consume(e)
					continue
				}
				select {
				case <-stop:
					// One last survey before giving up.
					for {
						e, ok := q.Steal()
						if !ok {
							return
						}
						consume(e)
					}
				default:
				}
			}
		}()
	}

	// Owner: push everything, popping locally when full.
	for i := int64(0); i < total; i++ {
		for !q.Push(objEntry(i)) {
			if e, ok := q.PopLocal(); ok {
				consume(e)
			}
		}
	}
	for {
		e, ok := q.PopLocal()
		if !ok {
			break
		}
		consume(e)
	}
	close(stop)
	wg.Wait()

	for i := range seen {
		if n := seen[i].Load(); n != 1 {
			t.Fatalf("entry %d consumed %d times", i, n)
		}
	}
}
