// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"testing"

	"github.com/mahaoran1997/Semeru-dev/heap"
)

func testArena(t *testing.T, n int) *Arena {
	t.Helper()
	a, err := NewArena(heap.Addr(1<<20), 1<<20, n, ArenaOptions{TargetQueueCapacity: 64})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func listIndices(l *FreeList) []uint32 {
	var got []uint32
	for it := l.Iterate(); it.More(); {
		got = append(got, it.Next().Index())
	}
	return got
}

func checkIndices(t *testing.T, l *FreeList, want []uint32) {
	t.Helper()
	got := listIndices(l)
	if len(got) != len(want) {
		t.Fatalf("list holds %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list holds %v, want %v", got, want)
		}
	}
	l.Verify()
}

func TestAddOrdered(t *testing.T) {
	a := testArena(t, 10)
	l := NewFreeList("test", nil)
	for _, i := range []uint32{5, 1, 8, 3, 9, 0} {
		l.AddOrdered(a.Region(i))
	}
	checkIndices(t, l, []uint32{0, 1, 3, 5, 8, 9})
}

// Merging A into B and B into A must produce the same ordered
// contents.
func TestAddOrderedListCommutes(t *testing.T) {
	build := func(a *Arena, idxs []uint32) *FreeList {
		l := NewFreeList("side", nil)
		for _, i := range idxs {
			l.AddOrdered(a.Region(i))
		}
		return l
	}
	idxA := []uint32{0, 3, 4, 9}
	idxB := []uint32{1, 2, 5, 11, 12}
	want := []uint32{0, 1, 2, 3, 4, 5, 9, 11, 12}

	a1 := testArena(t, 16)
	ab := build(a1, idxA)
	ab2 := build(a1, idxB)
	ab.AddOrderedList(ab2)
	checkIndices(t, ab, want)
	if !ab2.IsEmpty() {
		t.Fatal("source list not emptied by merge")
	}

	a2 := testArena(t, 16)
	ba := build(a2, idxB)
	ba2 := build(a2, idxA)
	ba.AddOrderedList(ba2)
	checkIndices(t, ba, want)
}

func TestAddOrderedListIntoEmpty(t *testing.T) {
	a := testArena(t, 8)
	dst := NewFreeList("dst", nil)
	src := NewFreeList("src", nil)
	for _, i := range []uint32{2, 4, 6} {
		src.AddOrdered(a.Region(i))
	}
	dst.AddOrderedList(src)
	checkIndices(t, dst, []uint32{2, 4, 6})
}

func TestRemoveStartingAt(t *testing.T) {
	a := testArena(t, 10)
	l := NewFreeList("test", nil)
	for i := uint32(0); i < 8; i++ {
		l.AddOrdered(a.Region(i))
	}
	l.RemoveStartingAt(a.Region(2), 3)
	checkIndices(t, l, []uint32{0, 1, 5, 6, 7})
	for i := uint32(2); i < 5; i++ {
		if a.Region(i).ContainingSet() != nil {
			t.Fatalf("removed region %d still has a containing set", i)
		}
	}

	// Removing the head and the tail.
	l.RemoveStartingAt(a.Region(0), 2)
	checkIndices(t, l, []uint32{5, 6, 7})
	l.RemoveStartingAt(a.Region(7), 1)
	checkIndices(t, l, []uint32{5, 6})
}

func TestRemoveAll(t *testing.T) {
	a := testArena(t, 4)
	l := NewFreeList("test", nil)
	for i := uint32(0); i < 4; i++ {
		l.AddOrdered(a.Region(i))
	}
	l.RemoveAll()
	if !l.IsEmpty() {
		t.Fatal("list not empty after RemoveAll")
	}
	for i := uint32(0); i < 4; i++ {
		if a.Region(i).ContainingSet() != nil {
			t.Fatalf("region %d still owned after RemoveAll", i)
		}
	}
}

func TestContainingSetMoveFails(t *testing.T) {
	a := testArena(t, 4)
	l1 := NewFreeList("one", nil)
	l2 := NewFreeList("two", nil)
	l1.AddOrdered(a.Region(0))
	defer func() {
		if recover() == nil {
			t.Fatal("moving a region between sets without detaching did not panic")
		}
	}()
	l2.AddOrdered(a.Region(0))
}

// A cycle in the links must make verification panic rather than hang.
func TestVerifyDetectsCycle(t *testing.T) {
	a := testArena(t, 4)
	l := NewFreeList("test", nil)
	for i := uint32(0); i < 3; i++ {
		l.AddOrdered(a.Region(i))
	}
	// Corrupt the links into a cycle behind the set's back.
	a.Region(2).next = a.Region(1)
	defer func() {
		if recover() == nil {
			t.Fatal("Verify did not panic on a cyclic list")
		}
	}()
	l.Verify()
}

func TestMTChecker(t *testing.T) {
	a := testArena(t, 2)
	called := 0
	l := NewFreeList("checked", CheckerFunc(func() { called++ }))
	l.AddOrdered(a.Region(0))
	if called == 0 {
		t.Fatal("checker was never consulted")
	}
}
