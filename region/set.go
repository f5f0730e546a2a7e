// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"fmt"
	"sync/atomic"
)

// An MTChecker verifies that the caller holds whatever lock or is at
// whatever pause the owning set requires. Every mutating set operation
// calls it before and after touching the links, so misuse fails close
// to the bug rather than as eventual corruption.
type MTChecker interface {
	Check()
}

// CheckerFunc adapts a function to the MTChecker interface.
type CheckerFunc func()

func (f CheckerFunc) Check() { f() }

// SetBase carries the bookkeeping shared by all region sets: a name
// for diagnostics, the injected mutual-exclusion checker, and the
// length.
type SetBase struct {
	name    string
	checker MTChecker
	length  uint32
}

// Name returns the set's diagnostic name.
func (s *SetBase) Name() string { return s.name }

// Length returns the number of regions in the set.
func (s *SetBase) Length() uint32 { return s.length }

// IsEmpty reports whether the set holds no regions.
func (s *SetBase) IsEmpty() bool { return s.length == 0 }

func (s *SetBase) checkMTSafety() {
	if s.checker != nil {
		s.checker.Check()
	}
}

func (s *SetBase) verify() {
	s.checkMTSafety()
	if (s.IsEmpty() && s.length != 0) || (!s.IsEmpty() && s.length == 0) {
		panic(fmt.Sprintf("region set %q: length %d inconsistent with emptiness", s.name, s.length))
	}
}

// unrealisticallyLongLength bounds free-list verification walks. A
// traversal that exceeds it can only mean the links form a cycle.
var unrealisticallyLongLength atomic.Uint32

// SetUnrealisticallyLongLength installs the list-corruption bound. It
// may only be set once per process.
func SetUnrealisticallyLongLength(n uint32) {
	if !unrealisticallyLongLength.CompareAndSwap(0, n) {
		panic("region: unrealistically long length set twice")
	}
}

func corruptionBound() uint32 {
	if n := unrealisticallyLongLength.Load(); n != 0 {
		return n
	}
	return 1 << 24
}

// FreeList is an intrusive doubly-linked list of regions kept sorted
// by ascending region index. It backs both the free-region list and
// the post-remark cleanup list.
type FreeList struct {
	SetBase
	head, tail *Region
	// last caches the most recently added region to make runs of
	// ascending AddOrdered calls O(1).
	last *Region
}

// NewFreeList returns an empty list. checker may be nil.
func NewFreeList(name string, checker MTChecker) *FreeList {
	return &FreeList{SetBase: SetBase{name: name, checker: checker}}
}

// First returns the lowest-indexed region, or nil.
func (l *FreeList) First() *Region { return l.head }

// AddOrdered inserts r keeping the list sorted by region index.
func (l *FreeList) AddOrdered(r *Region) {
	l.checkMTSafety()
	l.verify()
	r.SetContainingSet(&l.SetBase)

	if l.head == nil {
		l.head, l.tail = r, r
		r.next, r.prev = nil, nil
	} else {
		cur := l.head
		if l.last != nil && l.last.index < r.index {
			cur = l.last.next
		}
		for cur != nil && cur.index < r.index {
			cur = cur.next
		}
		switch {
		case cur == nil:
			// New tail.
			l.tail.next = r
			r.prev = l.tail
			r.next = nil
			l.tail = r
		case cur.prev == nil:
			// New head.
			cur.prev = r
			r.next = cur
			r.prev = nil
			l.head = r
		default:
			r.next = cur
			r.prev = cur.prev
			cur.prev.next = r
			cur.prev = r
		}
	}
	l.last = r
	l.length++
	l.verify()
}

// AddOrderedList merges from into l with a single sorted pass and
// leaves from empty.
func (l *FreeList) AddOrderedList(from *FreeList) {
	l.checkMTSafety()
	from.checkMTSafety()
	l.verify()
	from.verify()
	if from.IsEmpty() {
		return
	}

	for r := from.head; r != nil; r = r.next {
		r.SetContainingSet(nil)
		r.SetContainingSet(&l.SetBase)
	}

	if l.IsEmpty() {
		l.head, l.tail = from.head, from.tail
	} else {
		curTo := l.head
		curFrom := from.head
		for curFrom != nil {
			for curTo != nil && curTo.index < curFrom.index {
				curTo = curTo.next
			}
			if curTo == nil {
				// The rest of from goes on the tail.
				l.tail.next = curFrom
				curFrom.prev = l.tail
				curFrom = nil
			} else {
				nextFrom := curFrom.next
				curFrom.next = curTo
				curFrom.prev = curTo.prev
				if curTo.prev == nil {
					l.head = curFrom
				} else {
					curTo.prev.next = curFrom
				}
				curTo.prev = curFrom
				curFrom = nextFrom
			}
		}
		if l.tail.index < from.tail.index {
			l.tail = from.tail
		}
	}

	l.length += from.length
	l.last = nil
	from.clear()
	l.verify()
}

// RemoveStartingAt unlinks n list-consecutive regions beginning with
// first.
func (l *FreeList) RemoveStartingAt(first *Region, n uint32) {
	l.checkMTSafety()
	if n < 1 || l.IsEmpty() {
		panic(fmt.Sprintf("region set %q: bad removal of %d regions (length %d)", l.name, n, l.length))
	}
	l.verify()
	oldLength := l.length

	cur := first
	var count uint32
	for count < n {
		if cur == nil {
			panic(fmt.Sprintf("region set %q: ran out of regions removing %d starting at %d", l.name, n, first.index))
		}
		next := cur.next
		prev := cur.prev

		if prev == nil {
			l.head = next
		} else {
			prev.next = next
		}
		if next == nil {
			l.tail = prev
		} else {
			next.prev = prev
		}
		if l.last == cur {
			l.last = nil
		}

		cur.next, cur.prev = nil, nil
		cur.SetContainingSet(nil)
		l.length--
		count++
		cur = next
	}

	if l.length+n != oldLength {
		panic(fmt.Sprintf("region set %q: length %d after removing %d from %d", l.name, l.length, n, oldLength))
	}
	l.verify()
}

// RemoveAll detaches every region and empties the list.
func (l *FreeList) RemoveAll() {
	l.checkMTSafety()
	l.verify()
	for cur := l.head; cur != nil; {
		next := cur.next
		cur.next, cur.prev = nil, nil
		cur.SetContainingSet(nil)
		cur = next
	}
	l.clear()
	l.verify()
}

func (l *FreeList) clear() {
	l.length = 0
	l.head, l.tail, l.last = nil, nil, nil
}

// Verify walks the whole list checking link symmetry, ordering, and
// the length. A walk longer than the corruption bound panics: the only
// way to get there is a cycle in the links.
func (l *FreeList) Verify() {
	l.checkMTSafety()
	l.verify()

	var count uint32
	var prev0 *Region
	lastIndex := uint32(0)
	if l.head != nil && l.head.prev != nil {
		panic(fmt.Sprintf("region set %q: head has a prev link", l.name))
	}
	for cur := l.head; cur != nil; cur = cur.next {
		count++
		if count >= corruptionBound() {
			panic(fmt.Sprintf("region set %q: walk of length %d exceeds the corruption bound, likely a cycle", l.name, count))
		}
		if cur.ContainingSet() != &l.SetBase {
			panic(fmt.Sprintf("region set %q: region %d has wrong containing set", l.name, cur.index))
		}
		if cur.next != nil && cur.next.prev != cur {
			panic(fmt.Sprintf("region set %q: asymmetric links at region %d", l.name, cur.index))
		}
		if count > 1 && cur.index <= lastIndex {
			panic(fmt.Sprintf("region set %q: indices not strictly increasing at region %d", l.name, cur.index))
		}
		lastIndex = cur.index
		prev0 = cur
	}
	if l.tail != prev0 {
		panic(fmt.Sprintf("region set %q: tail does not terminate the walk", l.name))
	}
	if l.tail != nil && l.tail.next != nil {
		panic(fmt.Sprintf("region set %q: tail has a next link", l.name))
	}
	if l.length != count {
		panic(fmt.Sprintf("region set %q: length %d but walk found %d", l.name, l.length, count))
	}
}

// Iterator walks a FreeList from head to tail.
type Iterator struct {
	cur *Region
}

// Iterate returns an iterator positioned at the list head.
func (l *FreeList) Iterate() *Iterator { return &Iterator{cur: l.head} }

// More reports whether Next will return a region.
func (it *Iterator) More() bool { return it.cur != nil }

// Next returns the next region in index order.
func (it *Iterator) Next() *Region {
	r := it.cur
	if r != nil {
		it.cur = r.next
	}
	return r
}
