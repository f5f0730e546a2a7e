// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

import (
	"fmt"

	"github.com/mahaoran1997/Semeru-dev/heap"
)

// Entry is one unit of marking work: either the start address of an
// object, or a tagged interior address identifying the remainder of a
// partially traced reference array. Object starts are word aligned,
// which leaves bit 0 free for the slice tag. The zero value is the nil
// entry.
type Entry uint64

const sliceTag = 1

// NilEntry is the zero entry. Chunks on the global stack are
// terminated with it when partially filled.
const NilEntry Entry = 0

// FromObj returns an entry carrying the object start addr.
func FromObj(addr heap.Addr) Entry {
	if !addr.IsWordAligned() || addr.IsNull() {
		panic(fmt.Sprintf("taskqueue: bad object address %v", addr))
	}
	return Entry(addr)
}

// FromSlice returns an entry carrying an address inside a reference
// array; tracing resumes there for a bounded number of words.
func FromSlice(addr heap.Addr) Entry {
	if !addr.IsWordAligned() || addr.IsNull() {
		panic(fmt.Sprintf("taskqueue: bad slice address %v", addr))
	}
	return Entry(addr) | sliceTag
}

// IsNil reports whether e is the nil entry.
func (e Entry) IsNil() bool { return e == NilEntry }

// IsSlice reports whether e is an array-slice entry.
func (e Entry) IsSlice() bool { return e&sliceTag != 0 }

// Obj returns the object start address of a non-slice entry.
func (e Entry) Obj() heap.Addr {
	if e.IsSlice() {
		panic("taskqueue: Obj on slice entry")
	}
	return heap.Addr(e)
}

// Slice returns the resume address of a slice entry.
func (e Entry) Slice() heap.Addr {
	if !e.IsSlice() {
		panic("taskqueue: Slice on object entry")
	}
	return heap.Addr(e &^ sliceTag)
}

func (e Entry) String() string {
	switch {
	case e.IsNil():
		return "<nil entry>"
	case e.IsSlice():
		return fmt.Sprintf("slice@%v", e.Slice())
	default:
		return fmt.Sprintf("obj@%v", e.Obj())
	}
}
