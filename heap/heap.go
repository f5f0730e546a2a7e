// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap defines the word-addressed memory model shared by the
// marking engine and the interfaces through which the engine observes
// objects held on a memory server.
//
// The engine never dereferences heap memory itself. Object layout and
// field iteration belong to the surrounding runtime (the ObjectModel),
// and every reference load goes through the Transport, which performs
// the read-side validity check for memory fetched across machines.
package heap

import "fmt"

// WordSize is the size of a heap word in bytes. All object start
// addresses are word aligned, which leaves the low bits of an Addr
// free for tagging.
const (
	WordSize     = 8
	LogWordSize  = 3
	WordSizeMask = WordSize - 1
)

// Addr is a byte address within the reserved heap range. The zero
// address is never a valid object start and doubles as "null".
type Addr uint64

// NullAddr is the reserved null address.
const NullAddr Addr = 0

// IsNull reports whether a is the null address.
func (a Addr) IsNull() bool { return a == NullAddr }

// IsWordAligned reports whether a is aligned to a heap word.
func (a Addr) IsWordAligned() bool { return a&WordSizeMask == 0 }

// AddWords returns a advanced by n heap words.
func (a Addr) AddWords(n int64) Addr { return a + Addr(n*WordSize) }

// WordsTo returns the number of whole words between a and b. It is the
// caller's responsibility that b >= a.
func (a Addr) WordsTo(b Addr) int64 { return int64(b-a) / WordSize }

func (a Addr) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// MemRegion is a half-open address interval [Start, End).
type MemRegion struct {
	Start, End Addr
}

// MakeMemRegion returns the interval [start, start+words*WordSize).
func MakeMemRegion(start Addr, words int64) MemRegion {
	return MemRegion{start, start.AddWords(words)}
}

// IsEmpty reports whether the interval contains no words.
func (m MemRegion) IsEmpty() bool { return m.End <= m.Start }

// Words returns the length of the interval in heap words.
func (m MemRegion) Words() int64 {
	if m.IsEmpty() {
		return 0
	}
	return m.Start.WordsTo(m.End)
}

// Contains reports whether a lies in the interval.
func (m MemRegion) Contains(a Addr) bool { return m.Start <= a && a < m.End }

// Intersection returns the overlap of m and o, which may be empty.
func (m MemRegion) Intersection(o MemRegion) MemRegion {
	r := m
	if o.Start > r.Start {
		r.Start = o.Start
	}
	if o.End < r.End {
		r.End = o.End
	}
	if r.IsEmpty() {
		return MemRegion{}
	}
	return r
}

// ObjectModel exposes object layout to the marker. Implementations
// must be safe for concurrent use: many workers interrogate the model
// at once during marking.
type ObjectModel interface {
	// SizeOf returns the size of the object starting at obj, in
	// heap words.
	SizeOf(obj Addr) int64

	// IsTypeArray reports whether obj is an array of a primitive
	// type. Such objects contain no references and are accounted
	// without being scanned.
	IsTypeArray(obj Addr) bool

	// IsObjArray reports whether obj is an array of references.
	// Large reference arrays are traced in bounded slices.
	IsObjArray(obj Addr) bool

	// BlockStart returns the start address of the object whose
	// body contains addr. For an address inside a humongous
	// object this is the bottom of the starts-humongous region.
	BlockStart(addr Addr) Addr

	// IterateFields calls visit for the address of every
	// reference-holding slot of obj, in address order.
	IterateFields(obj Addr, visit func(slot Addr))

	// IterateFieldsIn is IterateFields restricted to slots whose
	// addresses fall within mr. It is used to trace one slice of a
	// large reference array.
	IterateFieldsIn(obj Addr, mr MemRegion, visit func(slot Addr))

	// HumongousSizeInRegions returns the number of consecutive
	// regions an object of the given size in words occupies.
	HumongousSizeInRegions(words int64) uint32
}

// Transport performs reference loads on behalf of the marker. On a
// memory server the referenced slot may live in a region whose backing
// memory has been decommitted by the other machine; such loads report
// ok == false and the slot is skipped.
type Transport interface {
	// LoadRef reads the reference stored in slot. A null referent
	// is returned as (NullAddr, true).
	LoadRef(slot Addr) (ref Addr, ok bool)
}
