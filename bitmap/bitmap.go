// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bitmap implements the per-region alive bitmap: one bit per
// heap word, covering a fixed address interval. Marking is a CAS so
// concurrent workers can race to claim the same object; exactly one of
// them observes the 0→1 transition.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/mahaoran1997/Semeru-dev/heap"
)

const (
	bitsPerWord    = 64
	logBitsPerWord = 6
)

// Bitmap maps each word-aligned address of a covered interval to one
// bit. A set bit means the address is a proven-live object start in
// the current cycle.
type Bitmap struct {
	covered heap.MemRegion
	bits    []atomic.Uint64
}

// New returns a cleared bitmap covering mr. The interval must be word
// aligned.
func New(mr heap.MemRegion) *Bitmap {
	if !mr.Start.IsWordAligned() || !mr.End.IsWordAligned() {
		panic(fmt.Sprintf("bitmap: unaligned covered interval [%v, %v)", mr.Start, mr.End))
	}
	n := (mr.Words() + bitsPerWord - 1) / bitsPerWord
	return &Bitmap{covered: mr, bits: make([]atomic.Uint64, n)}
}

// Covered returns the address interval the bitmap covers.
func (b *Bitmap) Covered() heap.MemRegion { return b.covered }

func (b *Bitmap) index(addr heap.Addr) (word int64, mask uint64) {
	if !b.covered.Contains(addr) {
		panic(fmt.Sprintf("bitmap: address %v outside covered interval [%v, %v)",
			addr, b.covered.Start, b.covered.End))
	}
	bit := b.covered.Start.WordsTo(addr)
	return bit >> logBitsPerWord, 1 << (uint(bit) & (bitsPerWord - 1))
}

// ParMark atomically sets the bit for addr and reports whether this
// call made the 0→1 transition. It pairs a release store with the
// acquire loads done by IsMarked, so an object's mark publishes the
// fields written before the mark.
func (b *Bitmap) ParMark(addr heap.Addr) bool {
	word, mask := b.index(addr)
	w := &b.bits[word]
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// Mark sets the bit for addr without synchronization. Only for use
// while the bitmap is not shared, such as verification fixups at a
// safepoint.
func (b *Bitmap) Mark(addr heap.Addr) {
	word, mask := b.index(addr)
	b.bits[word].Store(b.bits[word].Load() | mask)
}

// IsMarked reports whether the bit for addr is set.
func (b *Bitmap) IsMarked(addr heap.Addr) bool {
	word, mask := b.index(addr)
	return b.bits[word].Load()&mask != 0
}

// Clear clears the bit for addr.
func (b *Bitmap) Clear(addr heap.Addr) {
	word, mask := b.index(addr)
	w := &b.bits[word]
	for {
		old := w.Load()
		if old&mask == 0 {
			return
		}
		if w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// ClearRange clears every bit whose address falls in mr. The interval
// is clipped to the covered range.
func (b *Bitmap) ClearRange(mr heap.MemRegion) {
	mr = mr.Intersection(b.covered)
	if mr.IsEmpty() {
		return
	}
	lo := b.covered.Start.WordsTo(mr.Start)
	hi := b.covered.Start.WordsTo(mr.End) // exclusive bit index
	loWord, hiWord := lo>>logBitsPerWord, (hi-1)>>logBitsPerWord
	loMask := ^uint64(0) << (uint(lo) & (bitsPerWord - 1))
	hiMask := ^uint64(0) >> (bitsPerWord - 1 - (uint(hi-1) & (bitsPerWord - 1)))
	if loWord == hiWord {
		b.clearBits(loWord, loMask&hiMask)
		return
	}
	b.clearBits(loWord, loMask)
	for w := loWord + 1; w < hiWord; w++ {
		b.bits[w].Store(0)
	}
	b.clearBits(hiWord, hiMask)
}

func (b *Bitmap) clearBits(word int64, mask uint64) {
	w := &b.bits[word]
	for {
		old := w.Load()
		if old&mask == 0 {
			return
		}
		if w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// IsEmptyRange reports whether no bit is set in mr.
func (b *Bitmap) IsEmptyRange(mr heap.MemRegion) bool {
	ok := true
	b.Iterate(mr.Start, mr.End, func(heap.Addr) bool {
		ok = false
		return false
	})
	return ok
}

// Iterate calls fn for each set bit's address in [begin, end), in
// ascending order, until fn returns false or the interval is
// exhausted. It reports whether the full interval was visited.
func (b *Bitmap) Iterate(begin, end heap.Addr, fn func(addr heap.Addr) bool) bool {
	mr := heap.MemRegion{Start: begin, End: end}.Intersection(b.covered)
	if mr.IsEmpty() {
		return true
	}
	bit := b.covered.Start.WordsTo(mr.Start)
	limit := b.covered.Start.WordsTo(mr.End)
	for bit < limit {
		w := b.bits[bit>>logBitsPerWord].Load()
		w &= ^uint64(0) << (uint(bit) & (bitsPerWord - 1))
		for w != 0 {
			cur := bit&^(bitsPerWord-1) + int64(bits.TrailingZeros64(w))
			if cur >= limit {
				return true
			}
			if !fn(b.covered.Start.AddWords(cur)) {
				return false
			}
			w &= w - 1
		}
		bit = (bit&^(bitsPerWord-1) + bitsPerWord)
	}
	return true
}
