// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package region implements fixed-size heap regions, the arena that
// owns them, ordered region sets, and the per-region target-object
// queue. A region is the unit of claim and reclaim for the memory
// server's concurrent marker.
package region

import (
	"fmt"
	"sync/atomic"

	"github.com/mahaoran1997/Semeru-dev/bitmap"
	"github.com/mahaoran1997/Semeru-dev/heap"
)

// Type classifies a region. A region is in exactly one type at a time.
type Type int32

const (
	Free Type = iota
	Young
	Survivor
	Old
	HumongousStart
	HumongousCont
	Archive
)

var typeNames = [...]string{"free", "young", "survivor", "old", "humongous-start", "humongous-continues", "archive"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

// NoRegion is the sentinel humongous-start index for non-continues
// regions.
const NoRegion = ^uint32(0)

// Region is one fixed-size partition of the heap. Address bounds are
// fixed at commit; top moves as the allocator fills the region; NTAMS
// snapshots top when a marking cycle opens. The alive bitmap carries
// this cycle's proven-live object starts, the prev-live bitmap the
// previous completed cycle's; they are swapped at remark end. The dest
// bitmap is allocated for the later evacuation stage and never read by
// the marker.
type Region struct {
	index  uint32
	bottom heap.Addr
	end    heap.Addr

	typ   atomic.Int32
	top   atomic.Uint64
	ntams atomic.Uint64
	// pntams is the NTAMS of the previous completed cycle, paired
	// with the prev-live bitmap for dead-object queries.
	pntams atomic.Uint64

	alive    *bitmap.Bitmap
	prevLive *bitmap.Bitmap
	dest     *bitmap.Bitmap

	targetQ *TargetQueue

	// csetNext forms the memory-server collection-set chain. It is
	// published with release ordering by the party building the
	// chain and read with acquire after a successful claim CAS.
	csetNext atomic.Pointer[Region]
	inCSet   atomic.Bool

	markedBytes atomic.Uint64

	// humStart is the index of the starts-humongous region for a
	// continues-humongous region, NoRegion otherwise.
	humStart uint32

	// Intrusive links and back-pointer for region sets. Guarded by
	// the owning set's mutual-exclusion checker.
	next, prev *Region
	containing *SetBase
}

func newRegion(index uint32, bottom, end heap.Addr, targetQCap int) *Region {
	mr := heap.MemRegion{Start: bottom, End: end}
	r := &Region{
		index:    index,
		bottom:   bottom,
		end:      end,
		alive:    bitmap.New(mr),
		prevLive: bitmap.New(mr),
		dest:     bitmap.New(mr),
		targetQ:  NewTargetQueue(targetQCap),
		humStart: NoRegion,
	}
	r.top.Store(uint64(bottom))
	r.ntams.Store(uint64(bottom))
	r.pntams.Store(uint64(bottom))
	return r
}

// Index returns the region's index in its arena.
func (r *Region) Index() uint32 { return r.index }

// Bottom returns the first address of the region.
func (r *Region) Bottom() heap.Addr { return r.bottom }

// End returns the address one past the region.
func (r *Region) End() heap.Addr { return r.end }

// Capacity returns the region size in bytes.
func (r *Region) Capacity() uint64 { return uint64(r.end - r.bottom) }

// Top returns the first unallocated address.
func (r *Region) Top() heap.Addr { return heap.Addr(r.top.Load()) }

// SetTop moves the allocation frontier. Allocator only.
func (r *Region) SetTop(a heap.Addr) {
	if a < r.bottom || a > r.end {
		panic(fmt.Sprintf("region %d: top %v outside [%v, %v]", r.index, a, r.bottom, r.end))
	}
	r.top.Store(uint64(a))
}

// Used returns the number of allocated bytes.
func (r *Region) Used() uint64 { return uint64(r.Top() - r.bottom) }

// NTAMS returns next-top-at-mark-start: the allocation frontier
// snapshot taken when the current marking cycle opened.
func (r *Region) NTAMS() heap.Addr { return heap.Addr(r.ntams.Load()) }

// PrevNTAMS returns the frontier snapshot of the previous completed
// cycle.
func (r *Region) PrevNTAMS() heap.Addr { return heap.Addr(r.pntams.Load()) }

// NoteStartOfMarking snapshots top into NTAMS. Called for every region
// in the pre-initial-mark pause.
func (r *Region) NoteStartOfMarking() { r.ntams.Store(r.top.Load()) }

// NoteEndOfMarking retires this cycle's NTAMS to the prev side. Called
// under remark after the bitmap swap.
func (r *Region) NoteEndOfMarking() { r.pntams.Store(r.ntams.Load()) }

// ObjAllocatedSinceMarkStart reports whether obj was allocated after
// the cycle opened. Such objects are live by construction and never
// marked or examined.
func (r *Region) ObjAllocatedSinceMarkStart(obj heap.Addr) bool {
	return obj >= r.NTAMS()
}

// AliveBitmap returns the bitmap under construction this cycle.
func (r *Region) AliveBitmap() *bitmap.Bitmap { return r.alive }

// PrevBitmap returns the previous completed cycle's bitmap.
func (r *Region) PrevBitmap() *bitmap.Bitmap { return r.prevLive }

// DestBitmap returns the bitmap reserved for the evacuation stage.
func (r *Region) DestBitmap() *bitmap.Bitmap { return r.dest }

// SwapBitmaps installs the newly built alive bitmap as prev. Remark
// only, at a safepoint.
func (r *Region) SwapBitmaps() { r.alive, r.prevLive = r.prevLive, r.alive }

// TargetQueue returns the region's inbound-reference queue.
func (r *Region) TargetQueue() *TargetQueue { return r.targetQ }

// Type returns the region's current type.
func (r *Region) Type() Type { return Type(r.typ.Load()) }

// SetType changes the region's type. Safepoint only.
func (r *Region) SetType(t Type) { r.typ.Store(int32(t)) }

func (r *Region) IsFree() bool        { return r.Type() == Free }
func (r *Region) IsYoung() bool       { return r.Type() == Young || r.Type() == Survivor }
func (r *Region) IsSurvivor() bool    { return r.Type() == Survivor }
func (r *Region) IsOld() bool         { return r.Type() == Old }
func (r *Region) IsArchive() bool     { return r.Type() == Archive }
func (r *Region) IsEmptyRegion() bool { return r.Top() == r.bottom }

// IsHumongous reports whether the region is part of a humongous
// object.
func (r *Region) IsHumongous() bool {
	t := r.Type()
	return t == HumongousStart || t == HumongousCont
}

func (r *Region) IsStartsHumongous() bool    { return r.Type() == HumongousStart }
func (r *Region) IsContinuesHumongous() bool { return r.Type() == HumongousCont }

// SetContinuesHumongous marks the region as a continuation of the
// humongous object starting at region startIndex.
func (r *Region) SetContinuesHumongous(startIndex uint32) {
	r.SetType(HumongousCont)
	r.humStart = startIndex
}

// HumongousStartIndex returns the index of the starts-humongous region
// this continues region belongs to.
func (r *Region) HumongousStartIndex() uint32 {
	if !r.IsContinuesHumongous() {
		return r.index
	}
	return r.humStart
}

// CSetNext returns the next region in the MS-CSet chain, or nil at the
// chain's end.
func (r *Region) CSetNext() *Region { return r.csetNext.Load() }

// SetCSetNext links the chain. Chain construction only.
func (r *Region) SetCSetNext(next *Region) { r.csetNext.Store(next) }

// InCSet reports whether the region is in this cycle's MS-CSet.
func (r *Region) InCSet() bool { return r.inCSet.Load() }

// SetInCSet flags MS-CSet membership.
func (r *Region) SetInCSet(in bool) { r.inCSet.Store(in) }

// AddToMarkedBytes accumulates the region's live-byte estimate.
func (r *Region) AddToMarkedBytes(n uint64) { r.markedBytes.Add(n) }

// MarkedBytes returns the accumulated live-byte estimate.
func (r *Region) MarkedBytes() uint64 { return r.markedBytes.Load() }

// ClearMarkedBytes resets the live-byte estimate.
func (r *Region) ClearMarkedBytes() { r.markedBytes.Store(0) }

// ContainingSet returns the set the region currently belongs to, or
// nil.
func (r *Region) ContainingSet() *SetBase { return r.containing }

// SetContainingSet installs or clears the owning set. The value must
// transition between nil and non-nil; anything else indicates a region
// leaked between sets.
func (r *Region) SetContainingSet(s *SetBase) {
	if s != nil && r.containing != nil {
		panic(fmt.Sprintf("region %d: already in set %q, cannot move to %q",
			r.index, r.containing.name, s.name))
	}
	r.containing = s
}

// Next and Prev expose the intrusive list links for iteration by the
// owning set.
func (r *Region) Next() *Region { return r.next }
func (r *Region) Prev() *Region { return r.prev }

// Reclaim resets the region to an empty free region. The caller has
// already detached it from any set.
func (r *Region) Reclaim() {
	r.SetType(Free)
	r.humStart = NoRegion
	r.top.Store(uint64(r.bottom))
	r.ntams.Store(uint64(r.bottom))
	r.pntams.Store(uint64(r.bottom))
	r.ClearMarkedBytes()
	r.SetCSetNext(nil)
	r.SetInCSet(false)
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d (%s) [%v, %v)", r.index, r.Type(), r.bottom, r.end)
}
