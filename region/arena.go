// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"fmt"
	"math/bits"

	"github.com/mahaoran1997/Semeru-dev/heap"
)

// Arena owns every region of the heap, addressed by index. Region
// sets and the MS-CSet chain refer to regions the arena owns; the
// arena is the only party that creates or destroys them, which keeps
// the back-pointers free of lifecycle concerns.
type Arena struct {
	base        heap.Addr
	regionBytes uint64
	shift       uint
	regions     []*Region
}

// DefaultTargetQueueCapacity is the per-region target-object queue
// ring capacity used when ArenaOptions does not override it.
const DefaultTargetQueueCapacity = 1024

// ArenaOptions configure arena construction.
type ArenaOptions struct {
	// TargetQueueCapacity is the ring capacity of each region's
	// target-object queue. Must be a power of two.
	TargetQueueCapacity int
}

// NewArena commits numRegions regions of regionBytes each, starting at
// base. The region size must be a power of two and base must be
// region aligned.
func NewArena(base heap.Addr, regionBytes uint64, numRegions int, opts ArenaOptions) (*Arena, error) {
	if regionBytes == 0 || bits.OnesCount64(regionBytes) != 1 {
		return nil, fmt.Errorf("region size %d is not a power of two", regionBytes)
	}
	if uint64(base)%regionBytes != 0 {
		return nil, fmt.Errorf("heap base %v is not aligned to the region size %d", base, regionBytes)
	}
	if numRegions <= 0 {
		return nil, fmt.Errorf("need at least one region, got %d", numRegions)
	}
	qcap := opts.TargetQueueCapacity
	if qcap == 0 {
		qcap = DefaultTargetQueueCapacity
	}
	a := &Arena{
		base:        base,
		regionBytes: regionBytes,
		shift:       uint(bits.TrailingZeros64(regionBytes)),
		regions:     make([]*Region, numRegions),
	}
	for i := range a.regions {
		bottom := base + heap.Addr(uint64(i)*regionBytes)
		a.regions[i] = newRegion(uint32(i), bottom, bottom+heap.Addr(regionBytes), qcap)
	}
	return a, nil
}

// Len returns the number of committed regions.
func (a *Arena) Len() int { return len(a.regions) }

// RegionBytes returns the fixed region size in bytes.
func (a *Arena) RegionBytes() uint64 { return a.regionBytes }

// Reserved returns the address interval covered by the arena.
func (a *Arena) Reserved() heap.MemRegion {
	return heap.MemRegion{Start: a.base, End: a.base + heap.Addr(uint64(len(a.regions))*a.regionBytes)}
}

// Region returns the region at index i.
func (a *Arena) Region(i uint32) *Region { return a.regions[i] }

// AddrToIndex returns the index of the region containing addr. It
// panics if addr is outside the reserved range.
func (a *Arena) AddrToIndex(addr heap.Addr) uint32 {
	if !a.Reserved().Contains(addr) {
		panic(fmt.Sprintf("address %v outside reserved heap [%v, %v)", addr, a.base, a.Reserved().End))
	}
	return uint32(uint64(addr-a.base) >> a.shift)
}

// RegionContaining returns the region containing addr, or nil if addr
// is outside the reserved range.
func (a *Arena) RegionContaining(addr heap.Addr) *Region {
	if !a.Reserved().Contains(addr) {
		return nil
	}
	return a.regions[uint64(addr-a.base)>>a.shift]
}

// IsInReserved reports whether addr lies within the committed heap.
func (a *Arena) IsInReserved(addr heap.Addr) bool { return a.Reserved().Contains(addr) }
