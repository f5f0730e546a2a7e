// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import (
	"fmt"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/mahaoran1997/Semeru-dev/heap"
	"github.com/mahaoran1997/Semeru-dev/region"
	"github.com/mahaoran1997/Semeru-dev/satb"
)

// testHeap is a synthetic object model and transport: objects are laid
// out explicitly, references live in per-slot maps, and full field
// iterations are counted so tests can check each live object is
// scanned at most once.
type testHeap struct {
	arena *region.Arena

	objects map[heap.Addr]*testObject
	starts  []heap.Addr // sorted object starts
	slots   map[heap.Addr]heap.Addr
	decomm  map[heap.Addr]bool

	loads  atomic.Int64
	onLoad func(n int64)

	nextRootSlot heap.Addr
}

type testObject struct {
	addr      heap.Addr
	size      int64
	fields    []heap.Addr
	typeArray bool
	objArray  bool
	scans     atomic.Int64
}

func newTestHeap(t *testing.T, numRegions int, regionBytes uint64) *testHeap {
	t.Helper()
	arena, err := region.NewArena(heap.Addr(regionBytes), regionBytes, numRegions,
		region.ArenaOptions{TargetQueueCapacity: 256})
	if err != nil {
		t.Fatal(err)
	}
	return &testHeap{
		arena:        arena,
		objects:      make(map[heap.Addr]*testObject),
		slots:        make(map[heap.Addr]heap.Addr),
		decomm:       make(map[heap.Addr]bool),
		nextRootSlot: arena.Reserved().End,
	}
}

// addObject places an object of size words at the given word offset in
// a region and bumps the region's top to cover it.
func (h *testHeap) addObject(regionIdx uint32, offWords, sizeWords int64) heap.Addr {
	r := h.arena.Region(regionIdx)
	addr := r.Bottom().AddWords(offWords)
	obj := &testObject{addr: addr, size: sizeWords}
	h.objects[addr] = obj
	i := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] >= addr })
	h.starts = append(h.starts, 0)
	copy(h.starts[i+1:], h.starts[i:])
	h.starts[i] = addr

	end := addr.AddWords(sizeWords)
	for ri := regionIdx; int(ri) < h.arena.Len(); ri++ {
		cur := h.arena.Region(ri)
		if cur.Bottom() >= end {
			break
		}
		top := end
		if top > cur.End() {
			top = cur.End()
		}
		if top > cur.Top() {
			cur.SetTop(top)
		}
	}
	return addr
}

// addRef gives obj one more reference field pointing at target. Field
// slots occupy the words after the header in order.
func (h *testHeap) addRef(obj, target heap.Addr) heap.Addr {
	o := h.objects[obj]
	slot := obj.AddWords(int64(len(o.fields)) + 1)
	if int64(len(o.fields))+1 >= o.size {
		panic(fmt.Sprintf("object %v of %d words has no room for field %d", obj, o.size, len(o.fields)))
	}
	o.fields = append(o.fields, slot)
	h.slots[slot] = target
	return slot
}

// rootSlot fabricates a slot outside the heap holding target, for
// seeding target-object queues.
func (h *testHeap) rootSlot(target heap.Addr) heap.Addr {
	slot := h.nextRootSlot
	h.nextRootSlot = slot.AddWords(1)
	h.slots[slot] = target
	return slot
}

func (h *testHeap) seedRoot(regionIdx uint32, target heap.Addr) {
	h.arena.Region(regionIdx).TargetQueue().Push(h.rootSlot(target))
}

func (h *testHeap) scans(obj heap.Addr) int64 { return h.objects[obj].scans.Load() }

// markedObjects returns the addresses marked in every region's
// prev-live bitmap (the completed cycle's truth).
func (h *testHeap) markedObjects() []heap.Addr {
	var out []heap.Addr
	for i := 0; i < h.arena.Len(); i++ {
		r := h.arena.Region(uint32(i))
		r.PrevBitmap().Iterate(r.Bottom(), r.End(), func(a heap.Addr) bool {
			out = append(out, a)
			return true
		})
	}
	return out
}

// reachable computes the expected live set from the given roots.
func (h *testHeap) reachable(roots ...heap.Addr) map[heap.Addr]bool {
	seen := map[heap.Addr]bool{}
	work := append([]heap.Addr(nil), roots...)
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[obj] {
			continue
		}
		r := h.arena.RegionContaining(obj)
		if r == nil || !r.InCSet() {
			continue
		}
		seen[obj] = true
		for _, slot := range h.objects[obj].fields {
			if h.decomm[slot] {
				continue
			}
			if tgt, ok := h.slots[slot]; ok && !tgt.IsNull() {
				work = append(work, tgt)
			}
		}
	}
	return seen
}

// SizeOf implements heap.ObjectModel.
func (h *testHeap) SizeOf(obj heap.Addr) int64 {
	o, ok := h.objects[obj]
	if !ok {
		panic(fmt.Sprintf("SizeOf of non-object %v", obj))
	}
	return o.size
}

// IsTypeArray implements heap.ObjectModel.
func (h *testHeap) IsTypeArray(obj heap.Addr) bool { return h.objects[obj].typeArray }

// IsObjArray implements heap.ObjectModel.
func (h *testHeap) IsObjArray(obj heap.Addr) bool { return h.objects[obj].objArray }

// BlockStart implements heap.ObjectModel.
func (h *testHeap) BlockStart(addr heap.Addr) heap.Addr {
	i := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] > addr })
	if i == 0 {
		panic(fmt.Sprintf("BlockStart below the first object: %v", addr))
	}
	start := h.starts[i-1]
	if start.AddWords(h.objects[start].size) <= addr {
		panic(fmt.Sprintf("BlockStart of %v: nearest object %v ends before it", addr, start))
	}
	return start
}

// IterateFields implements heap.ObjectModel.
func (h *testHeap) IterateFields(obj heap.Addr, visit func(heap.Addr)) {
	o := h.objects[obj]
	o.scans.Add(1)
	for _, slot := range o.fields {
		visit(slot)
	}
}

// IterateFieldsIn implements heap.ObjectModel.
func (h *testHeap) IterateFieldsIn(obj heap.Addr, mr heap.MemRegion, visit func(heap.Addr)) {
	for _, slot := range h.objects[obj].fields {
		if mr.Contains(slot) {
			visit(slot)
		}
	}
}

// HumongousSizeInRegions implements heap.ObjectModel.
func (h *testHeap) HumongousSizeInRegions(words int64) uint32 {
	rb := int64(h.arena.RegionBytes())
	return uint32((words*heap.WordSize + rb - 1) / rb)
}

// LoadRef implements heap.Transport.
func (h *testHeap) LoadRef(slot heap.Addr) (heap.Addr, bool) {
	n := h.loads.Add(1)
	if h.onLoad != nil {
		h.onLoad(n)
	}
	if h.decomm[slot] {
		return heap.NullAddr, false
	}
	ref, ok := h.slots[slot]
	if !ok {
		return heap.NullAddr, true
	}
	return ref, true
}

func newTestMarker(t *testing.T, h *testHeap, opts Options) (*Marker, *satb.Set) {
	t.Helper()
	producers := satb.NewSet(16, 2)
	m, err := NewMarker(h.arena, h, h, producers, opts)
	if err != nil {
		t.Fatal(err)
	}
	return m, producers
}

func assertQueuesClosed(t *testing.T, m *Marker) {
	t.Helper()
	if !m.markStack.IsEmpty() {
		t.Error("global mark stack not empty at cycle end")
	}
	for i, q := range m.queues {
		if q.Size() != 0 {
			t.Errorf("task queue %d holds %d entries at cycle end", i, q.Size())
		}
	}
}
