// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Markbench drives the concurrent marking engine over a synthetic
// object graph and reports liveness, per-worker balance, and phase
// timing distributions.
//
// The generated heap is a set of old regions filled with randomly
// sized objects whose reference fields point at random objects across
// the whole heap; a configurable number of objects per region is
// seeded into the region's target-object queue as cycle roots.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/aclements/go-moremath/stats"
	"github.com/mahaoran1997/Semeru-dev/heap"
	"github.com/mahaoran1997/Semeru-dev/marking"
	"github.com/mahaoran1997/Semeru-dev/region"
	"github.com/mahaoran1997/Semeru-dev/satb"
)

var (
	flagWorkers    = flag.Int("workers", 4, "concurrent marking workers")
	flagRegions    = flag.Int("regions", 32, "heap regions")
	flagRegionMB   = flag.Int("region-mb", 1, "region size in MiB (power of two)")
	flagObjects    = flag.Int("objects", 2000, "objects per region")
	flagRefs       = flag.Int("refs", 3, "reference fields per object")
	flagRoots      = flag.Int("roots", 16, "root references seeded per region")
	flagCycles     = flag.Int("cycles", 3, "marking cycles to run")
	flagSeed       = flag.Int64("seed", 1, "graph generator seed")
	flagTimeTarget = flag.Duration("step", 10*time.Millisecond, "marking step time target")
	flagVerbose    = flag.Bool("v", false, "verbose marking statistics")
)

func main() {
	log.SetPrefix("markbench: ")
	log.SetFlags(0)
	flag.Parse()

	h, err := buildHeap(*flagRegions, uint64(*flagRegionMB)<<20, *flagObjects, *flagRefs, *flagSeed)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("heap: %d regions x %d MiB, %d objects, %d references\n",
		*flagRegions, *flagRegionMB, len(h.objects), h.numRefs)

	opts := marking.Options{
		MaxWorkers: *flagWorkers,
		TimeTarget: *flagTimeTarget,
		Debug:      *flagVerbose,
		Logger:     log.New(os.Stderr, "gc: ", 0),
	}
	m, err := marking.NewMarker(h.arena, h, h, satb.NewSet(256, marking.DefaultSATBProcessMin), opts)
	if err != nil {
		log.Fatal(err)
	}

	for cycle := 0; cycle < *flagCycles; cycle++ {
		h.seedRoots(*flagRoots)
		m.InstallCSet(h.oldRegions())

		start := time.Now()
		if !m.RunCycle() {
			log.Fatalf("cycle %d aborted", cycle)
		}
		elapsed := time.Since(start)

		var liveBytes uint64
		for i := 0; i < h.arena.Len(); i++ {
			liveBytes += h.arena.Region(uint32(i)).MarkedBytes()
		}

		var balance stats.Sample
		var totalRefs int64
		for i := 0; i < m.MaxTasks(); i++ {
			t := m.Task(i)
			balance.Xs = append(balance.Xs, float64(t.RefsReached()))
			totalRefs += t.RefsReached()
		}
		min, max := balance.Bounds()
		fmt.Printf("cycle %d: %v, live %d KiB, refs %d (per worker avg %.0f sd %.0f min %.0f max %.0f), overflows %d\n",
			cycle, elapsed.Round(time.Millisecond), liveBytes>>10, totalRefs,
			balance.Mean(), balance.StdDev(), min, max, m.OverflowEvents())
	}
	m.PrintSummaryInfo()
}

// synthHeap is the generated object model and transport.
type synthHeap struct {
	arena   *region.Arena
	objects map[heap.Addr]objInfo
	// starts holds every object start in ascending order for
	// BlockStart lookups.
	starts  []heap.Addr
	slots   map[heap.Addr]heap.Addr
	rng     *rand.Rand
	numRefs int
	// nextRootSlot hands out synthetic slot addresses above the
	// heap for target-queue roots.
	nextRootSlot heap.Addr
}

type objInfo struct {
	size   int64 // words
	fields []heap.Addr
}

func buildHeap(numRegions int, regionBytes uint64, objsPerRegion, refsPerObj int, seed int64) (*synthHeap, error) {
	arena, err := region.NewArena(heap.Addr(regionBytes), regionBytes, numRegions, region.ArenaOptions{})
	if err != nil {
		return nil, err
	}
	h := &synthHeap{
		arena:        arena,
		objects:      make(map[heap.Addr]objInfo),
		slots:        make(map[heap.Addr]heap.Addr),
		rng:          rand.New(rand.NewSource(seed)),
		nextRootSlot: arena.Reserved().End,
	}

	// Lay objects into each region, then wire references across the
	// whole heap.
	var all []heap.Addr
	for i := 0; i < numRegions; i++ {
		r := arena.Region(uint32(i))
		r.SetType(region.Old)
		cur := r.Bottom()
		for j := 0; j < objsPerRegion; j++ {
			size := int64(refsPerObj) + 2 + h.rng.Int63n(16)
			if cur.AddWords(size) > r.End() {
				break
			}
			fields := make([]heap.Addr, refsPerObj)
			for k := range fields {
				fields[k] = cur.AddWords(int64(k) + 1)
			}
			h.objects[cur] = objInfo{size: size, fields: fields}
			h.starts = append(h.starts, cur)
			all = append(all, cur)
			cur = cur.AddWords(size)
		}
		r.SetTop(cur)
	}
	for _, addr := range all {
		for _, slot := range h.objects[addr].fields {
			h.slots[slot] = all[h.rng.Intn(len(all))]
			h.numRefs++
		}
	}
	sort.Slice(h.starts, func(i, j int) bool { return h.starts[i] < h.starts[j] })
	return h, nil
}

func (h *synthHeap) oldRegions() []*region.Region {
	var regs []*region.Region
	for i := 0; i < h.arena.Len(); i++ {
		if r := h.arena.Region(uint32(i)); r.IsOld() && r.Used() > 0 {
			regs = append(regs, r)
		}
	}
	return regs
}

// seedRoots pushes n random root references into each region's
// target-object queue through synthetic root slots.
func (h *synthHeap) seedRoots(n int) {
	for i := 0; i < h.arena.Len(); i++ {
		r := h.arena.Region(uint32(i))
		if !r.IsOld() || r.Used() == 0 {
			continue
		}
		for j := 0; j < n; j++ {
			// A root anywhere in the region.
			target := h.randomObjectIn(r)
			if target.IsNull() {
				break
			}
			slot := h.nextRootSlot
			h.nextRootSlot = slot.AddWords(1)
			h.slots[slot] = target
			r.TargetQueue().Push(slot)
		}
	}
}

func (h *synthHeap) randomObjectIn(r *region.Region) heap.Addr {
	lo := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] >= r.Bottom() })
	hi := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] >= r.End() })
	if lo == hi {
		return heap.NullAddr
	}
	return h.starts[lo+h.rng.Intn(hi-lo)]
}

// SizeOf implements heap.ObjectModel.
func (h *synthHeap) SizeOf(obj heap.Addr) int64 {
	o, ok := h.objects[obj]
	if !ok {
		panic(fmt.Sprintf("SizeOf of non-object %v", obj))
	}
	return o.size
}

// IsTypeArray implements heap.ObjectModel.
func (h *synthHeap) IsTypeArray(obj heap.Addr) bool { return false }

// IsObjArray implements heap.ObjectModel.
func (h *synthHeap) IsObjArray(obj heap.Addr) bool { return false }

// BlockStart implements heap.ObjectModel.
func (h *synthHeap) BlockStart(addr heap.Addr) heap.Addr {
	i := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] > addr })
	if i == 0 {
		panic(fmt.Sprintf("BlockStart below the first object: %v", addr))
	}
	return h.starts[i-1]
}

// IterateFields implements heap.ObjectModel.
func (h *synthHeap) IterateFields(obj heap.Addr, visit func(heap.Addr)) {
	for _, slot := range h.objects[obj].fields {
		visit(slot)
	}
}

// IterateFieldsIn implements heap.ObjectModel.
func (h *synthHeap) IterateFieldsIn(obj heap.Addr, mr heap.MemRegion, visit func(heap.Addr)) {
	for _, slot := range h.objects[obj].fields {
		if mr.Contains(slot) {
			visit(slot)
		}
	}
}

// HumongousSizeInRegions implements heap.ObjectModel.
func (h *synthHeap) HumongousSizeInRegions(words int64) uint32 {
	rb := int64(h.arena.RegionBytes())
	return uint32((words*heap.WordSize + rb - 1) / rb)
}

// LoadRef implements heap.Transport.
func (h *synthHeap) LoadRef(slot heap.Addr) (heap.Addr, bool) {
	ref, ok := h.slots[slot]
	if !ok {
		return heap.NullAddr, true
	}
	return ref, true
}
