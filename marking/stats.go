// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import "sync/atomic"

// RegionMarkStats accumulates the live words marked in one region
// during the current cycle. The shared array is indexed by region and
// written through per-task caches, so the atomic add runs once per
// cache eviction rather than once per object.
type RegionMarkStats struct {
	liveWords atomic.Uint64
}

// LiveWords returns the accumulated live words.
func (s *RegionMarkStats) LiveWords() uint64 { return s.liveWords.Load() }

// Clear zeroes the counter.
func (s *RegionMarkStats) Clear() { s.liveWords.Store(0) }

// ClearDuringOverflow zeroes the counter as part of the overflow
// restart protocol.
func (s *RegionMarkStats) ClearDuringOverflow() { s.liveWords.Store(0) }

func (s *RegionMarkStats) add(words uint64) { s.liveWords.Add(words) }

type statsCacheEntry struct {
	regionIdx uint32
	valid     bool
	liveWords uint64
}

// markStatsCache is a per-task direct-mapped cache in front of the
// shared RegionMarkStats array. Liveness updates for the same region
// coalesce in the cache; a conflicting region evicts the old entry
// with one atomic add.
type markStatsCache struct {
	shared  []RegionMarkStats
	entries []statsCacheEntry
	mask    uint32

	hits, misses uint64
}

func newMarkStatsCache(shared []RegionMarkStats, size int) *markStatsCache {
	return &markStatsCache{
		shared:  shared,
		entries: make([]statsCacheEntry, size),
		mask:    uint32(size) - 1,
	}
}

// addLiveWords credits words of live data to regionIdx.
func (c *markStatsCache) addLiveWords(regionIdx uint32, words uint64) {
	e := &c.entries[regionIdx&c.mask]
	if e.valid && e.regionIdx == regionIdx {
		e.liveWords += words
		c.hits++
		return
	}
	c.misses++
	if e.valid && e.liveWords > 0 {
		c.shared[e.regionIdx].add(e.liveWords)
	}
	e.regionIdx = regionIdx
	e.valid = true
	e.liveWords = words
}

// evictAll flushes every cached counter to the shared array and
// returns the cache's hit and miss counts.
func (c *markStatsCache) evictAll() (hits, misses uint64) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.liveWords > 0 {
			c.shared[e.regionIdx].add(e.liveWords)
		}
		e.valid = false
		e.liveWords = 0
	}
	return c.hits, c.misses
}

// reset drops all cached state and the hit/miss counters.
func (c *markStatsCache) reset() {
	for i := range c.entries {
		c.entries[i] = statsCacheEntry{}
	}
	c.hits, c.misses = 0, 0
}

// clearRegion discards any cached counter for regionIdx without
// flushing it. Used when a region's statistics are being cleared.
func (c *markStatsCache) clearRegion(regionIdx uint32) {
	e := &c.entries[regionIdx&c.mask]
	if e.valid && e.regionIdx == regionIdx {
		e.valid = false
		e.liveWords = 0
	}
}
