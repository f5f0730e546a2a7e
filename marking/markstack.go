// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mahaoran1997/Semeru-dev/taskqueue"
)

// ChunkSize is the number of entries moved between a task queue and
// the global mark stack in one bulk operation. A partially filled
// chunk is terminated by a nil entry.
const ChunkSize = 1024

type chunk struct {
	next *chunk
	data [ChunkSize]taskqueue.Entry
}

// MarkStack is the global overflow stack shared by all marking
// workers: a LIFO of fixed-size chunks. Chunks are carved from a
// preallocated backing array by an atomic high-water-mark bump and
// recycled through a free list; the two lists are each guarded by a
// mutex held only to splice one node.
type MarkStack struct {
	base             []chunk
	hwm              atomic.Uint64
	chunkCapacity    uint64
	maxChunkCapacity uint64

	chunkMu      sync.Mutex
	chunkList    *chunk
	chunksInList atomic.Int64

	freeMu   sync.Mutex
	freeList *chunk
}

// NewMarkStack returns a stack with capacity for initialEntries,
// expandable up to maxEntries. Both sizes round up to whole chunks.
func NewMarkStack(initialEntries, maxEntries int) (*MarkStack, error) {
	if initialEntries < 1 || maxEntries < initialEntries {
		return nil, fmt.Errorf("mark stack size %d must be between 1 and the maximum %d",
			initialEntries, maxEntries)
	}
	s := &MarkStack{
		maxChunkCapacity: uint64((maxEntries + ChunkSize - 1) / ChunkSize),
	}
	if err := s.resize(uint64((initialEntries + ChunkSize - 1) / ChunkSize)); err != nil {
		return nil, err
	}
	return s, nil
}

// resize reallocates the backing array. Only legal while the stack is
// empty.
func (s *MarkStack) resize(newCapacity uint64) error {
	if !s.IsEmpty() {
		panic("markstack: resize of non-empty stack")
	}
	if newCapacity > s.maxChunkCapacity {
		return fmt.Errorf("cannot resize mark stack to %d chunks, maximum is %d",
			newCapacity, s.maxChunkCapacity)
	}
	s.base = make([]chunk, newCapacity)
	s.chunkCapacity = newCapacity
	s.SetEmpty()
	return nil
}

// Expand doubles the chunk capacity, up to the configured maximum. It
// is called only while the stack is empty, between the overflow
// barriers. Expanding a stack already at maximum capacity means the
// configured limit is genuinely exhausted: fatal.
func (s *MarkStack) Expand() {
	if s.chunkCapacity == s.maxChunkCapacity {
		panic(fmt.Sprintf(
			"mark stack overflow at maximum capacity of %d chunks; increase the maximum mark stack size",
			s.chunkCapacity))
	}
	newCapacity := s.chunkCapacity * 2
	if newCapacity > s.maxChunkCapacity {
		newCapacity = s.maxChunkCapacity
	}
	old := s.chunkCapacity
	if err := s.resize(newCapacity); err != nil {
		panic(fmt.Sprintf("mark stack expansion from %d to %d chunks failed: %v", old, newCapacity, err))
	}
}

// Capacity returns the current capacity in entries.
func (s *MarkStack) Capacity() int { return int(s.chunkCapacity) * ChunkSize }

// MaxCapacity returns the configured maximum capacity in entries.
func (s *MarkStack) MaxCapacity() int { return int(s.maxChunkCapacity) * ChunkSize }

// Size returns a best-effort count of stacked entries. The count is
// tracked in whole chunks.
func (s *MarkStack) Size() int { return int(s.chunksInList.Load()) * ChunkSize }

// IsEmpty reports whether no chunks are stacked.
func (s *MarkStack) IsEmpty() bool { return s.chunksInList.Load() == 0 }

func (s *MarkStack) allocateNewChunk() *chunk {
	// The dirty read bounds hwm to capacity plus the number of
	// racing workers, which cannot wrap.
	if s.hwm.Load() >= s.chunkCapacity {
		return nil
	}
	idx := s.hwm.Add(1) - 1
	if idx >= s.chunkCapacity {
		return nil
	}
	c := &s.base[idx]
	c.next = nil
	return c
}

func (s *MarkStack) removeChunkFromFreeList() *chunk {
	s.freeMu.Lock()
	c := s.freeList
	if c != nil {
		s.freeList = c.next
	}
	s.freeMu.Unlock()
	return c
}

func (s *MarkStack) addChunkToFreeList(c *chunk) {
	s.freeMu.Lock()
	c.next = s.freeList
	s.freeList = c
	s.freeMu.Unlock()
}

func (s *MarkStack) removeChunkFromChunkList() *chunk {
	s.chunkMu.Lock()
	c := s.chunkList
	if c != nil {
		s.chunkList = c.next
		s.chunksInList.Add(-1)
	}
	s.chunkMu.Unlock()
	return c
}

func (s *MarkStack) addChunkToChunkList(c *chunk) {
	s.chunkMu.Lock()
	c.next = s.chunkList
	s.chunkList = c
	s.chunksInList.Add(1)
	s.chunkMu.Unlock()
}

// ParPushChunk bulk-pushes buf as one chunk. buf must hold ChunkSize
// entries, nil-terminated if short. It returns false when no chunk can
// be found or allocated; the caller upgrades that to a global
// overflow.
func (s *MarkStack) ParPushChunk(buf *[ChunkSize]taskqueue.Entry) bool {
	c := s.removeChunkFromFreeList()
	if c == nil {
		c = s.allocateNewChunk()
		if c == nil {
			return false
		}
	}
	c.data = *buf
	s.addChunkToChunkList(c)
	return true
}

// ParPopChunk bulk-pops one chunk into buf, reporting whether a chunk
// was available.
func (s *MarkStack) ParPopChunk(buf *[ChunkSize]taskqueue.Entry) bool {
	c := s.removeChunkFromChunkList()
	if c == nil {
		return false
	}
	*buf = c.data
	s.addChunkToFreeList(c)
	return true
}

// SetEmpty resets the stack's pointers without touching the backing
// memory. Only legal while no worker is pushing or popping.
func (s *MarkStack) SetEmpty() {
	s.chunkMu.Lock()
	s.chunkList = nil
	s.chunksInList.Store(0)
	s.chunkMu.Unlock()
	s.freeMu.Lock()
	s.freeList = nil
	s.freeMu.Unlock()
	s.hwm.Store(0)
}

// Iterate applies fn to every stacked entry. Safepoint only; used by
// verification.
func (s *MarkStack) Iterate(fn func(taskqueue.Entry)) {
	for c := s.chunkList; c != nil; c = c.next {
		for i := 0; i < ChunkSize; i++ {
			if c.data[i].IsNil() {
				break
			}
			fn(c.data[i])
		}
	}
}
