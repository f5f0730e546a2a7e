// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mahaoran1997/Semeru-dev/region"
)

// RootRegions distributes the cycle's root regions (old regions and
// survivor regions whose NTAMS sits at bottom) to workers. Claiming is
// an atomic fetch-and-add over the published array, so each root
// region is handed to exactly one worker.
type RootRegions struct {
	roots       []*region.Region
	numRoots    atomic.Int64
	claimed     atomic.Int64
	shouldAbort atomic.Bool

	mu             sync.Mutex
	cond           *sync.Cond
	scanInProgress bool
}

// NewRootRegions returns a claimer with room for maxRegions roots.
func NewRootRegions(maxRegions int) *RootRegions {
	rr := &RootRegions{roots: make([]*region.Region, maxRegions)}
	rr.cond = sync.NewCond(&rr.mu)
	return rr
}

// Reset discards the published roots. Pre-initial-mark pause only.
func (rr *RootRegions) Reset() { rr.numRoots.Store(0) }

// Add publishes r as a root region for this cycle.
func (rr *RootRegions) Add(r *region.Region) {
	idx := rr.numRoots.Add(1) - 1
	if int(idx) >= len(rr.roots) {
		panic(fmt.Sprintf("adding more root regions than there is space for (%d)", len(rr.roots)))
	}
	rr.roots[idx] = r
}

// NumRootRegions returns the number of published roots.
func (rr *RootRegions) NumRootRegions() int { return int(rr.numRoots.Load()) }

// PrepareForScan arms the claimer for the scan phase.
func (rr *RootRegions) PrepareForScan() {
	rr.mu.Lock()
	if rr.scanInProgress {
		panic("root region scan already in progress")
	}
	rr.scanInProgress = rr.numRoots.Load() > 0
	rr.mu.Unlock()
	rr.claimed.Store(0)
	rr.shouldAbort.Store(false)
}

// ClaimNext hands out the next unclaimed root region, or nil when all
// are claimed or the scan was aborted.
func (rr *RootRegions) ClaimNext() *region.Region {
	if rr.shouldAbort.Load() {
		return nil
	}
	n := rr.numRoots.Load()
	if rr.claimed.Load() >= n {
		return nil
	}
	idx := rr.claimed.Add(1) - 1
	if idx < n {
		return rr.roots[idx]
	}
	return nil
}

// ScanInProgress reports whether a scan is armed and not yet finished.
func (rr *RootRegions) ScanInProgress() bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.scanInProgress
}

func (rr *RootRegions) notifyScanDone() {
	rr.mu.Lock()
	rr.scanInProgress = false
	rr.cond.Broadcast()
	rr.mu.Unlock()
}

// ScanFinished records the end of a completed scan.
func (rr *RootRegions) ScanFinished() {
	if !rr.shouldAbort.Load() && rr.claimed.Load() < rr.numRoots.Load() {
		panic(fmt.Sprintf("root region scan finished with %d of %d regions claimed",
			rr.claimed.Load(), rr.numRoots.Load()))
	}
	rr.notifyScanDone()
}

// CancelScan aborts an in-progress scan: claimers see nil and waiters
// are released.
func (rr *RootRegions) CancelScan() {
	rr.shouldAbort.Store(true)
	rr.notifyScanDone()
}

// WaitUntilScanFinished blocks until the scan completes, reporting
// whether it had to wait.
func (rr *RootRegions) WaitUntilScanFinished() bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if !rr.scanInProgress {
		return false
	}
	for rr.scanInProgress {
		rr.cond.Wait()
	}
	return true
}
