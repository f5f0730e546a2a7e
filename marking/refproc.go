// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import "github.com/mahaoran1997/Semeru-dev/heap"

// ReferenceProcessor is the hook through which discovered weak
// references are drained to the marker at remark. The marker supplies
// an is-alive predicate over the bitmaps just built, a keep-alive
// function that marks and traces a referent, and a drain function that
// completely empties the marking structures of anything keep-alive
// pushed.
//
// Policy questions, such as which references to discover and how soft
// references age, belong entirely to the implementation.
type ReferenceProcessor interface {
	// EnableDiscovery starts concurrent discovery of weak
	// references. Called at post-initial-mark.
	EnableDiscovery()

	// SetupPolicy snapshots the reference policy for the cycle.
	SetupPolicy(clearAllSoftRefs bool)

	// ProcessDiscoveredReferences drains the discovered lists.
	// keepAlive may be called for any referent that must survive,
	// and drain must be called before returning so no marking work
	// remains queued.
	ProcessDiscoveredReferences(isAlive func(heap.Addr) bool, keepAlive func(heap.Addr), drain func())

	// AbandonDiscovery drops discovered references when the cycle
	// aborts.
	AbandonDiscovery()
}

// refKeepAliveDrainInterval is how many keep-alive references a worker
// processes before pausing to drain the marking structures. Draining
// through the task's local queue keeps reference processing off the
// global stack, which we would rather not overflow this late in the
// cycle.
const refKeepAliveDrainInterval = 64
