// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import "github.com/mahaoran1997/Semeru-dev/heap"

// closureKind selects the behaviour of the field-visiting closure a
// task installs for a step. The marker needs only the tracing
// variants; evacuation and remembered-set rebuild install their own
// kinds over the same dispatch.
type closureKind uint8

const (
	// closureNone is the uninstalled closure; visiting through it
	// is a bug.
	closureNone closureKind = iota

	// closureCMTrace is the concurrent-marking tracer: mark the
	// referent in its home region and queue it for scanning.
	closureCMTrace

	// closureRootScan traces references found while scanning root
	// regions. The treatment is the same as CMTrace; the kind is
	// kept distinct for diagnostics.
	closureRootScan
)

// oopClosure is the single field-visiting closure handed to the object
// iterator, dispatching on its kind.
type oopClosure struct {
	kind closureKind
	task *Task
}

func (c oopClosure) do(slot heap.Addr) {
	switch c.kind {
	case closureCMTrace, closureRootScan:
		c.task.dealWithReference(slot)
	default:
		panic("field visit through an uninstalled closure")
	}
}
