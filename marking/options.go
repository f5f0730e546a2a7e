// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import (
	"fmt"
	"log"
	"math/bits"
	"time"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxWorkers          = 4
	DefaultTaskQueueCapacity   = 4096
	DefaultMarkStackSize       = 16 * ChunkSize
	DefaultMarkStackSizeMax    = 512 * ChunkSize
	DefaultTimeTarget          = 10 * time.Millisecond
	DefaultWordsScannedPeriod  = 12 * 1024
	DefaultRefsReachedPeriod   = 1024
	DefaultDrainStackTarget    = 64
	DefaultObjArrayStride      = 2048
	DefaultStatsCacheSize      = 1024
	DefaultSATBProcessMin      = 4
	DefaultRebuildLiveFraction = 0.85
)

// Options configure a Marker. The zero value of each field selects its
// default.
type Options struct {
	// MaxWorkers is the size of the concurrent worker pool; the
	// number of active workers per phase never exceeds it.
	MaxWorkers int

	// TaskQueueCapacity is the per-worker queue capacity in
	// entries; a power of two.
	TaskQueueCapacity int

	// MarkStackSize and MarkStackSizeMax are the initial and
	// maximum global mark-stack capacities in entries. Both round
	// up to whole chunks.
	MarkStackSize    int
	MarkStackSizeMax int

	// TimeTarget is the soft duration budget of one concurrent
	// marking step.
	TimeTarget time.Duration

	// WordsScannedPeriod and RefsReachedPeriod set how much work a
	// task does between regular-clock calls.
	WordsScannedPeriod int64
	RefsReachedPeriod  int64

	// DrainStackTarget is the size a task drains its local queue
	// down to when draining partially.
	DrainStackTarget int

	// ObjArrayMarkingStride bounds, in words, how much of a
	// reference array one queue entry covers.
	ObjArrayMarkingStride int64

	// StatsCacheSize is the per-task mark-stats cache size in
	// entries; a power of two.
	StatsCacheSize int

	// RefProc processes discovered weak references at remark. Nil
	// disables reference processing.
	RefProc ReferenceProcessor

	// Tracker decides which regions are selected for remembered-
	// set rebuild. Nil installs LiveFractionTracker with the
	// default threshold.
	Tracker RemSetTracker

	// ClearCardTable, when non-nil, is invoked for every region
	// reclaimed empty at remark so its remembered-set card range
	// can be cleared.
	ClearCardTable func(r RegionID)

	// Logger receives progress and statistics output. Nil disables
	// logging. Debug additionally enables per-task statistics.
	Logger *log.Logger
	Debug  bool
}

// RegionID names a region by arena index in external callbacks.
type RegionID = uint32

func (o *Options) setDefaults() {
	if o.MaxWorkers == 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.TaskQueueCapacity == 0 {
		o.TaskQueueCapacity = DefaultTaskQueueCapacity
	}
	if o.MarkStackSize == 0 {
		o.MarkStackSize = DefaultMarkStackSize
	}
	if o.MarkStackSizeMax == 0 {
		o.MarkStackSizeMax = DefaultMarkStackSizeMax
	}
	if o.TimeTarget == 0 {
		o.TimeTarget = DefaultTimeTarget
	}
	if o.WordsScannedPeriod == 0 {
		o.WordsScannedPeriod = DefaultWordsScannedPeriod
	}
	if o.RefsReachedPeriod == 0 {
		o.RefsReachedPeriod = DefaultRefsReachedPeriod
	}
	if o.DrainStackTarget == 0 {
		o.DrainStackTarget = DefaultDrainStackTarget
	}
	if o.ObjArrayMarkingStride == 0 {
		o.ObjArrayMarkingStride = DefaultObjArrayStride
	}
	if o.StatsCacheSize == 0 {
		o.StatsCacheSize = DefaultStatsCacheSize
	}
	if o.Tracker == nil {
		o.Tracker = &LiveFractionTracker{Threshold: DefaultRebuildLiveFraction}
	}
}

func (o *Options) validate() error {
	if o.MaxWorkers < 1 {
		return fmt.Errorf("MaxWorkers %d: need at least one worker", o.MaxWorkers)
	}
	if bits.OnesCount(uint(o.TaskQueueCapacity)) != 1 {
		return fmt.Errorf("TaskQueueCapacity %d is not a power of two", o.TaskQueueCapacity)
	}
	if bits.OnesCount(uint(o.StatsCacheSize)) != 1 {
		return fmt.Errorf("StatsCacheSize %d is not a power of two", o.StatsCacheSize)
	}
	if o.MarkStackSize < 1 || o.MarkStackSize > o.MarkStackSizeMax {
		return fmt.Errorf("MarkStackSize %d must be between 1 and MarkStackSizeMax %d",
			o.MarkStackSize, o.MarkStackSizeMax)
	}
	if o.TimeTarget < time.Millisecond {
		return fmt.Errorf("TimeTarget %v: minimum granularity is 1ms", o.TimeTarget)
	}
	return nil
}
