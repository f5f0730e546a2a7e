// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package marking

import "github.com/mahaoran1997/Semeru-dev/region"

// RemSetTracker is the policy hook deciding which regions get their
// remembered sets rebuilt after marking. The marker calls
// UpdateBeforeRebuild once per region at remark with the region's
// measured live bytes, and UpdateAfterRebuild once per region at
// cleanup.
type RemSetTracker interface {
	// UpdateBeforeRebuild reports whether r is selected for
	// rebuild given its live bytes.
	UpdateBeforeRebuild(r *region.Region, liveBytes uint64) bool

	// UpdateAfterRebuild finalizes the tracking state of r once
	// the rebuild phase is over.
	UpdateAfterRebuild(r *region.Region)

	// NeedsScanForRebuild reports whether the rebuild phase will
	// scan r at all; regions it excludes keep a nil
	// top-at-rebuild-start.
	NeedsScanForRebuild(r *region.Region) bool
}

// LiveFractionTracker selects old regions whose live fraction is below
// Threshold: mostly-garbage regions are where rebuilding the
// remembered set pays for later evacuation.
type LiveFractionTracker struct {
	// Threshold is the live-bytes/capacity fraction at and above
	// which a region is not worth rebuilding.
	Threshold float64
}

// UpdateBeforeRebuild implements RemSetTracker.
func (t *LiveFractionTracker) UpdateBeforeRebuild(r *region.Region, liveBytes uint64) bool {
	if r.IsHumongous() {
		// A humongous object is rebuilt iff it is live at all.
		return liveBytes > 0
	}
	if !r.IsOld() {
		return false
	}
	return float64(liveBytes) < t.Threshold*float64(r.Capacity())
}

// UpdateAfterRebuild implements RemSetTracker.
func (t *LiveFractionTracker) UpdateAfterRebuild(r *region.Region) {}

// NeedsScanForRebuild implements RemSetTracker.
func (t *LiveFractionTracker) NeedsScanForRebuild(r *region.Region) bool {
	// Young, free and archive regions are never scanned for
	// rebuild.
	return !(r.IsFree() || r.IsYoung() || r.IsArchive())
}
