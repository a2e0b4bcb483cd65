// Copyright (c) 2023 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package catalog

import (
	"time"

	"github.com/m3db/bucketcatalog/src/catalog/document"
)

const maxInt = int(^uint(0) >> 1)

// RolloverAction says what happens to the current bucket when a measurement
// cannot be absorbed.
type RolloverAction uint8

// Rollover actions.
const (
	// RolloverNone keeps the bucket open.
	RolloverNone RolloverAction = iota
	// RolloverSoftClose closes the bucket but leaves it eligible for
	// reopening.
	RolloverSoftClose
	// RolloverHardClose closes the bucket permanently.
	RolloverHardClose
	// RolloverArchive downgrades the bucket to an archived record.
	RolloverArchive
)

// RolloverReason says why a rollover was decided.
type RolloverReason uint8

// Rollover reasons.
const (
	RolloverNoReason RolloverReason = iota
	RolloverTimeForward
	RolloverTimeBackward
	RolloverCount
	RolloverSize
	RolloverCachePressure
	RolloverSchemaChange
)

// String returns the reason's name.
func (r RolloverReason) String() string {
	switch r {
	case RolloverTimeForward:
		return "timeForward"
	case RolloverTimeBackward:
		return "timeBackward"
	case RolloverCount:
		return "count"
	case RolloverSize:
		return "size"
	case RolloverCachePressure:
		return "cachePressure"
	case RolloverSchemaChange:
		return "schemaChange"
	}
	return "none"
}

// rolloverContext carries the per-insert inputs of the rollover decision.
type rolloverContext struct {
	time          time.Time
	doc           document.Document
	sizeDelta     int
	activeBuckets int64
}

// determineRolloverAction decides, for one candidate measurement against one
// bucket, whether the bucket keeps absorbing or rolls over, and why. The
// decision is a pure function of the bucket's counters, the measurement and
// the configuration. The bucket's schema is updated as a side effect only
// when the measurement is schema-compatible.
func (c *BucketCatalog) determineRolloverAction(b *bucket, ctx rolloverContext) (RolloverAction, RolloverReason) {
	maxSpan := b.handle.series.Granularity.MaxSpan()
	if ctx.time.Sub(b.minTime) >= maxSpan {
		return RolloverSoftClose, RolloverTimeForward
	}
	if ctx.time.Before(b.minTime) {
		if c.opts.ArchivingEnabled() {
			return RolloverArchive, RolloverTimeBackward
		}
		return RolloverSoftClose, RolloverTimeBackward
	}
	if b.numMeasurements == c.opts.BucketMaxCount() {
		return RolloverHardClose, RolloverCount
	}

	effectiveMax, cacheDerived := c.effectiveMaxSize(ctx.activeBuckets)
	if b.size+ctx.sizeDelta > effectiveMax {
		reason := RolloverSize
		if cacheDerived < c.opts.BucketMaxSize() {
			reason = RolloverCachePressure
		}
		if b.numMeasurements >= c.opts.BucketMinCount() {
			return RolloverHardClose, reason
		}
		// Below the minimum count the bucket absorbs large
		// measurements past the cap, up to an absolute ceiling, so a
		// series of big documents doesn't degenerate into one bucket
		// per document.
		absoluteMax := largeMeasurementsMaxSize
		if cacheDerived < absoluteMax {
			absoluteMax = cacheDerived
		}
		if b.size+ctx.sizeDelta > absoluteMax {
			if absoluteMax < largeMeasurementsMaxSize {
				reason = RolloverCachePressure
			}
			return RolloverHardClose, reason
		}
		if !b.keptOpenForLargeMeasurements {
			b.keptOpenForLargeMeasurements = true
			b.stats.incBucketsKeptOpenDueToLargeMeasurements()
		}
	}

	series := b.handle.series
	if b.schema.Update(ctx.doc, series.TimeField, series.MetaField) == document.UpdateFailed {
		return RolloverHardClose, RolloverSchemaChange
	}
	return RolloverNone, RolloverNoReason
}

// effectiveMaxSize returns the size cap in force for a bucket given the
// number of currently active buckets, along with the cache-derived component
// alone. With no storage cache size configured the derived cap is unbounded.
func (c *BucketCatalog) effectiveMaxSize(activeBuckets int64) (int, int) {
	max := c.opts.BucketMaxSize()
	cacheSize := c.opts.StorageCacheSize()
	if cacheSize <= 0 {
		return max, maxInt // no derived cap
	}
	if activeBuckets < 1 {
		activeBuckets = 1
	}
	derived := int(cacheSize / (2 * activeBuckets))
	if derived < max {
		return derived, derived
	}
	return max, derived
}
