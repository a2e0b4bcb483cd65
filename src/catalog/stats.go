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
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
)

// executionStats is one namespace's (or the catalog-wide) execution counter
// set. All counters are lock-free; they are bumped while holding a stripe
// lock at most for the duration of a fetch-and-add.
type executionStats struct {
	numBucketInserts                         atomic.Int64
	numBucketUpdates                         atomic.Int64
	numBucketsOpenedDueToMetadata            atomic.Int64
	numBucketsClosedDueToCount               atomic.Int64
	numBucketsClosedDueToSize                atomic.Int64
	numBucketsClosedDueToCachePressure       atomic.Int64
	numBucketsClosedDueToSchemaChange        atomic.Int64
	numBucketsClosedDueToTimeForward         atomic.Int64
	numBucketsClosedDueToTimeBackward        atomic.Int64
	numBucketsClosedDueToMemoryThreshold     atomic.Int64
	numBucketsArchivedDueToTimeBackward      atomic.Int64
	numBucketsArchivedDueToMemoryThreshold   atomic.Int64
	numArchivedBucketsExpiredDueToMemory     atomic.Int64
	numBucketsReopened                       atomic.Int64
	numBucketsKeptOpenDueToLargeMeasurements atomic.Int64
	numBucketsFetched                        atomic.Int64
	numBucketsQueried                        atomic.Int64
	numBucketFetchesFailed                   atomic.Int64
	numBucketQueriesFailed                   atomic.Int64
	numBucketReopeningsFailed                atomic.Int64
	numDuplicateBucketsReopened              atomic.Int64
	numCommits                               atomic.Int64
	numWaits                                 atomic.Int64
	numMeasurementsCommitted                 atomic.Int64
}

// ExecutionStatsSnapshot is a point-in-time copy of one counter set.
type ExecutionStatsSnapshot struct {
	NumBucketInserts                         int64
	NumBucketUpdates                         int64
	NumBucketsOpenedDueToMetadata            int64
	NumBucketsClosedDueToCount               int64
	NumBucketsClosedDueToSize                int64
	NumBucketsClosedDueToCachePressure       int64
	NumBucketsClosedDueToSchemaChange        int64
	NumBucketsClosedDueToTimeForward         int64
	NumBucketsClosedDueToTimeBackward        int64
	NumBucketsClosedDueToMemoryThreshold     int64
	NumBucketsArchivedDueToTimeBackward      int64
	NumBucketsArchivedDueToMemoryThreshold   int64
	NumArchivedBucketsExpiredDueToMemory     int64
	NumBucketsReopened                       int64
	NumBucketsKeptOpenDueToLargeMeasurements int64
	NumBucketsFetched                        int64
	NumBucketsQueried                        int64
	NumBucketFetchesFailed                   int64
	NumBucketQueriesFailed                   int64
	NumBucketReopeningsFailed                int64
	NumDuplicateBucketsReopened              int64
	NumCommits                               int64
	NumWaits                                 int64
	NumMeasurementsCommitted                 int64
}

func (s *executionStats) snapshot() ExecutionStatsSnapshot {
	return ExecutionStatsSnapshot{
		NumBucketInserts:                         s.numBucketInserts.Load(),
		NumBucketUpdates:                         s.numBucketUpdates.Load(),
		NumBucketsOpenedDueToMetadata:            s.numBucketsOpenedDueToMetadata.Load(),
		NumBucketsClosedDueToCount:               s.numBucketsClosedDueToCount.Load(),
		NumBucketsClosedDueToSize:                s.numBucketsClosedDueToSize.Load(),
		NumBucketsClosedDueToCachePressure:       s.numBucketsClosedDueToCachePressure.Load(),
		NumBucketsClosedDueToSchemaChange:        s.numBucketsClosedDueToSchemaChange.Load(),
		NumBucketsClosedDueToTimeForward:         s.numBucketsClosedDueToTimeForward.Load(),
		NumBucketsClosedDueToTimeBackward:        s.numBucketsClosedDueToTimeBackward.Load(),
		NumBucketsClosedDueToMemoryThreshold:     s.numBucketsClosedDueToMemoryThreshold.Load(),
		NumBucketsArchivedDueToTimeBackward:      s.numBucketsArchivedDueToTimeBackward.Load(),
		NumBucketsArchivedDueToMemoryThreshold:   s.numBucketsArchivedDueToMemoryThreshold.Load(),
		NumArchivedBucketsExpiredDueToMemory:     s.numArchivedBucketsExpiredDueToMemory.Load(),
		NumBucketsReopened:                       s.numBucketsReopened.Load(),
		NumBucketsKeptOpenDueToLargeMeasurements: s.numBucketsKeptOpenDueToLargeMeasurements.Load(),
		NumBucketsFetched:                        s.numBucketsFetched.Load(),
		NumBucketsQueried:                        s.numBucketsQueried.Load(),
		NumBucketFetchesFailed:                   s.numBucketFetchesFailed.Load(),
		NumBucketQueriesFailed:                   s.numBucketQueriesFailed.Load(),
		NumBucketReopeningsFailed:                s.numBucketReopeningsFailed.Load(),
		NumDuplicateBucketsReopened:              s.numDuplicateBucketsReopened.Load(),
		NumCommits:                               s.numCommits.Load(),
		NumWaits:                                 s.numWaits.Load(),
		NumMeasurementsCommitted:                 s.numMeasurementsCommitted.Load(),
	}
}

// catalogMetrics mirrors the global counters into a tally scope, plus gauges
// for catalog-wide memory usage and active bucket count.
type catalogMetrics struct {
	bucketInserts    tally.Counter
	bucketUpdates    tally.Counter
	bucketsClosed    tally.Counter
	bucketsArchived  tally.Counter
	bucketsReopened  tally.Counter
	bucketsExpired   tally.Counter
	reopeningsFailed tally.Counter
	commits          tally.Counter
	waits            tally.Counter
	measurements     tally.Counter
	memoryUsage      tally.Gauge
	activeBuckets    tally.Gauge
}

func newCatalogMetrics(scope tally.Scope) catalogMetrics {
	scope = scope.SubScope("bucket-catalog")
	return catalogMetrics{
		bucketInserts:    scope.Counter("bucket-inserts"),
		bucketUpdates:    scope.Counter("bucket-updates"),
		bucketsClosed:    scope.Counter("buckets-closed"),
		bucketsArchived:  scope.Counter("buckets-archived"),
		bucketsReopened:  scope.Counter("buckets-reopened"),
		bucketsExpired:   scope.Counter("buckets-expired"),
		reopeningsFailed: scope.Counter("reopenings-failed"),
		commits:          scope.Counter("commits"),
		waits:            scope.Counter("waits"),
		measurements:     scope.Counter("measurements-committed"),
		memoryUsage:      scope.Gauge("memory-usage"),
		activeBuckets:    scope.Gauge("active-buckets"),
	}
}

// statsHolder pairs a namespace's counters with the catalog-wide ones so a
// single increment updates both, plus the tally mirror where one exists.
type statsHolder struct {
	ns      *executionStats
	global  *executionStats
	metrics *catalogMetrics
}

func (h statsHolder) incBucketInserts() {
	h.ns.numBucketInserts.Inc()
	h.global.numBucketInserts.Inc()
	h.metrics.bucketInserts.Inc(1)
}

func (h statsHolder) incBucketUpdates() {
	h.ns.numBucketUpdates.Inc()
	h.global.numBucketUpdates.Inc()
	h.metrics.bucketUpdates.Inc(1)
}

func (h statsHolder) incBucketsOpenedDueToMetadata() {
	h.ns.numBucketsOpenedDueToMetadata.Inc()
	h.global.numBucketsOpenedDueToMetadata.Inc()
}

func (h statsHolder) incBucketsClosed(reason RolloverReason) {
	var ctr func(*executionStats) *atomic.Int64
	switch reason {
	case RolloverCount:
		ctr = func(s *executionStats) *atomic.Int64 { return &s.numBucketsClosedDueToCount }
	case RolloverSize:
		ctr = func(s *executionStats) *atomic.Int64 { return &s.numBucketsClosedDueToSize }
	case RolloverCachePressure:
		ctr = func(s *executionStats) *atomic.Int64 { return &s.numBucketsClosedDueToCachePressure }
	case RolloverSchemaChange:
		ctr = func(s *executionStats) *atomic.Int64 { return &s.numBucketsClosedDueToSchemaChange }
	case RolloverTimeForward:
		ctr = func(s *executionStats) *atomic.Int64 { return &s.numBucketsClosedDueToTimeForward }
	case RolloverTimeBackward:
		ctr = func(s *executionStats) *atomic.Int64 { return &s.numBucketsClosedDueToTimeBackward }
	default:
		return
	}
	ctr(h.ns).Inc()
	ctr(h.global).Inc()
	h.metrics.bucketsClosed.Inc(1)
}

func (h statsHolder) incBucketsClosedDueToMemoryThreshold() {
	h.ns.numBucketsClosedDueToMemoryThreshold.Inc()
	h.global.numBucketsClosedDueToMemoryThreshold.Inc()
	h.metrics.bucketsClosed.Inc(1)
	h.metrics.bucketsExpired.Inc(1)
}

func (h statsHolder) incBucketsArchivedDueToTimeBackward() {
	h.ns.numBucketsArchivedDueToTimeBackward.Inc()
	h.global.numBucketsArchivedDueToTimeBackward.Inc()
	h.metrics.bucketsArchived.Inc(1)
}

func (h statsHolder) incBucketsArchivedDueToMemoryThreshold() {
	h.ns.numBucketsArchivedDueToMemoryThreshold.Inc()
	h.global.numBucketsArchivedDueToMemoryThreshold.Inc()
	h.metrics.bucketsArchived.Inc(1)
	h.metrics.bucketsExpired.Inc(1)
}

func (h statsHolder) incArchivedBucketsExpired() {
	h.ns.numArchivedBucketsExpiredDueToMemory.Inc()
	h.global.numArchivedBucketsExpiredDueToMemory.Inc()
	h.metrics.bucketsExpired.Inc(1)
}

func (h statsHolder) incBucketsReopened() {
	h.ns.numBucketsReopened.Inc()
	h.global.numBucketsReopened.Inc()
	h.metrics.bucketsReopened.Inc(1)
}

func (h statsHolder) incBucketsKeptOpenDueToLargeMeasurements() {
	h.ns.numBucketsKeptOpenDueToLargeMeasurements.Inc()
	h.global.numBucketsKeptOpenDueToLargeMeasurements.Inc()
}

func (h statsHolder) incBucketsFetched() {
	h.ns.numBucketsFetched.Inc()
	h.global.numBucketsFetched.Inc()
}

func (h statsHolder) incBucketsQueried() {
	h.ns.numBucketsQueried.Inc()
	h.global.numBucketsQueried.Inc()
}

func (h statsHolder) incBucketFetchesFailed() {
	h.ns.numBucketFetchesFailed.Inc()
	h.global.numBucketFetchesFailed.Inc()
}

func (h statsHolder) incBucketQueriesFailed() {
	h.ns.numBucketQueriesFailed.Inc()
	h.global.numBucketQueriesFailed.Inc()
}

func (h statsHolder) incBucketReopeningsFailed() {
	h.ns.numBucketReopeningsFailed.Inc()
	h.global.numBucketReopeningsFailed.Inc()
	h.metrics.reopeningsFailed.Inc(1)
}

func (h statsHolder) incDuplicateBucketsReopened() {
	h.ns.numDuplicateBucketsReopened.Inc()
	h.global.numDuplicateBucketsReopened.Inc()
}

func (h statsHolder) incCommits() {
	h.ns.numCommits.Inc()
	h.global.numCommits.Inc()
	h.metrics.commits.Inc(1)
}

func (h statsHolder) incWaits() {
	h.ns.numWaits.Inc()
	h.global.numWaits.Inc()
	h.metrics.waits.Inc(1)
}

func (h statsHolder) incMeasurementsCommitted(n int) {
	h.ns.numMeasurementsCommitted.Add(int64(n))
	h.global.numMeasurementsCommitted.Add(int64(n))
	h.metrics.measurements.Inc(int64(n))
}
