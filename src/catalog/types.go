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

// Package catalog implements the time-series bucket catalog: an in-memory,
// lock-striped engine that coalesces arriving measurements into buckets ahead
// of durable storage, arbitrating commit rights, rollover, reopening,
// archiving and memory-bounded eviction across concurrent writers.
package catalog

import (
	"time"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
	"github.com/m3db/bucketcatalog/src/catalog/document"
)

// OperationID identifies one logical writer. Each (bucket, operation) pair
// accumulates measurements into its own batch.
type OperationID uint64

// CombineMode controls whether concurrent callers' measurements may be
// coalesced into a shared batch.
type CombineMode uint8

const (
	// CombineDisallow keeps each operation's measurements in its own
	// batch.
	CombineDisallow CombineMode = iota
	// CombineAllow folds all callers into one logical writer so their
	// measurements commit together.
	CombineAllow
)

// Granularity selects the bucketing granularity of a series: how wide a
// bucket's time span may grow and how its minimum time is rounded.
type Granularity uint8

// Supported granularities.
const (
	GranularitySeconds Granularity = iota
	GranularityMinutes
	GranularityHours
)

// MaxSpan returns the maximum time span a bucket at this granularity covers.
func (g Granularity) MaxSpan() time.Duration {
	switch g {
	case GranularityMinutes:
		return 24 * time.Hour
	case GranularityHours:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// RoundTimestamp rounds a measurement time down to the bucket boundary for
// this granularity.
func (g Granularity) RoundTimestamp(t time.Time) time.Time {
	switch g {
	case GranularityMinutes:
		return t.UTC().Truncate(time.Hour)
	case GranularityHours:
		return t.UTC().Truncate(24 * time.Hour)
	default:
		return t.UTC().Truncate(time.Minute)
	}
}

// String returns the granularity's config name.
func (g Granularity) String() string {
	switch g {
	case GranularityMinutes:
		return "minutes"
	case GranularityHours:
		return "hours"
	default:
		return "seconds"
	}
}

// SeriesOptions describes how measurements of one collection are bucketed:
// which field carries the time, which (if any) carries the metadata, and the
// granularity.
type SeriesOptions struct {
	TimeField   string
	MetaField   string
	Granularity Granularity
}

// BucketHandle is the stable reference to a bucket carried inside batches
// and usable without any lock.
type BucketHandle struct {
	ID  bucketid.BucketID
	Key bucketid.BucketKey

	stripe int
	series SeriesOptions
}

// ReopeningKind says what a reopening request asks the caller to do.
type ReopeningKind uint8

// Reopening request kinds.
const (
	// ReopeningNone means no candidate is available; retry with creation
	// allowed.
	ReopeningNone ReopeningKind = iota
	// ReopeningFetch asks the caller to fetch the named bucket document.
	ReopeningFetch
	// ReopeningQuery asks the caller to run the supplied filter.
	ReopeningQuery
)

// ReopeningFilter describes the on-disk bucket a query-based reopening is
// looking for: same namespace and metadata, with a minimum time inside the
// window that could still absorb the measurement.
type ReopeningFilter struct {
	Namespace         string
	Metadata          document.Metadata
	MinTimeLowerBound time.Time
	MinTimeUpperBound time.Time
}

// ReopeningRequest is returned from a blocked try-insert so the caller can
// materialize a candidate bucket document and feed it back through Insert.
type ReopeningRequest struct {
	Kind       ReopeningKind
	BucketID   bucketid.BucketID
	Filter     ReopeningFilter
	CatalogEra uint64
}

// ReopeningContext carries a previously materialized candidate back into
// Insert, along with how it was obtained so fetch/query statistics stay
// accurate. Raw may be nil when the fetch or query came back empty.
type ReopeningContext struct {
	Fetched    bool
	Queried    bool
	Raw        []byte
	CatalogEra uint64
}

// InsertResult is the outcome of an insert attempt. Exactly one of Batch and
// Reopening is set: Batch on success, Reopening when a try-insert was blocked
// by a rollover and a candidate should be attached before retrying.
// ClosedBuckets carries any buckets the insert closed as a side effect, for
// the caller to hand to compression.
type InsertResult struct {
	Batch         *WriteBatch
	Reopening     *ReopeningRequest
	BlockedReason RolloverReason
	ClosedBuckets []*ClosedBucket
}

// CommitInfo reports the outcome of the caller's durable write to Finish.
type CommitInfo struct {
	// Err is the storage write failure, if any. A non-nil Err aborts the
	// batch and cascades to sibling batches on the bucket.
	Err error
}

// StorageReader materializes reopening candidates from durable storage.
type StorageReader interface {
	// FetchBucketDocument fetches a bucket document by identifier. A nil
	// document with nil error means not found.
	FetchBucketDocument(namespace string, id bucketid.OID) ([]byte, error)

	// QueryCandidateBucket runs a reopening filter. A nil document with
	// nil error means no match.
	QueryCandidateBucket(namespace string, filter ReopeningFilter) ([]byte, error)
}

// Validator checks an on-disk bucket document before rehydration.
type Validator interface {
	// Validate returns a non-nil error to reject the document.
	Validate(raw []byte) error
}

// Compressor compresses a final bucket document. It reports false when the
// input is incompressible and should be stored as-is.
type Compressor interface {
	Compress(raw []byte) ([]byte, bool)
}
