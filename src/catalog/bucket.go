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
	"container/list"
	"time"

	"github.com/m3db/bucketcatalog/src/catalog/bucketstate"
	"github.com/m3db/bucketcatalog/src/catalog/document"
)

// emptyObjSize is the encoded size of an empty embedded object, charged once
// per new field for each of the control.min and control.max entries.
const emptyObjSize = 12

// bucket is the in-memory accumulator for measurements sharing one key and
// one time window. It is owned by its stripe: every field is guarded by the
// stripe's lock.
type bucket struct {
	handle  BucketHandle
	tracked *bucketstate.Tracked
	stats   statsHolder

	// minTime is the rounded lower bound of the bucket's time window.
	minTime time.Time

	minmax *document.MinMax
	schema *document.Schema

	// fieldNames holds the data fields already durably committed;
	// uncommittedFieldNames those introduced by not-yet-prepared batches.
	fieldNames            map[string]struct{}
	uncommittedFieldNames map[string]struct{}

	numMeasurements          int
	numCommittedMeasurements int
	size                     int

	batches       map[OperationID]*WriteBatch
	preparedBatch *WriteBatch

	// rolloverAction is recorded when the bucket is superseded while
	// batches are still in flight; cleanup happens when the last batch
	// settles.
	rolloverAction RolloverAction
	rolloverReason RolloverReason

	keptOpenForLargeMeasurements bool

	// idleElem is non-nil iff the bucket sits on its stripe's idle list.
	idleElem *list.Element
}

func newBucket(handle BucketHandle, tracked *bucketstate.Tracked, stats statsHolder, minTime time.Time) *bucket {
	b := &bucket{
		handle:                handle,
		tracked:               tracked,
		stats:                 stats,
		minTime:               minTime,
		minmax:                document.NewMinMax(),
		schema:                document.NewSchema(),
		fieldNames:            make(map[string]struct{}),
		uncommittedFieldNames: make(map[string]struct{}),
		batches:               make(map[OperationID]*WriteBatch),
	}
	// Seed the minimum with the rounded window bound so control.min
	// reflects the bucket boundary rather than the first raw measurement
	// time.
	b.minmax.Update(document.D(
		document.F(handle.series.TimeField, document.Timestamp(minTime)),
	))
	return b
}

// allCommitted reports whether the bucket has no in-flight work and so may be
// removed, archived or idled.
func (b *bucket) allCommitted() bool {
	return len(b.batches) == 0 && b.preparedBatch == nil
}

// activeBatch returns the writer's open batch on this bucket, creating it on
// first use.
func (b *bucket) activeBatch(opID OperationID, stats statsHolder) *WriteBatch {
	if batch, ok := b.batches[opID]; ok {
		return batch
	}
	batch := newWriteBatch(b.handle, opID, stats)
	b.batches[opID] = batch
	return batch
}

// calculateFieldsAndSizeChange computes, without mutating the bucket, the
// data fields the measurement would introduce and the byte growth of the
// stored bucket document. Each brand-new field pays for its control.min and
// control.max entries plus its data column header; every field pays for its
// value stored under the next row index.
func (b *bucket) calculateFieldsAndSizeChange(doc document.Document) ([]string, int) {
	var (
		newFields []string
		sizeDelta int
	)
	indexLen := numDigits(b.numMeasurements)
	metaField := b.handle.series.MetaField
	for _, f := range doc {
		if metaField != "" && f.Name == metaField {
			continue
		}
		fieldNameSize := len(f.Name) + 1
		elemSize := fieldNameSize + 1 + f.Value.EncodedSize()
		if _, committed := b.fieldNames[f.Name]; !committed {
			newFields = append(newFields, f.Name)
			if _, pending := b.uncommittedFieldNames[f.Name]; !pending {
				sizeDelta += emptyObjSize + len(f.Name) + 2*elemSize
			}
		}
		sizeDelta += elemSize - fieldNameSize + indexLen + 1
	}
	return newFields, sizeDelta
}

func numDigits(n int) int {
	digits := 1
	for n >= 10 {
		n /= 10
		digits++
	}
	return digits
}
