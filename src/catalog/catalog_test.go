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
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
	"github.com/m3db/bucketcatalog/src/catalog/document"
	"github.com/m3db/bucketcatalog/src/x/clock"
)

const testNamespace = "testdb.readings"

func testCatalog(t *testing.T, opts Options) *BucketCatalog {
	c, err := NewBucketCatalog(opts)
	require.NoError(t, err)
	return c
}

func testSeries() SeriesOptions {
	return SeriesOptions{
		TimeField:   "t",
		MetaField:   "meta",
		Granularity: GranularitySeconds,
	}
}

func baseTime() time.Time {
	return time.Date(2023, 4, 1, 12, 0, 30, 0, time.UTC)
}

func measurementWithMeta(tm time.Time, meta string, extra ...document.Field) document.Document {
	doc := document.D(
		document.F("t", document.Timestamp(tm)),
		document.F("meta", document.String(meta)),
	)
	return append(doc, extra...)
}

func measurementAt(tm time.Time, extra ...document.Field) document.Document {
	return measurementWithMeta(tm, "sensor-1", extra...)
}

func commitBatch(t *testing.T, c *BucketCatalog, batch *WriteBatch) *ClosedBucket {
	require.True(t, batch.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(batch))
	cb, err := c.Finish(batch, CommitInfo{})
	require.NoError(t, err)
	return cb
}

// bucketDocument builds a stored bucket document the way the durable layer
// would lay it out, for reopening tests.
func bucketDocument(
	t *testing.T,
	oid bucketid.OID,
	minTime, maxTime time.Time,
	rows int,
	closed bool,
) []byte {
	var timeCol, valCol document.Document
	for i := 0; i < rows; i++ {
		idx := strconv.Itoa(i)
		timeCol = append(timeCol, document.F(idx,
			document.Timestamp(minTime.Add(time.Duration(i)*time.Second))))
		valCol = append(valCol, document.F(idx, document.Number(float64(i))))
	}
	control := document.D(
		document.F("version", document.Number(1)),
		document.F("min", document.Object(document.D(
			document.F("t", document.Timestamp(minTime)),
			document.F("v", document.Number(0)),
		))),
		document.F("max", document.Object(document.D(
			document.F("t", document.Timestamp(maxTime)),
			document.F("v", document.Number(float64(rows-1))),
		))),
	)
	if closed {
		control = append(control, document.F("closed", document.Bool(true)))
	}
	doc := document.D(
		document.F("_id", document.String(oid.String())),
		document.F("control", document.Object(control)),
		document.F("meta", document.String("sensor-1")),
		document.F("data", document.Object(document.D(
			document.F("t", document.Object(timeCol)),
			document.F("v", document.Object(valCol)),
		))),
	)
	raw, err := document.MarshalDocument(doc)
	require.NoError(t, err)
	return raw
}

func TestCatalogBasicCommit(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()
	rounded := t0.Truncate(time.Minute)

	res, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0, document.F("v", document.Number(1))), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Nil(t, res.Reopening)
	assert.Equal(t, RolloverNoReason, res.BlockedReason)

	batch := res.Batch
	require.True(t, batch.ClaimCommitRights())
	assert.False(t, batch.ClaimCommitRights())

	require.NoError(t, c.PrepareCommit(batch))
	assert.Equal(t, 0, batch.NumPreviouslyCommitted())
	assert.ElementsMatch(t, []string{"t", "v"}, batch.NewFieldNames())
	assert.True(t, batch.Min().Equal(document.D(
		document.F("t", document.Timestamp(rounded)),
		document.F("v", document.Number(1)),
	)))
	assert.True(t, batch.Max().Equal(document.D(
		document.F("t", document.Timestamp(t0)),
		document.F("v", document.Number(1)),
	)))

	cb, err := c.Finish(batch, CommitInfo{})
	require.NoError(t, err)
	assert.Nil(t, cb)
	assert.NoError(t, batch.GetResult())

	stats := c.GlobalExecutionStats()
	assert.Equal(t, int64(1), stats.NumBucketInserts)
	assert.Equal(t, int64(1), stats.NumCommits)
	assert.Equal(t, int64(1), stats.NumMeasurementsCommitted)
	assert.Greater(t, c.MemoryUsage(), int64(0))
	assert.Equal(t, 1, c.StateRegistryStats().BucketsManaged)

	// A second commit to the same bucket is an update carrying only the
	// changed bounds.
	res2, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0, document.F("v", document.Number(0.5))), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.Equal(t, batch.Bucket().ID, res2.Batch.Bucket().ID)

	batch2 := res2.Batch
	require.True(t, batch2.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(batch2))
	assert.Equal(t, 1, batch2.NumPreviouslyCommitted())
	assert.Empty(t, batch2.NewFieldNames())
	assert.True(t, batch2.Min().Equal(document.D(document.F("v", document.Number(0.5)))))
	assert.Nil(t, batch2.Max())

	_, err = c.Finish(batch2, CommitInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketUpdates)
	assert.Equal(t, int64(1), c.ExecutionStats(testNamespace).NumBucketUpdates)
}

func TestCatalogBatchesPerOperation(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 7, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	res2, err := c.Insert(testNamespace, testSeries(), 7, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	res3, err := c.Insert(testNamespace, testSeries(), 9, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)

	// Same writer accumulates into one batch; a different writer gets its
	// own batch on the same bucket.
	assert.Same(t, res1.Batch, res2.Batch)
	assert.NotSame(t, res1.Batch, res3.Batch)
	assert.Equal(t, res1.Batch.Bucket().ID, res3.Batch.Bucket().ID)
	assert.Equal(t, OperationID(7), res1.Batch.OperationID())

	// Combining writers fold into the shared batch.
	res4, err := c.Insert(testNamespace, testSeries(), 21, measurementAt(t0), CombineAllow, nil)
	require.NoError(t, err)
	res5, err := c.Insert(testNamespace, testSeries(), 42, measurementAt(t0), CombineAllow, nil)
	require.NoError(t, err)
	assert.Same(t, res4.Batch, res5.Batch)
	assert.Equal(t, OperationID(0), res4.Batch.OperationID())
}

func TestCatalogMissingTimestamp(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	_, err := c.Insert(testNamespace, testSeries(), 1,
		document.D(document.F("v", document.Number(1))), CombineDisallow, nil)
	assert.Error(t, err)
}

func TestCatalogCountRolloverDeferred(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4).SetBucketMaxCount(1))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)

	// The bucket is full but its batch is still in flight, so the close
	// defers and the measurement lands in a fresh bucket.
	res2, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.NotEqual(t, res1.Batch.Bucket().ID, res2.Batch.Bucket().ID)
	assert.Empty(t, res2.ClosedBuckets)

	// Settling the last batch applies the deferred close.
	cb := commitBatch(t, c, res1.Batch)
	require.NotNil(t, cb)
	assert.False(t, cb.EligibleForReopening)
	assert.Equal(t, res1.Batch.Bucket().ID, cb.ID)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsClosedDueToCount)
	cb.Done()

	cb2 := commitBatch(t, c, res2.Batch)
	assert.Nil(t, cb2)
}

func TestCatalogSchemaChangeClosesImmediately(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0, document.F("a", document.Number(1))), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res1.Batch)

	res2, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0, document.F("a", document.String("str"))), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.NotEqual(t, res1.Batch.Bucket().ID, res2.Batch.Bucket().ID)
	require.Len(t, res2.ClosedBuckets, 1)

	cb := res2.ClosedBuckets[0]
	assert.False(t, cb.EligibleForReopening)
	assert.Equal(t, res1.Batch.Bucket().ID, cb.ID)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsClosedDueToSchemaChange)

	// While the hand-off is alive the state blocks reuse; compression
	// releases it.
	assert.Equal(t, 2, c.StateRegistryStats().BucketsManaged)
	compressed, ok := cb.Compress([]byte(strings.Repeat("x", 1000)))
	assert.True(t, ok)
	assert.Less(t, len(compressed), 1000)
	assert.Equal(t, 1, c.StateRegistryStats().BucketsManaged)
}

func TestCatalogTimeForwardSoftClose(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res1.Batch)

	res2, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0.Add(2*time.Hour)), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	require.Len(t, res2.ClosedBuckets, 1)
	assert.True(t, res2.ClosedBuckets[0].EligibleForReopening)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsClosedDueToTimeForward)
	res2.ClosedBuckets[0].Done()
}

func TestCatalogAlternateBucketAbsorbsInWindow(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	// Bucket A with an in-flight batch is superseded by a forward jump;
	// the close defers and B opens at the later window.
	resA, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	resB, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0.Add(90*time.Minute)), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotEqual(t, resA.Batch.Bucket().ID, resB.Batch.Bucket().ID)

	// A measurement behind B's window but inside A's still lands in A.
	res, err := c.TryInsert(testNamespace, testSeries(), 2,
		measurementAt(t0.Add(10*time.Second)), CombineDisallow)
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Equal(t, resA.Batch.Bucket().ID, res.Batch.Bucket().ID)
}

func TestCatalogSizeRollover(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4).SetBucketMaxSize(1000).SetBucketMinCount(1))
	t0 := baseTime()
	payload := document.F("payload", document.String(strings.Repeat("x", 200)))

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0, payload), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res1.Batch)

	// The second measurement overflows the size cap; the close defers to
	// the first batch's settle.
	res2, err := c.Insert(testNamespace, testSeries(), 2, measurementAt(t0, payload), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.NotEqual(t, res1.Batch.Bucket().ID, res2.Batch.Bucket().ID)

	cb := commitBatch(t, c, res1.Batch)
	require.NotNil(t, cb)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsClosedDueToSize)
	cb.Done()
}

func TestCatalogCachePressureRollover(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4).SetStorageCacheSize(2000).SetBucketMinCount(1))
	t0 := baseTime()
	payload := document.F("payload", document.String(strings.Repeat("x", 200)))

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0, payload), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res1.Batch)

	res2, err := c.Insert(testNamespace, testSeries(), 2, measurementAt(t0, payload), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.NotEqual(t, res1.Batch.Bucket().ID, res2.Batch.Bucket().ID)
	require.Len(t, res2.ClosedBuckets, 1)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsClosedDueToCachePressure)
	res2.ClosedBuckets[0].Done()
}

func TestCatalogTryInsertHardClosesFullBucket(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4).SetBucketMaxCount(2))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	res2, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	require.Same(t, res1.Batch, res2.Batch)
	commitBatch(t, c, res1.Batch)
	full := res1.Batch.Bucket().ID

	// A hard-closed bucket can never be reopened, so the probe form has
	// nothing to ask the caller for: it takes the rollover and the
	// measurement lands in a fresh bucket.
	res3, err := c.TryInsert(testNamespace, testSeries(), 2, measurementAt(t0), CombineDisallow)
	require.NoError(t, err)
	require.NotNil(t, res3.Batch)
	assert.NotEqual(t, full, res3.Batch.Bucket().ID)
	assert.Equal(t, RolloverNoReason, res3.BlockedReason)
	assert.Nil(t, res3.Reopening)
	require.Len(t, res3.ClosedBuckets, 1)
	assert.Equal(t, full, res3.ClosedBuckets[0].ID)
	assert.False(t, res3.ClosedBuckets[0].EligibleForReopening)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsClosedDueToCount)
	res3.ClosedBuckets[0].Done()
	commitBatch(t, c, res3.Batch)
}

func TestCatalogKeptOpenForLargeMeasurements(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4).SetBucketMaxSize(200))
	t0 := baseTime()
	payload := document.F("payload", document.String(strings.Repeat("x", 200)))

	// Below the minimum count the bucket absorbs measurements past the
	// size cap rather than splintering into one bucket per document.
	var first bucketid.BucketID
	for i := 0; i < 3; i++ {
		res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0, payload), CombineDisallow, nil)
		require.NoError(t, err)
		require.NotNil(t, res.Batch)
		if i == 0 {
			first = res.Batch.Bucket().ID
		}
		assert.Equal(t, first, res.Batch.Bucket().ID)
	}
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsKeptOpenDueToLargeMeasurements)
}

func TestCatalogArchiveAndReopenRoundTrip(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()
	rounded := t0.Truncate(time.Minute)

	resA, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0, document.F("v", document.Number(1))), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, resA.Batch)
	archivedID := resA.Batch.Bucket().ID

	// A backward jump archives A and opens B at the earlier window.
	resB, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(rounded.Add(-time.Hour), document.F("v", document.Number(2))), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, resB.Batch)
	assert.Empty(t, resB.ClosedBuckets)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsArchivedDueToTimeBackward)

	// A measurement back inside A's window blocks and names A as the
	// fetch candidate.
	probeTime := rounded.Add(40 * time.Second)
	probe, err := c.TryInsert(testNamespace, testSeries(), 2,
		measurementAt(probeTime, document.F("v", document.Number(5))), CombineDisallow)
	require.NoError(t, err)
	assert.Nil(t, probe.Batch)
	assert.Equal(t, RolloverTimeForward, probe.BlockedReason)
	req := probe.Reopening
	require.NotNil(t, req)
	assert.Equal(t, ReopeningFetch, req.Kind)
	assert.Equal(t, archivedID, req.BucketID)

	// Feeding the fetched document back lands the measurement in the
	// reopened bucket and supersedes B.
	raw := bucketDocument(t, archivedID.OID, rounded, rounded.Add(59*time.Second), 1, false)
	ctx := &ReopeningContext{Fetched: true, Raw: raw, CatalogEra: req.CatalogEra}
	res, err := c.Insert(testNamespace, testSeries(), 2,
		measurementAt(probeTime, document.F("v", document.Number(5))), CombineDisallow, ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Equal(t, archivedID, res.Batch.Bucket().ID)
	require.Len(t, res.ClosedBuckets, 1)
	assert.Equal(t, resB.Batch.Bucket().ID, res.ClosedBuckets[0].ID)
	assert.True(t, res.ClosedBuckets[0].EligibleForReopening)

	stats := c.GlobalExecutionStats()
	assert.Equal(t, int64(1), stats.NumBucketsFetched)
	assert.Equal(t, int64(1), stats.NumBucketsReopened)

	// The commit is an update against the one durably stored row, and the
	// bounds delta covers only what the new measurement moved.
	batch := res.Batch
	require.True(t, batch.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(batch))
	assert.Equal(t, 1, batch.NumPreviouslyCommitted())
	assert.Nil(t, batch.Min())
	assert.True(t, batch.Max().Equal(document.D(document.F("v", document.Number(5)))))
	_, err = c.Finish(batch, CommitInfo{})
	require.NoError(t, err)
}

func TestCatalogReopeningEraConflict(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()
	rounded := t0.Truncate(time.Minute)

	resA, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, resA.Batch)
	archivedID := resA.Batch.Bucket().ID

	resB, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(rounded.Add(-time.Hour)), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, resB.Batch)

	probe, err := c.TryInsert(testNamespace, testSeries(), 2,
		measurementAt(rounded.Add(40*time.Second)), CombineDisallow)
	require.NoError(t, err)
	req := probe.Reopening
	require.NotNil(t, req)
	require.Equal(t, ReopeningFetch, req.Kind)

	// A clear landing between the probe and the retry makes the candidate
	// stale.
	c.ClearNamespace(testNamespace)

	raw := bucketDocument(t, archivedID.OID, rounded, rounded.Add(59*time.Second), 1, false)
	ctx := &ReopeningContext{Fetched: true, Raw: raw, CatalogEra: req.CatalogEra}
	_, err = c.Insert(testNamespace, testSeries(), 2,
		measurementAt(rounded.Add(40*time.Second)), CombineDisallow, ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteConflict))
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketReopeningsFailed)
}

func TestCatalogQueryReopening(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()
	rounded := t0.Truncate(time.Minute)

	resA, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0, document.F("v", document.Number(1))), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, resA.Batch)

	// A backward jump with no archived candidate asks for a query over
	// the window that could still absorb the measurement.
	probeTime := rounded.Add(-30 * time.Minute)
	probe, err := c.TryInsert(testNamespace, testSeries(), 2,
		measurementAt(probeTime, document.F("v", document.Number(3))), CombineDisallow)
	require.NoError(t, err)
	assert.Nil(t, probe.Batch)
	assert.Equal(t, RolloverTimeBackward, probe.BlockedReason)
	req := probe.Reopening
	require.NotNil(t, req)
	require.Equal(t, ReopeningQuery, req.Kind)
	assert.Equal(t, testNamespace, req.Filter.Namespace)
	assert.True(t, req.Filter.MinTimeUpperBound.Equal(probeTime))
	assert.True(t, req.Filter.MinTimeLowerBound.Equal(probeTime.Add(-time.Hour)))

	// Supplying a queried candidate installs it and supersedes the open
	// bucket.
	candidateMin := rounded.Add(-time.Hour)
	candidateOID := bucketid.GenerateOID(candidateMin, candidateMin)
	raw := bucketDocument(t, candidateOID, candidateMin, candidateMin.Add(10*time.Second), 1, false)
	ctx := &ReopeningContext{Queried: true, Raw: raw, CatalogEra: req.CatalogEra}
	res, err := c.Insert(testNamespace, testSeries(), 2,
		measurementAt(probeTime, document.F("v", document.Number(3))), CombineDisallow, ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Equal(t, candidateOID, res.Batch.Bucket().ID.OID)
	require.Len(t, res.ClosedBuckets, 1)
	assert.Equal(t, resA.Batch.Bucket().ID, res.ClosedBuckets[0].ID)

	stats := c.GlobalExecutionStats()
	assert.Equal(t, int64(1), stats.NumBucketsQueried)
	assert.Equal(t, int64(1), stats.NumBucketsReopened)
}

type fakeStorageReader struct {
	mtx  sync.Mutex
	docs map[string][]byte
}

func newFakeStorageReader() *fakeStorageReader {
	return &fakeStorageReader{docs: make(map[string][]byte)}
}

func (r *fakeStorageReader) put(oid bucketid.OID, raw []byte) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.docs[oid.String()] = raw
}

func (r *fakeStorageReader) FetchBucketDocument(_ string, id bucketid.OID) ([]byte, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.docs[id.String()], nil
}

func (r *fakeStorageReader) QueryCandidateBucket(string, ReopeningFilter) ([]byte, error) {
	return nil, nil
}

func TestCatalogInsertWithReopening(t *testing.T) {
	reader := newFakeStorageReader()
	c := testCatalog(t, NewOptions().SetStripes(4).SetStorageReader(reader))
	t0 := baseTime()
	rounded := t0.Truncate(time.Minute)

	resA, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(t0, document.F("v", document.Number(1))), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, resA.Batch)
	archivedID := resA.Batch.Bucket().ID
	reader.put(archivedID.OID, bucketDocument(t, archivedID.OID, rounded, rounded.Add(59*time.Second), 1, false))

	resB, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(rounded.Add(-time.Hour), document.F("v", document.Number(2))), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, resB.Batch)

	// The two-phase loop probes, fetches the archived candidate through
	// the reader and lands the measurement in the reopened bucket.
	res, err := c.InsertWithReopening(testNamespace, testSeries(), 2,
		measurementAt(rounded.Add(40*time.Second), document.F("v", document.Number(5))), CombineDisallow)
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Equal(t, archivedID, res.Batch.Bucket().ID)
	require.Len(t, res.ClosedBuckets, 1)

	stats := c.GlobalExecutionStats()
	assert.Equal(t, int64(1), stats.NumBucketsFetched)
	assert.Equal(t, int64(1), stats.NumBucketsReopened)
	commitBatch(t, c, res.Batch)
}

func TestCatalogAbortCascades(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	res2, err := c.Insert(testNamespace, testSeries(), 2, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	require.Equal(t, res1.Batch.Bucket().ID, res2.Batch.Bucket().ID)

	cause := errors.New("storage write failed")
	require.True(t, res1.Batch.ClaimCommitRights())
	c.Abort(res1.Batch, cause)

	assert.Equal(t, cause, res1.Batch.GetResult())
	assert.Equal(t, cause, res2.Batch.GetResult())
	assert.Equal(t, 0, c.StateRegistryStats().BucketsManaged)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestCatalogAbortDefersToForeignPrepared(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	res2, err := c.Insert(testNamespace, testSeries(), 2, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)

	require.True(t, res1.Batch.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(res1.Batch))

	// Aborting a sibling must not yank the bucket out from under the
	// prepared writer; removal defers to that writer's settle.
	cause := errors.New("caller gave up")
	require.True(t, res2.Batch.ClaimCommitRights())
	c.Abort(res2.Batch, cause)
	assert.Equal(t, cause, res2.Batch.GetResult())
	assert.Equal(t, 1, c.StateRegistryStats().BucketsManaged)

	_, err = c.Finish(res1.Batch, CommitInfo{})
	require.NoError(t, err)
	assert.NoError(t, res1.Batch.GetResult())
	assert.Equal(t, 0, c.StateRegistryStats().BucketsManaged)
}

func TestCatalogFinishWithErrorAborts(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	batch := res.Batch
	require.True(t, batch.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(batch))

	boom := errors.New("durable write failed")
	cb, err := c.Finish(batch, CommitInfo{Err: boom})
	assert.Equal(t, boom, err)
	assert.Nil(t, cb)
	assert.Equal(t, boom, batch.GetResult())
	assert.Equal(t, 0, c.StateRegistryStats().BucketsManaged)
}

func TestCatalogClearFailsPrepare(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	batch := res.Batch
	oldID := batch.Bucket().ID

	c.ClearNamespace(testNamespace)

	require.True(t, batch.ClaimCommitRights())
	err = c.PrepareCommit(batch)
	require.Error(t, err)
	assert.True(t, IsBucketCleared(err))
	assert.Equal(t, err, batch.GetResult())

	// A retry lands in a freshly allocated bucket.
	res2, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.NotEqual(t, oldID, res2.Batch.Bucket().ID)
}

func TestCatalogClearDatabaseScopesByPrefix(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res1, err := c.Insert("testdb.readings", testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	res2, err := c.Insert("otherdb.readings", testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)

	c.ClearDatabase("testdb")

	require.True(t, res1.Batch.ClaimCommitRights())
	assert.True(t, IsBucketCleared(c.PrepareCommit(res1.Batch)))

	require.True(t, res2.Batch.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(res2.Batch))
	_, err = c.Finish(res2.Batch, CommitInfo{})
	require.NoError(t, err)
}

func TestCatalogClearBucketByID(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res.Batch)
	id := res.Batch.Bucket().ID

	require.NoError(t, c.ClearBucket(testNamespace, id.OID))

	res2, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.NotEqual(t, id, res2.Batch.Bucket().ID)
}

func TestCatalogDirectWriteBlocksInsertion(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res.Batch)
	id := res.Batch.Bucket().ID

	require.NoError(t, c.DirectWriteStart(testNamespace, id.OID))

	res2, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.NotEqual(t, id, res2.Batch.Bucket().ID)

	c.DirectWriteFinish(testNamespace, id.OID)
	assert.Equal(t, 1, c.StateRegistryStats().BucketsManaged)
}

func TestCatalogDirectWriteConflictsWithPrepared(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	batch := res.Batch
	require.True(t, batch.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(batch))

	err = c.DirectWriteStart(testNamespace, batch.Bucket().ID.OID)
	assert.True(t, errors.Is(err, ErrWriteConflict))

	_, err = c.Finish(batch, CommitInfo{})
	require.NoError(t, err)
}

func TestCatalogIdleExpiryCloses(t *testing.T) {
	c := testCatalog(t, NewOptions().
		SetStripes(1).
		SetIdleMemoryThreshold(1).
		SetArchivingEnabled(false))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementWithMeta(t0, "a"), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res1.Batch)

	// Allocating for a different series under memory pressure expires the
	// idle bucket.
	res2, err := c.Insert(testNamespace, testSeries(), 1, measurementWithMeta(t0, "b"), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	require.Len(t, res2.ClosedBuckets, 1)
	assert.Equal(t, res1.Batch.Bucket().ID, res2.ClosedBuckets[0].ID)
	assert.Equal(t, int64(1), c.GlobalExecutionStats().NumBucketsClosedDueToMemoryThreshold)
	res2.ClosedBuckets[0].Done()
}

func TestCatalogIdleExpiryArchivesAndEvicts(t *testing.T) {
	c := testCatalog(t, NewOptions().
		SetStripes(1).
		SetIdleMemoryThreshold(1))
	t0 := baseTime()

	res1, err := c.Insert(testNamespace, testSeries(), 1, measurementWithMeta(t0, "a"), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res1.Batch)

	// With archiving on the idle bucket is archived first; continued
	// pressure then evicts the archived record within the same budget.
	res2, err := c.Insert(testNamespace, testSeries(), 1, measurementWithMeta(t0, "b"), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res2.Batch)
	assert.Empty(t, res2.ClosedBuckets)

	stats := c.GlobalExecutionStats()
	assert.Equal(t, int64(1), stats.NumBucketsArchivedDueToMemoryThreshold)
	assert.Equal(t, int64(1), stats.NumArchivedBucketsExpiredDueToMemory)
}

func TestCatalogReopenBucket(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	minTime := baseTime().Truncate(time.Minute)
	oid := bucketid.GenerateOID(minTime, minTime)
	raw := bucketDocument(t, oid, minTime, minTime.Add(59*time.Second), 2, false)

	closed, err := c.ReopenBucket(testNamespace, testSeries(), raw)
	require.NoError(t, err)
	assert.Empty(t, closed)

	res, err := c.Insert(testNamespace, testSeries(), 1,
		measurementAt(minTime.Add(10*time.Second), document.F("v", document.Number(7))), CombineDisallow, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Equal(t, oid, res.Batch.Bucket().ID.OID)

	batch := res.Batch
	require.True(t, batch.ClaimCommitRights())
	require.NoError(t, c.PrepareCommit(batch))
	assert.Equal(t, 2, batch.NumPreviouslyCommitted())
	_, err = c.Finish(batch, CommitInfo{})
	require.NoError(t, err)
}

func TestCatalogReopenBucketRejectsBadDocuments(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	minTime := baseTime().Truncate(time.Minute)

	_, err := c.ReopenBucket(testNamespace, testSeries(), []byte("junk"))
	assert.True(t, errors.Is(err, ErrBadBucketDocument))

	// A closed stored bucket must never be reopened.
	oid := bucketid.GenerateOID(minTime, minTime)
	raw := bucketDocument(t, oid, minTime, minTime.Add(time.Second), 1, true)
	_, err = c.ReopenBucket(testNamespace, testSeries(), raw)
	assert.True(t, errors.Is(err, ErrBadBucketDocument))
}

func TestCatalogGetMetadata(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	meta := c.GetMetadata(res.Batch.Bucket())
	require.Len(t, meta, 1)
	assert.Equal(t, "meta", meta[0].Name)
	assert.Equal(t, document.String("sensor-1"), meta[0].Value)

	// Without a configured metadata field there is nothing to return.
	series := SeriesOptions{TimeField: "t", Granularity: GranularitySeconds}
	res2, err := c.Insert(testNamespace, series, 1,
		document.D(document.F("t", document.Timestamp(t0))), CombineDisallow, nil)
	require.NoError(t, err)
	assert.Nil(t, c.GetMetadata(res2.Batch.Bucket()))
}

func TestCatalogReport(t *testing.T) {
	fixed := time.Date(2023, 4, 2, 8, 0, 0, 0, time.UTC)
	copts := clock.NewOptions().SetNowFn(func() time.Time { return fixed })
	c := testCatalog(t, NewOptions().SetStripes(4).SetClockOptions(copts))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)
	commitBatch(t, c, res.Batch)

	report := c.Report()
	assert.True(t, report.Timestamp.Equal(fixed))
	assert.Equal(t, int64(1), report.ActiveBuckets)
	assert.Greater(t, report.MemoryUsage, int64(0))
	require.Len(t, report.Stripes, 4)

	open, idle := 0, 0
	for _, s := range report.Stripes {
		open += s.OpenBuckets
		idle += s.IdleBuckets
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, idle)
	assert.Equal(t, int64(1), report.Execution.NumCommits)
	assert.Equal(t, 1, report.StateRegistry.BucketsManaged)
}

func TestCatalogClose(t *testing.T) {
	c := testCatalog(t, NewOptions().SetStripes(4))
	t0 := baseTime()

	res, err := c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, errors.Is(res.Batch.GetResult(), ErrCatalogClosed))
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.Equal(t, 0, c.StateRegistryStats().BucketsManaged)

	_, err = c.Insert(testNamespace, testSeries(), 1, measurementAt(t0), CombineDisallow, nil)
	assert.True(t, errors.Is(err, ErrCatalogClosed))
	assert.True(t, errors.Is(c.Close(), ErrCatalogClosed))
}

func TestNewBucketCatalogValidatesOptions(t *testing.T) {
	_, err := NewBucketCatalog(NewOptions().SetStripes(3))
	assert.Error(t, err)

	_, err = NewBucketCatalog(NewOptions().SetBucketMaxCount(0))
	assert.Error(t, err)
}
