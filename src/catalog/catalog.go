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
	"fmt"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
	"github.com/m3db/bucketcatalog/src/catalog/bucketstate"
	"github.com/m3db/bucketcatalog/src/catalog/document"
	"github.com/m3db/bucketcatalog/src/x/clock"
)

// baseBucketOverhead is the size charged to a fresh bucket for its document
// skeleton before any measurement lands.
const baseBucketOverhead = 128

// removalMode says which lifecycle path is removing a bucket from its
// stripe, which determines the registry transition.
type removalMode uint8

const (
	// removalAbort erases the state, or downgrades it to untracked while
	// a direct write is still in flight.
	removalAbort removalMode = iota
	// removalClose expects PendingCompression already set; the closed
	// bucket handle owns the state from here.
	removalClose
	// removalArchive leaves the clean state in place for a later reopen.
	removalArchive
)

// BucketCatalog coalesces measurements into buckets across a set of lock
// stripes. Construct one per owning service context with NewBucketCatalog;
// it is safe for concurrent use.
type BucketCatalog struct {
	opts     Options
	log      *zap.Logger
	nowFn    clock.NowFn
	registry *bucketstate.Registry

	stripes    []*stripe
	stripeMask uint64

	memoryUsage   atomic.Int64
	activeBuckets atomic.Int64

	metrics     catalogMetrics
	globalStats *executionStats

	statsMtx sync.RWMutex
	nsStats  map[string]*executionStats

	closed atomic.Bool
}

// NewBucketCatalog constructs a catalog from options.
func NewBucketCatalog(opts Options) (*BucketCatalog, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	stripes := make([]*stripe, opts.Stripes())
	for i := range stripes {
		stripes[i] = newStripe()
	}
	return &BucketCatalog{
		opts:        opts,
		log:         opts.InstrumentOptions().Logger(),
		nowFn:       opts.ClockOptions().NowFn(),
		registry:    bucketstate.NewRegistry(),
		stripes:     stripes,
		stripeMask:  uint64(opts.Stripes() - 1),
		metrics:     newCatalogMetrics(opts.InstrumentOptions().MetricsScope()),
		globalStats: &executionStats{},
		nsStats:     make(map[string]*executionStats),
	}, nil
}

// insertionInfo carries the per-insert context through the stripe-level
// helpers.
type insertionInfo struct {
	key       bucketid.BucketKey
	series    SeriesOptions
	opID      OperationID
	time      time.Time
	doc       document.Document
	stats     statsHolder
	stripeIdx int
}

// Insert routes a measurement to its bucket, creating, reopening or rolling
// buckets over as needed, and returns the batch it landed in. A reopening
// context from an earlier blocked TryInsert may be attached.
func (c *BucketCatalog) Insert(
	namespace string,
	series SeriesOptions,
	opID OperationID,
	doc document.Document,
	mode CombineMode,
	reopening *ReopeningContext,
) (InsertResult, error) {
	return c.insert(namespace, series, opID, doc, mode, reopening, true)
}

// TryInsert is the probe form of Insert: it never creates or rolls over a
// bucket. When blocked it returns a reopening request describing the on-disk
// candidate worth attaching to the retry.
func (c *BucketCatalog) TryInsert(
	namespace string,
	series SeriesOptions,
	opID OperationID,
	doc document.Document,
	mode CombineMode,
) (InsertResult, error) {
	return c.insert(namespace, series, opID, doc, mode, nil, false)
}

// InsertWithReopening is the full two-phase loop over TryInsert and Insert,
// using the configured storage reader to materialize any reopening
// candidate.
func (c *BucketCatalog) InsertWithReopening(
	namespace string,
	series SeriesOptions,
	opID OperationID,
	doc document.Document,
	mode CombineMode,
) (InsertResult, error) {
	result, err := c.TryInsert(namespace, series, opID, doc, mode)
	if err != nil || result.Batch != nil {
		return result, err
	}
	var ctx *ReopeningContext
	reader := c.opts.StorageReader()
	if req := result.Reopening; req != nil && reader != nil {
		ctx = &ReopeningContext{CatalogEra: req.CatalogEra}
		switch req.Kind {
		case ReopeningFetch:
			ctx.Fetched = true
			if raw, err := reader.FetchBucketDocument(namespace, req.BucketID.OID); err == nil {
				ctx.Raw = raw
			}
		case ReopeningQuery:
			ctx.Queried = true
			if raw, err := reader.QueryCandidateBucket(namespace, req.Filter); err == nil {
				ctx.Raw = raw
			}
		}
	}
	retried, err := c.insert(namespace, series, opID, doc, mode, ctx, true)
	retried.ClosedBuckets = append(result.ClosedBuckets, retried.ClosedBuckets...)
	return retried, err
}

func (c *BucketCatalog) insert(
	namespace string,
	series SeriesOptions,
	opID OperationID,
	doc document.Document,
	mode CombineMode,
	reopening *ReopeningContext,
	allowCreation bool,
) (InsertResult, error) {
	if c.closed.Load() {
		return InsertResult{}, ErrCatalogClosed
	}
	timeValue, ok := doc.Timestamp(series.TimeField)
	if !ok {
		return InsertResult{}, pkgerrors.Errorf(
			"measurement has no timestamp field %q", series.TimeField)
	}

	var metaValue document.Value
	if series.MetaField != "" {
		metaValue, _ = doc.Get(series.MetaField)
	}
	key := bucketid.NewBucketKey(namespace, document.NewMetadata(series.MetaField, metaValue))
	stats := c.namespaceStats(namespace)
	if mode == CombineAllow {
		opID = 0
	}
	if reopening != nil {
		if reopening.Fetched {
			if reopening.Raw != nil {
				stats.incBucketsFetched()
			} else {
				stats.incBucketFetchesFailed()
			}
		}
		if reopening.Queried {
			if reopening.Raw != nil {
				stats.incBucketsQueried()
			} else {
				stats.incBucketQueriesFailed()
			}
		}
	}

	stripeIdx := int(key.Hash() & c.stripeMask)
	info := insertionInfo{
		key:       key,
		series:    series,
		opID:      opID,
		time:      timeValue.Time,
		doc:       doc,
		stats:     stats,
		stripeIdx: stripeIdx,
	}
	s := c.stripes[stripeIdx]

	var result InsertResult
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if reopening != nil && reopening.Raw != nil {
		b, err := c.useReopenedBucket(s, info, reopening, &result)
		switch {
		case err == nil && b != nil:
			c.insertIntoBucket(s, b, info, true, &result)
			return result, nil
		case pkgerrors.Is(err, ErrWriteConflict):
			stats.incBucketReopeningsFailed()
			return result, err
		case err != nil:
			c.log.Debug("discarding bucket reopening candidate",
				zap.String("namespace", namespace), zap.Error(err))
		}
	}

	b := c.useBucket(s, info, allowCreation, &result)
	if b == nil {
		result.Reopening = c.reopeningRequest(s, info, true)
		return result, nil
	}
	reason := c.insertIntoBucket(s, b, info, allowCreation, &result)
	if reason == RolloverNoReason {
		return result, nil
	}

	// The try-insert probe was blocked. For the time-based reasons an
	// already-open sibling bucket may still absorb the measurement before
	// we ask the caller to go fetch a candidate.
	if b.allCommitted() {
		s.markIdle(b)
	}
	if reason == RolloverTimeForward || reason == RolloverTimeBackward {
		if alt := c.useAlternateBucket(s, info); alt != nil {
			if r := c.insertIntoBucket(s, alt, info, false, &result); r == RolloverNoReason {
				return result, nil
			}
		}
	}
	result.BlockedReason = reason
	result.Reopening = c.reopeningRequest(s, info, reason == RolloverTimeBackward)
	return result, nil
}

// insertIntoBucket appends the measurement to the bucket's active batch.
// When the bucket must roll over: with allowRollover the rollover is taken, a
// replacement allocated and the measurement lands there. Without it only the
// soft closures block, since their stored bucket may be worth reopening; a
// hard closure can never be reopened, so blocking would cost the caller a
// round trip for nothing and the rollover is taken anyway.
func (c *BucketCatalog) insertIntoBucket(
	s *stripe,
	b *bucket,
	info insertionInfo,
	allowRollover bool,
	result *InsertResult,
) RolloverReason {
	newFields, sizeDelta := b.calculateFieldsAndSizeChange(info.doc)
	action, reason := c.determineRolloverAction(b, rolloverContext{
		time:          info.time,
		doc:           info.doc,
		sizeDelta:     sizeDelta,
		activeBuckets: c.activeBuckets.Load(),
	})
	if action != RolloverNone {
		if !allowRollover && action != RolloverHardClose {
			return reason
		}
		c.rollover(s, b, action, reason, info.stats, result)
		b = c.allocateBucket(s, info, false, result)
		newFields, sizeDelta = b.calculateFieldsAndSizeChange(info.doc)
		b.schema.Update(info.doc, info.series.TimeField, info.series.MetaField)
	}

	batch := b.activeBatch(info.opID, info.stats)
	batch.measurements = append(batch.measurements, info.doc)
	for _, f := range newFields {
		if _, pending := b.uncommittedFieldNames[f]; !pending {
			b.uncommittedFieldNames[f] = struct{}{}
			batch.newFieldNames = append(batch.newFieldNames, f)
		}
	}
	b.numMeasurements++
	b.size += sizeDelta
	c.addMemory(int64(sizeDelta))
	s.markNotIdle(b)
	result.Batch = batch
	return RolloverNoReason
}

// useBucket returns the key's current open bucket, skipping superseded ones
// and aborting any whose state conflicts with insertion, allocating a fresh
// bucket if allowed.
func (c *BucketCatalog) useBucket(
	s *stripe,
	info insertionInfo,
	allowCreation bool,
	result *InsertResult,
) *bucket {
	open := s.openBuckets[info.key.MapKey()]
	for i := 0; i < len(open); i++ {
		b := open[i]
		if b.rolloverAction != RolloverNone {
			continue
		}
		state, tracked := c.registry.GetTrackedState(b.tracked)
		if tracked && !state.ConflictsWithInsertion() {
			return b
		}
		c.abortBucket(s, b, nil, BucketClearedError{ID: b.handle.ID})
		// The open set was mutated under us; restart the scan.
		open = s.openBuckets[info.key.MapKey()]
		i = -1
	}
	if !allowCreation {
		return nil
	}
	return c.allocateBucket(s, info, true, result)
}

// useAlternateBucket looks for a superseded but still-open bucket of the
// same key whose time window fits the measurement.
func (c *BucketCatalog) useAlternateBucket(s *stripe, info insertionInfo) *bucket {
	maxSpan := info.series.Granularity.MaxSpan()
	for _, b := range s.openBuckets[info.key.MapKey()] {
		if b.rolloverAction == RolloverNone || b.rolloverAction == RolloverHardClose {
			continue
		}
		if info.time.Before(b.minTime) || info.time.Sub(b.minTime) >= maxSpan {
			continue
		}
		state, tracked := c.registry.GetTrackedState(b.tracked)
		if !tracked || state.ConflictsWithInsertion() {
			if tracked && state.IsSet(bucketstate.FlagCleared) {
				c.abortBucket(s, b, nil, BucketClearedError{ID: b.handle.ID})
			}
			continue
		}
		return b
	}
	return nil
}

// allocateBucket expires idle buckets under memory pressure, then creates
// and installs a fresh bucket for the key.
func (c *BucketCatalog) allocateBucket(
	s *stripe,
	info insertionInfo,
	openedDueToMetadata bool,
	result *InsertResult,
) *bucket {
	c.expireIdleBuckets(s, info.stats, result)

	rounded := info.series.Granularity.RoundTimestamp(info.time)
	var id bucketid.BucketID
	for {
		id = bucketid.BucketID{
			Namespace: info.key.Namespace,
			OID:       bucketid.GenerateOID(info.time, rounded),
		}
		if _, exists := s.allBuckets[id]; exists {
			continue
		}
		if _, tracked := c.registry.GetState(id); !tracked {
			break
		}
	}
	c.registry.InitializeNewState(id)
	tracked := c.registry.StartTracking(id)

	handle := BucketHandle{
		ID:     id,
		Key:    info.key,
		stripe: info.stripeIdx,
		series: info.series,
	}
	b := newBucket(handle, tracked, info.stats, rounded)
	b.size = baseBucketOverhead + len(info.key.MapKey())
	s.allBuckets[id] = b
	s.addOpen(b)
	c.addMemory(int64(b.size))
	c.addActive(1)
	if openedDueToMetadata {
		info.stats.incBucketsOpenedDueToMetadata()
	}
	return b
}

// rollover applies a rollover decision to the superseded bucket: immediately
// when it has no in-flight work, deferred to its last batch's settle
// otherwise.
func (c *BucketCatalog) rollover(
	s *stripe,
	b *bucket,
	action RolloverAction,
	reason RolloverReason,
	stats statsHolder,
	result *InsertResult,
) {
	if !b.allCommitted() {
		b.rolloverAction = action
		b.rolloverReason = reason
		return
	}
	if action == RolloverArchive {
		if cb, archived := c.archiveBucket(s, b); archived {
			stats.incBucketsArchivedDueToTimeBackward()
		} else {
			stats.incBucketsClosed(reason)
			result.ClosedBuckets = append(result.ClosedBuckets, cb)
		}
		return
	}
	stats.incBucketsClosed(reason)
	cb := c.closeBucket(s, b, action == RolloverSoftClose)
	result.ClosedBuckets = append(result.ClosedBuckets, cb)
}

// closeBucket hands the bucket off to compression and removes it from the
// stripe.
func (c *BucketCatalog) closeBucket(s *stripe, b *bucket, eligibleForReopening bool) *ClosedBucket {
	cb := newClosedBucket(c.registry, c.opts.Compressor(), b.handle.ID, eligibleForReopening)
	c.removeBucket(s, b, removalClose)
	return cb
}

// archiveBucket downgrades the bucket to an archived record. On a time
// collision with an existing record the existing one wins and the bucket is
// hard-closed instead; the returned ClosedBucket is non-nil in that case.
func (c *BucketCatalog) archiveBucket(s *stripe, b *bucket) (*ClosedBucket, bool) {
	record := archivedBucket{
		id:        b.handle.ID,
		timeField: b.handle.series.TimeField,
		minTime:   b.minTime,
	}
	if !s.addArchived(b.handle.Key.Hash(), record) {
		return c.closeBucket(s, b, false), false
	}
	c.addMemory(int64(record.memorySize()))
	c.removeBucket(s, b, removalArchive)
	return nil, true
}

// removeBucket detaches a committed bucket from its stripe and applies the
// removal mode's registry transition.
func (c *BucketCatalog) removeBucket(s *stripe, b *bucket, mode removalMode) {
	if !b.allCommitted() {
		panic(fmt.Sprintf("removing bucket %s with in-flight batches", b.handle.ID.OID))
	}
	delete(s.allBuckets, b.handle.ID)
	s.removeOpen(b)
	s.markNotIdle(b)
	c.addMemory(-int64(b.size))
	c.addActive(-1)

	switch mode {
	case removalAbort:
		c.registry.ChangeState(b.handle.ID,
			func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
				if exists && current.ConflictsWithReopening() {
					return current.SetFlag(bucketstate.FlagUntracked), true
				}
				return bucketstate.State{}, false
			})
	case removalClose:
		c.registry.ChangeState(b.handle.ID,
			func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
				if !exists || !current.IsSet(bucketstate.FlagPendingCompression) {
					panic(fmt.Sprintf(
						"bucket %s closed without pending compression, state %s",
						b.handle.ID.OID, current))
				}
				return current, true
			})
	case removalArchive:
		// State survives untouched for the later reopen.
	}
	c.registry.StopTracking(b.tracked)
}

// expireIdleBuckets frees memory ahead of an allocation: oldest idle buckets
// are archived (or closed when archiving is off or the state conflicts),
// then archived records themselves are evicted, within the per-attempt
// budget.
func (c *BucketCatalog) expireIdleBuckets(s *stripe, stats statsHolder, result *InsertResult) {
	expired := 0
	budget := c.opts.MaxIdleExpiryPerAttempt()
	threshold := c.opts.IdleMemoryThreshold()

	for expired < budget && s.idleBuckets.Len() > 0 && c.memoryUsage.Load() > threshold {
		b := s.idleBuckets.Back().Value.(*bucket)
		state, tracked := c.registry.GetTrackedState(b.tracked)
		switch {
		case !tracked || state.IsSet(bucketstate.FlagCleared):
			c.removeBucket(s, b, removalAbort)
		case c.opts.ArchivingEnabled() && !state.ConflictsWithInsertion():
			if cb, archived := c.archiveBucket(s, b); archived {
				stats.incBucketsArchivedDueToMemoryThreshold()
			} else {
				stats.incBucketsClosedDueToMemoryThreshold()
				result.ClosedBuckets = append(result.ClosedBuckets, cb)
			}
		default:
			stats.incBucketsClosedDueToMemoryThreshold()
			result.ClosedBuckets = append(result.ClosedBuckets, c.closeBucket(s, b, false))
		}
		expired++
	}

	for expired < budget && c.memoryUsage.Load() > threshold {
		record, ok := s.popOldestArchived()
		if !ok {
			break
		}
		c.addMemory(-int64(record.memorySize()))
		c.registry.ChangeState(record.id,
			func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
				if exists && current.ConflictsWithReopening() {
					return current.SetFlag(bucketstate.FlagUntracked), true
				}
				return bucketstate.State{}, false
			})
		stats.incArchivedBucketsExpired()
		expired++
	}
}

// reopeningRequest builds the request a blocked try-insert hands back: an
// archived candidate to fetch when one fits, a query filter when allowed, or
// a bare retry-with-creation request.
func (c *BucketCatalog) reopeningRequest(s *stripe, info insertionInfo, allowQuery bool) *ReopeningRequest {
	era := c.registry.Era()
	maxSpan := info.series.Granularity.MaxSpan()

	if record, ok := s.findArchived(info.key.Hash(), info.time); ok &&
		info.time.Sub(record.minTime) < maxSpan {
		state, tracked := c.registry.GetState(record.id)
		if !tracked || !state.ConflictsWithReopening() {
			return &ReopeningRequest{
				Kind:       ReopeningFetch,
				BucketID:   record.id,
				CatalogEra: era,
			}
		}
		// A conflicting archived record is useless from here on out.
		s.removeArchived(info.key.Hash(), record.minTime)
		c.addMemory(-int64(record.memorySize()))
		c.registry.ChangeState(record.id,
			func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
				return current.SetFlag(bucketstate.FlagUntracked), exists
			})
	}
	if allowQuery {
		return &ReopeningRequest{
			Kind: ReopeningQuery,
			Filter: ReopeningFilter{
				Namespace:         info.key.Namespace,
				Metadata:          info.key.Metadata,
				MinTimeLowerBound: info.time.Add(-maxSpan),
				MinTimeUpperBound: info.time,
			},
			CatalogEra: era,
		}
	}
	return &ReopeningRequest{Kind: ReopeningNone, CatalogEra: era}
}

// useReopenedBucket installs (or reuses) a caller-supplied candidate bucket.
// A nil bucket with nil error means the candidate was consumed by neither
// path and the caller should fall through to normal lookup.
func (c *BucketCatalog) useReopenedBucket(
	s *stripe,
	info insertionInfo,
	reopening *ReopeningContext,
	result *InsertResult,
) (*bucket, error) {
	r, err := c.rehydrateBucket(reopening.Raw, info.key, info.series)
	if err != nil {
		return nil, err
	}
	targetEra := reopening.CatalogEra

	if existing, ok := s.allBuckets[r.id]; ok {
		if err := c.registry.RevalidateReopenedState(r.id, targetEra); err != nil {
			return nil, err
		}
		info.stats.incDuplicateBucketsReopened()
		return existing, nil
	}

	if err := c.registry.InitializeReopenedState(r.id, targetEra); err != nil {
		return nil, err
	}
	if rec, ok := s.removeArchived(info.key.Hash(), r.minTime.Time); ok {
		c.addMemory(-int64(rec.memorySize()))
	}

	// The reopened bucket supersedes whatever is currently open for the
	// key.
	open := append([]*bucket(nil), s.openBuckets[info.key.MapKey()]...)
	for _, ob := range open {
		if ob.rolloverAction != RolloverNone {
			continue
		}
		if ob.allCommitted() {
			result.ClosedBuckets = append(result.ClosedBuckets, c.closeBucket(s, ob, true))
		} else {
			ob.rolloverAction = RolloverSoftClose
			ob.rolloverReason = RolloverTimeBackward
		}
	}

	tracked := c.registry.StartTracking(r.id)
	handle := BucketHandle{
		ID:     r.id,
		Key:    info.key,
		stripe: info.stripeIdx,
		series: info.series,
	}
	b := newBucket(handle, tracked, info.stats, r.minTime.Time)
	b.minmax = r.minmax
	b.schema = r.schema
	for _, f := range r.fieldNames {
		b.fieldNames[f] = struct{}{}
	}
	b.numMeasurements = r.numMeasurements
	b.numCommittedMeasurements = r.numMeasurements
	b.size = r.size
	s.allBuckets[r.id] = b
	s.addOpen(b)
	c.addMemory(int64(b.size))
	c.addActive(1)
	info.stats.incBucketsReopened()
	return b, nil
}

// PrepareCommit freezes the batch for its durable write. It enforces at most
// one prepared batch per bucket, blocking on a competing prepared batch's
// result, and computes the batch's min/max documents and new field set. The
// caller must hold the batch's commit rights.
func (c *BucketCatalog) PrepareCommit(batch *WriteBatch) error {
	if !batch.commitRights.Load() {
		panic("preparing a batch without commit rights")
	}
	if batch.Finished() {
		return batch.GetResult()
	}
	s := c.stripes[batch.handle.stripe]

	var b *bucket
	for {
		s.mtx.Lock()
		if batch.Finished() {
			s.mtx.Unlock()
			return batch.GetResult()
		}
		found, ok := s.allBuckets[batch.handle.ID]
		if !ok {
			err := BucketClearedError{ID: batch.handle.ID}
			batch.finishWith(err)
			s.mtx.Unlock()
			return err
		}
		if found.preparedBatch == batch {
			// Already prepared by this caller.
			s.mtx.Unlock()
			return nil
		}
		if found.preparedBatch == nil {
			b = found
			b.preparedBatch = batch
			if b.batches[batch.opID] == batch {
				delete(b.batches, batch.opID)
			}
			break
		}
		other := found.preparedBatch
		s.mtx.Unlock()
		// Block on the competing writer's durable write, outside any
		// lock.
		other.GetResult() //nolint:errcheck
	}

	conflict := false
	_, exists := c.registry.ChangeTrackedState(b.tracked,
		func(current bucketstate.State, ex bool) (bucketstate.State, bool) {
			if !ex {
				conflict = true
				return current, false
			}
			if !current.IsPrepared() && current.ConflictsWithInsertion() {
				conflict = true
				return current, true
			}
			return current.SetFlag(bucketstate.FlagPrepared), true
		})
	if conflict || !exists {
		b.preparedBatch = nil
		err := BucketClearedError{ID: b.handle.ID}
		c.abortBucket(s, b, batch, err)
		batch.finishWith(err)
		s.mtx.Unlock()
		return err
	}

	batch.numPreviouslyCommitted = b.numCommittedMeasurements
	filtered := batch.newFieldNames[:0]
	for _, f := range batch.newFieldNames {
		if _, committed := b.fieldNames[f]; committed {
			continue
		}
		b.fieldNames[f] = struct{}{}
		delete(b.uncommittedFieldNames, f)
		filtered = append(filtered, f)
	}
	batch.newFieldNames = filtered

	for _, m := range batch.measurements {
		b.minmax.Update(m, b.handle.series.MetaField)
	}
	if batch.numPreviouslyCommitted == 0 {
		batch.min = b.minmax.Min()
		batch.max = b.minmax.Max()
	} else {
		batch.min = b.minmax.MinUpdates()
		batch.max = b.minmax.MaxUpdates()
	}
	s.markNotIdle(b)
	s.mtx.Unlock()
	return nil
}

// Finish settles a prepared batch after the caller's durable write. A
// reported write failure aborts instead, cascading to sibling batches. When
// the commit empties the bucket's in-flight work any deferred rollover is
// applied; the returned ClosedBucket, if any, is the compression hand-off.
func (c *BucketCatalog) Finish(batch *WriteBatch, info CommitInfo) (*ClosedBucket, error) {
	if info.Err != nil {
		c.Abort(batch, info.Err)
		return nil, info.Err
	}
	s := c.stripes[batch.handle.stripe]
	s.mtx.Lock()
	defer s.mtx.Unlock()

	batch.finishWith(nil)
	stats := batch.stats
	stats.incCommits()
	if batch.numPreviouslyCommitted == 0 {
		stats.incBucketInserts()
	} else {
		stats.incBucketUpdates()
	}
	stats.incMeasurementsCommitted(len(batch.measurements))

	b, ok := s.allBuckets[batch.handle.ID]
	if !ok {
		// The bucket left the stripe through another path; drop any
		// leftover prepared flag.
		c.registry.ChangeState(batch.handle.ID,
			func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
				return current.UnsetFlag(bucketstate.FlagPrepared), exists
			})
		return nil, nil
	}
	if b.preparedBatch != batch {
		panic(fmt.Sprintf("finishing batch that is not prepared on bucket %s", b.handle.ID.OID))
	}
	b.preparedBatch = nil
	b.numCommittedMeasurements = batch.numPreviouslyCommitted + len(batch.measurements)

	state, exists := c.registry.ChangeTrackedState(b.tracked,
		func(current bucketstate.State, ex bool) (bucketstate.State, bool) {
			return current.UnsetFlag(bucketstate.FlagPrepared), ex
		})
	if !exists || state.IsSet(bucketstate.FlagCleared) {
		c.abortBucket(s, b, nil, BucketClearedError{ID: b.handle.ID})
		return nil, nil
	}
	if !b.allCommitted() {
		return nil, nil
	}

	switch b.rolloverAction {
	case RolloverHardClose, RolloverSoftClose:
		stats.incBucketsClosed(b.rolloverReason)
		return c.closeBucket(s, b, b.rolloverAction == RolloverSoftClose), nil
	case RolloverArchive:
		if cb, archived := c.archiveBucket(s, b); !archived {
			stats.incBucketsClosed(b.rolloverReason)
			return cb, nil
		}
		stats.incBucketsArchivedDueToTimeBackward()
		return nil, nil
	default:
		s.markIdle(b)
		return nil, nil
	}
}

// Abort fails the batch and every other unprepared batch on its bucket with
// the same cause. The caller must hold the batch's commit rights. The bucket
// is removed unless a different prepared batch is still in flight, in which
// case removal defers to that batch's own settle.
func (c *BucketCatalog) Abort(batch *WriteBatch, cause error) {
	if !batch.commitRights.Load() {
		panic("aborting a batch without commit rights")
	}
	if cause == nil {
		cause = pkgerrors.New("write batch aborted")
	}
	s := c.stripes[batch.handle.stripe]
	s.mtx.Lock()
	defer s.mtx.Unlock()

	batch.finishWith(cause)
	if b, ok := s.allBuckets[batch.handle.ID]; ok {
		c.abortBucket(s, b, batch, cause)
	}
}

// abortBucket fails every unprepared batch on the bucket and removes it when
// no foreign prepared batch blocks removal. Caller holds the stripe lock;
// caller (if any) is the batch driving the abort, already settled.
func (c *BucketCatalog) abortBucket(s *stripe, b *bucket, caller *WriteBatch, cause error) {
	for _, other := range b.batches {
		if other != caller {
			other.finishWith(cause)
		}
	}
	b.batches = make(map[OperationID]*WriteBatch)

	remove := true
	if b.preparedBatch != nil {
		if b.preparedBatch == caller {
			b.preparedBatch = nil
		} else {
			remove = false
			c.registry.ChangeTrackedState(b.tracked,
				func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
					return current.SetFlag(bucketstate.FlagCleared), exists
				})
		}
	}
	if remove {
		c.removeBucket(s, b, removalAbort)
	}
}

// DirectWriteStart brackets the start of an external write to a raw bucket
// document, so the catalog cannot race it.
func (c *BucketCatalog) DirectWriteStart(namespace string, oid bucketid.OID) error {
	return c.registry.DirectWriteStart(bucketid.BucketID{Namespace: namespace, OID: oid})
}

// DirectWriteFinish closes the bracket opened by DirectWriteStart.
func (c *BucketCatalog) DirectWriteFinish(namespace string, oid bucketid.OID) {
	c.registry.DirectWriteFinish(bucketid.BucketID{Namespace: namespace, OID: oid})
}

// Clear invalidates every tracked bucket whose namespace matches the
// predicate, in constant time; affected buckets observe the clear lazily.
func (c *BucketCatalog) Clear(shouldClear func(namespace string) bool) {
	c.registry.ClearSetOfBuckets(func(id bucketid.BucketID) bool {
		return shouldClear(id.Namespace)
	})
	c.log.Debug("registered bucket clear operation")
}

// ClearNamespace invalidates all buckets of one namespace.
func (c *BucketCatalog) ClearNamespace(namespace string) {
	c.Clear(func(ns string) bool { return ns == namespace })
}

// ClearDatabase invalidates all buckets of every namespace under a database.
func (c *BucketCatalog) ClearDatabase(db string) {
	prefix := db + "."
	c.Clear(func(ns string) bool {
		return ns == db || strings.HasPrefix(ns, prefix)
	})
}

// ClearBucket invalidates one bucket by identifier.
func (c *BucketCatalog) ClearBucket(namespace string, oid bucketid.OID) error {
	return c.registry.ClearBucketByID(bucketid.BucketID{Namespace: namespace, OID: oid})
}

// ReopenBucket validates and installs an externally supplied bucket
// document, superseding any open bucket for its key. Closed buckets produced
// by the hand-off are returned for compression.
func (c *BucketCatalog) ReopenBucket(
	namespace string,
	series SeriesOptions,
	raw []byte,
) ([]*ClosedBucket, error) {
	if c.closed.Load() {
		return nil, ErrCatalogClosed
	}
	doc, err := document.ParseDocument(raw)
	if err != nil {
		return nil, pkgerrors.Wrapf(ErrBadBucketDocument, "unparseable candidate: %v", err)
	}
	var metaValue document.Value
	if series.MetaField != "" {
		metaValue, _ = doc.Get(bucketFieldMeta)
	}
	key := bucketid.NewBucketKey(namespace, document.NewMetadata(series.MetaField, metaValue))
	stripeIdx := int(key.Hash() & c.stripeMask)
	info := insertionInfo{
		key:       key,
		series:    series,
		stats:     c.namespaceStats(namespace),
		stripeIdx: stripeIdx,
	}
	s := c.stripes[stripeIdx]

	var result InsertResult
	s.mtx.Lock()
	defer s.mtx.Unlock()
	reopening := &ReopeningContext{Raw: raw, CatalogEra: c.registry.Era()}
	if _, err := c.useReopenedBucket(s, info, reopening, &result); err != nil {
		if pkgerrors.Is(err, ErrWriteConflict) {
			info.stats.incBucketReopeningsFailed()
		}
		return result.ClosedBuckets, err
	}
	return result.ClosedBuckets, nil
}

// GetMetadata returns the metadata document shared by every measurement in
// the handle's bucket.
func (c *BucketCatalog) GetMetadata(handle BucketHandle) document.Document {
	return handle.Key.Metadata.Element()
}

// MemoryUsage returns the catalog's tracked memory footprint in bytes.
func (c *BucketCatalog) MemoryUsage() int64 {
	return c.memoryUsage.Load()
}

// ExecutionStats returns the counter snapshot for one namespace.
func (c *BucketCatalog) ExecutionStats(namespace string) ExecutionStatsSnapshot {
	c.statsMtx.RLock()
	stats, ok := c.nsStats[namespace]
	c.statsMtx.RUnlock()
	if !ok {
		return ExecutionStatsSnapshot{}
	}
	return stats.snapshot()
}

// GlobalExecutionStats returns the catalog-wide counter snapshot.
func (c *BucketCatalog) GlobalExecutionStats() ExecutionStatsSnapshot {
	return c.globalStats.snapshot()
}

// StateRegistryStats returns the state registry's diagnostic snapshot.
func (c *BucketCatalog) StateRegistryStats() bucketstate.StatsSnapshot {
	return c.registry.Stats()
}

// StripeReport is one stripe's structural counts.
type StripeReport struct {
	OpenBuckets     int
	IdleBuckets     int
	ArchivedBuckets int
}

// CatalogReport is a point-in-time structural snapshot of the catalog for
// diagnostics.
type CatalogReport struct {
	Timestamp     time.Time
	ActiveBuckets int64
	MemoryUsage   int64
	Stripes       []StripeReport
	StateRegistry bucketstate.StatsSnapshot
	Execution     ExecutionStatsSnapshot
}

// Report assembles a CatalogReport.
func (c *BucketCatalog) Report() CatalogReport {
	report := CatalogReport{
		Timestamp:     c.nowFn(),
		ActiveBuckets: c.activeBuckets.Load(),
		MemoryUsage:   c.memoryUsage.Load(),
		Stripes:       make([]StripeReport, len(c.stripes)),
		StateRegistry: c.registry.Stats(),
		Execution:     c.globalStats.snapshot(),
	}
	for i, s := range c.stripes {
		s.mtx.Lock()
		archived := 0
		for _, records := range s.archivedBuckets {
			archived += len(records)
		}
		report.Stripes[i] = StripeReport{
			OpenBuckets:     len(s.allBuckets),
			IdleBuckets:     s.idleBuckets.Len(),
			ArchivedBuckets: archived,
		}
		s.mtx.Unlock()
	}
	return report
}

// Close drains the catalog: unprepared batches are failed with
// ErrCatalogClosed, prepared batches are waited on, and all buckets are
// released. Further inserts fail.
func (c *BucketCatalog) Close() error {
	if c.closed.Swap(true) {
		return ErrCatalogClosed
	}
	var prepared []*WriteBatch
	for _, s := range c.stripes {
		s.mtx.Lock()
		for _, b := range bucketsOf(s) {
			for _, batch := range b.batches {
				batch.finishWith(ErrCatalogClosed)
			}
			b.batches = make(map[OperationID]*WriteBatch)
			if b.preparedBatch != nil {
				prepared = append(prepared, b.preparedBatch)
				continue
			}
			c.removeBucket(s, b, removalAbort)
		}
		s.mtx.Unlock()
	}
	for _, batch := range prepared {
		batch.GetResult() //nolint:errcheck
	}
	// Whatever the settling writers left behind goes now.
	for _, s := range c.stripes {
		s.mtx.Lock()
		for _, b := range bucketsOf(s) {
			if b.allCommitted() {
				c.removeBucket(s, b, removalAbort)
			}
		}
		s.mtx.Unlock()
	}
	c.log.Debug("bucket catalog closed")
	return nil
}

func bucketsOf(s *stripe) []*bucket {
	buckets := make([]*bucket, 0, len(s.allBuckets))
	for _, b := range s.allBuckets {
		buckets = append(buckets, b)
	}
	return buckets
}

func (c *BucketCatalog) namespaceStats(namespace string) statsHolder {
	c.statsMtx.RLock()
	stats, ok := c.nsStats[namespace]
	c.statsMtx.RUnlock()
	if !ok {
		c.statsMtx.Lock()
		if stats, ok = c.nsStats[namespace]; !ok {
			stats = &executionStats{}
			c.nsStats[namespace] = stats
		}
		c.statsMtx.Unlock()
	}
	return statsHolder{ns: stats, global: c.globalStats, metrics: &c.metrics}
}

func (c *BucketCatalog) addMemory(delta int64) {
	c.metrics.memoryUsage.Update(float64(c.memoryUsage.Add(delta)))
}

func (c *BucketCatalog) addActive(delta int64) {
	c.metrics.activeBuckets.Update(float64(c.activeBuckets.Add(delta)))
}
