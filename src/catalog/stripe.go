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
	"sort"
	"sync"
	"time"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
)

// archivedBucket is the memory-light record kept after a full bucket is
// evicted, permitting cheap reopening for nearby-in-time late arrivals.
type archivedBucket struct {
	id        bucketid.BucketID
	timeField string
	minTime   time.Time
}

// memorySize approximates the record's footprint for the catalog's usage
// accounting.
func (a archivedBucket) memorySize() int {
	return len(a.id.Namespace) + len(a.id.OID) + len(a.timeField) + 48
}

// stripe is one lock-partition shard of the catalog's bucket maps. A bucket
// key maps to exactly one stripe for the key's lifetime, so all buckets of a
// series, across rollover, contend only with keys sharing the stripe.
type stripe struct {
	mtx sync.Mutex

	// allBuckets owns every live bucket by identifier.
	allBuckets map[bucketid.BucketID]*bucket

	// openBuckets indexes the buckets eligible for new inserts by the
	// key's canonical form. More than one entry exists for a key only
	// while superseded buckets still drain in-flight batches.
	openBuckets map[string][]*bucket

	// archivedBuckets maps a key hash to its archived records, sorted
	// descending by minimum time.
	archivedBuckets map[uint64][]archivedBucket

	// idleBuckets holds committed, inactive buckets, most recently idled
	// at the front. Values are *bucket.
	idleBuckets *list.List
}

func newStripe() *stripe {
	return &stripe{
		allBuckets:      make(map[bucketid.BucketID]*bucket),
		openBuckets:     make(map[string][]*bucket),
		archivedBuckets: make(map[uint64][]archivedBucket),
		idleBuckets:     list.New(),
	}
}

// addOpen registers a bucket in the open set for its key. Caller holds the
// stripe lock.
func (s *stripe) addOpen(b *bucket) {
	mapKey := b.handle.Key.MapKey()
	s.openBuckets[mapKey] = append(s.openBuckets[mapKey], b)
}

// removeOpen drops a bucket from its key's open set. Caller holds the lock.
func (s *stripe) removeOpen(b *bucket) {
	mapKey := b.handle.Key.MapKey()
	set := s.openBuckets[mapKey]
	for i, other := range set {
		if other == b {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	if len(set) == 0 {
		delete(s.openBuckets, mapKey)
	} else {
		s.openBuckets[mapKey] = set
	}
}

// markIdle pushes a bucket to the front of the idle list. Caller holds the
// lock.
func (s *stripe) markIdle(b *bucket) {
	if b.idleElem != nil {
		s.idleBuckets.MoveToFront(b.idleElem)
		return
	}
	b.idleElem = s.idleBuckets.PushFront(b)
}

// markNotIdle removes a bucket from the idle list. Caller holds the lock.
func (s *stripe) markNotIdle(b *bucket) {
	if b.idleElem != nil {
		s.idleBuckets.Remove(b.idleElem)
		b.idleElem = nil
	}
}

// addArchived records an archived bucket, keeping the key hash's records
// sorted descending by minimum time. Reports false when a record for the
// same key hash and time already exists; the existing record wins.
func (s *stripe) addArchived(keyHash uint64, record archivedBucket) bool {
	records := s.archivedBuckets[keyHash]
	i := sort.Search(len(records), func(i int) bool {
		return !records[i].minTime.After(record.minTime)
	})
	if i < len(records) && records[i].minTime.Equal(record.minTime) {
		return false
	}
	records = append(records, archivedBucket{})
	copy(records[i+1:], records[i:])
	records[i] = record
	s.archivedBuckets[keyHash] = records
	return true
}

// findArchived returns the archived record with the largest minimum time not
// after t for the key hash, if any.
func (s *stripe) findArchived(keyHash uint64, t time.Time) (archivedBucket, bool) {
	records := s.archivedBuckets[keyHash]
	i := sort.Search(len(records), func(i int) bool {
		return !records[i].minTime.After(t)
	})
	if i == len(records) {
		return archivedBucket{}, false
	}
	return records[i], true
}

// removeArchived drops the archived record for the key hash and time, if
// present.
func (s *stripe) removeArchived(keyHash uint64, minTime time.Time) (archivedBucket, bool) {
	records := s.archivedBuckets[keyHash]
	i := sort.Search(len(records), func(i int) bool {
		return !records[i].minTime.After(minTime)
	})
	if i == len(records) || !records[i].minTime.Equal(minTime) {
		return archivedBucket{}, false
	}
	removed := records[i]
	records = append(records[:i], records[i+1:]...)
	if len(records) == 0 {
		delete(s.archivedBuckets, keyHash)
	} else {
		s.archivedBuckets[keyHash] = records
	}
	return removed, true
}

// popOldestArchived removes and returns the oldest archived record across
// the stripe, for memory-pressure eviction.
func (s *stripe) popOldestArchived() (archivedBucket, bool) {
	var (
		oldestHash uint64
		oldest     archivedBucket
		found      bool
	)
	for hash, records := range s.archivedBuckets {
		candidate := records[len(records)-1]
		if !found || candidate.minTime.Before(oldest.minTime) {
			oldestHash, oldest, found = hash, candidate, true
		}
	}
	if !found {
		return archivedBucket{}, false
	}
	s.removeArchived(oldestHash, oldest.minTime)
	return oldest, true
}
