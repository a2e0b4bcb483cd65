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

package bucketstate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
)

// ErrWriteConflict is returned when a state transition loses a race with a
// clear, a direct write, or a prepared batch.
var ErrWriteConflict = errors.New("bucket state write conflict")

// ShouldClearFn decides whether a clear operation covers a bucket.
type ShouldClearFn func(id bucketid.BucketID) bool

// ChangeStateFn computes a bucket's next state. exists reports whether the
// bucket currently has a state; returning keep=false erases the entry.
type ChangeStateFn func(current State, exists bool) (next State, keep bool)

// Tracked is the registry's handle to a live in-memory bucket. It remembers
// the last era at which the bucket was checked against the clear registry, so
// clears apply lazily the next time the bucket is touched.
type Tracked struct {
	ID bucketid.BucketID

	lastChecked uint64
}

type clearOp struct {
	era         uint64
	shouldClear ShouldClearFn
}

// StatsSnapshot is a point-in-time view of the registry, for diagnostics.
type StatsSnapshot struct {
	BucketsManaged          int
	CurrentEra              uint64
	ErasWithRemainingBucket int
	TrackedClearOperations  int
}

// Registry tracks the lifecycle state of every bucket and the set of pending
// clear operations. Clears are recorded as era-stamped predicates rather than
// applied eagerly; each live bucket catches up with predicates newer than its
// own era the next time it is used.
type Registry struct {
	mtx       sync.Mutex
	era       uint64
	states    map[bucketid.BucketID]State
	eraCounts map[uint64]uint64
	// clearOps is kept sorted ascending by era.
	clearOps []clearOp
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states:    make(map[bucketid.BucketID]State),
		eraCounts: make(map[uint64]uint64),
	}
}

// Era returns the current era.
func (r *Registry) Era() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.era
}

// StartTracking registers a live bucket at the current era and returns its
// handle.
func (r *Registry) StartTracking(id bucketid.BucketID) *Tracked {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.eraCounts[r.era]++
	return &Tracked{ID: id, lastChecked: r.era}
}

// StopTracking releases a live bucket's handle. The bucket's state entry, if
// any, is unaffected.
func (r *Registry) StopTracking(t *Tracked) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.decrementEraCount(t.lastChecked)
}

// BucketCountForEra returns the number of live buckets whose last checked era
// is the given one.
func (r *Registry) BucketCountForEra(era uint64) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return int(r.eraCounts[era])
}

// ClearOperationCount returns the number of clear operations still tracked.
func (r *Registry) ClearOperationCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.clearOps)
}

// ClearSetOfBuckets records a clear operation covering every bucket the
// predicate matches. The clear takes effect lazily: affected buckets observe
// it the next time their state is fetched through their handle.
func (r *Registry) ClearSetOfBuckets(shouldClear ShouldClearFn) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.era++
	r.clearOps = append(r.clearOps, clearOp{era: r.era, shouldClear: shouldClear})
}

// InitializeNewState installs a clean state for a freshly allocated bucket.
// The bucket must not already have a state.
func (r *Registry) InitializeNewState(id bucketid.BucketID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if s, ok := r.states[id]; ok {
		panic(fmt.Sprintf("bucket %s already has state %s at initialization", id.OID, s))
	}
	r.states[id] = State{}
}

// InitializeReopenedState installs a clean state for a reopened bucket.
// targetEra is the era captured when the reopening candidate was chosen; the
// reopening conflicts if any clear recorded since then covers the bucket, or
// if the bucket's current state forbids reopening.
func (r *Registry) InitializeReopenedState(id bucketid.BucketID, targetEra uint64) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, op := range r.clearOps {
		if op.era > targetEra && op.shouldClear(id) {
			return ErrWriteConflict
		}
	}
	if s, ok := r.states[id]; ok && s.ConflictsWithReopening() {
		return ErrWriteConflict
	}
	r.states[id] = State{}
	return nil
}

// RevalidateReopenedState re-checks a reopening that landed on a bucket the
// catalog still holds in memory. Unlike InitializeReopenedState it preserves
// the existing state, only shedding a Cleared flag, since the bucket is being
// legitimately reinstated from its durable copy.
func (r *Registry) RevalidateReopenedState(id bucketid.BucketID, targetEra uint64) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, op := range r.clearOps {
		if op.era > targetEra && op.shouldClear(id) {
			return ErrWriteConflict
		}
	}
	s, ok := r.states[id]
	if !ok {
		return ErrWriteConflict
	}
	if s.ConflictsWithReopening() {
		return ErrWriteConflict
	}
	if s.IsSet(FlagCleared) {
		r.states[id] = s.UnsetFlag(FlagCleared)
	}
	return nil
}

// GetState returns the raw state entry for a bucket without reconciling
// pending clears.
func (r *Registry) GetState(id bucketid.BucketID) (State, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	s, ok := r.states[id]
	return s, ok
}

// GetTrackedState returns a live bucket's state after applying any clear
// operations recorded since the bucket was last checked, and advances the
// bucket to the current era.
func (r *Registry) GetTrackedState(t *Tracked) (State, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.reconcileClears(t)
	s, ok := r.states[t.ID]
	return s, ok
}

// ChangeTrackedState reconciles pending clears for a live bucket and then
// applies fn to its state under the registry lock.
func (r *Registry) ChangeTrackedState(t *Tracked, fn ChangeStateFn) (State, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.reconcileClears(t)
	return r.applyChange(t.ID, fn)
}

// ChangeState applies fn to a bucket's state under the registry lock, without
// clear reconciliation. Used for buckets with no live handle.
func (r *Registry) ChangeState(id bucketid.BucketID, fn ChangeStateFn) (State, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.applyChange(id, fn)
}

func (r *Registry) applyChange(id bucketid.BucketID, fn ChangeStateFn) (State, bool) {
	current, exists := r.states[id]
	next, keep := fn(current, exists)
	if !keep {
		delete(r.states, id)
		return State{}, false
	}
	r.states[id] = next
	return next, true
}

// DirectWriteStart marks the start of a direct write on a bucket. It fails
// with ErrWriteConflict if a batch is prepared on the bucket. Starting a
// direct write on an unmanaged bucket leaves an untracked entry behind until
// the write finishes.
func (r *Registry) DirectWriteStart(id bucketid.BucketID) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	s, ok := r.states[id]
	if s.IsPrepared() {
		return ErrWriteConflict
	}
	r.era++
	if !ok {
		s = s.SetFlag(FlagUntracked)
	}
	s = s.SetFlag(FlagPendingDirectWrite).addDirectWrite()
	r.states[id] = s
	return nil
}

// DirectWriteFinish marks the end of a direct write. When the last
// outstanding direct write finishes, an untracked entry is dropped and a
// tracked bucket is left cleared so stale in-memory copies cannot be
// committed.
func (r *Registry) DirectWriteFinish(id bucketid.BucketID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	s, ok := r.states[id]
	if !ok || s.NumberOfDirectWrites() == 0 {
		panic(fmt.Sprintf("direct write finish without matching start on bucket %s", id.OID))
	}
	r.era++
	s = s.removeDirectWrite()
	if s.NumberOfDirectWrites() > 0 {
		r.states[id] = s
		return
	}
	if s.IsSet(FlagUntracked) {
		delete(r.states, id)
		return
	}
	r.states[id] = s.UnsetFlag(FlagPendingDirectWrite).SetFlag(FlagCleared)
}

// ClearBucketByID clears a single bucket, advancing the era twice, once for
// each half of the underlying direct write pair.
func (r *Registry) ClearBucketByID(id bucketid.BucketID) error {
	if err := r.DirectWriteStart(id); err != nil {
		return err
	}
	r.DirectWriteFinish(id)
	return nil
}

// Stats returns a diagnostic snapshot.
func (r *Registry) Stats() StatsSnapshot {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return StatsSnapshot{
		BucketsManaged:          len(r.states),
		CurrentEra:              r.era,
		ErasWithRemainingBucket: len(r.eraCounts),
		TrackedClearOperations:  len(r.clearOps),
	}
}

// reconcileClears applies clear operations newer than the bucket's last
// checked era and moves the bucket's live count to the current era. Caller
// holds the lock.
func (r *Registry) reconcileClears(t *Tracked) {
	if t.lastChecked == r.era {
		return
	}
	i := sort.Search(len(r.clearOps), func(i int) bool {
		return r.clearOps[i].era > t.lastChecked
	})
	for ; i < len(r.clearOps); i++ {
		if r.clearOps[i].shouldClear(t.ID) {
			if s, ok := r.states[t.ID]; ok {
				r.states[t.ID] = s.SetFlag(FlagCleared)
			}
		}
	}
	r.decrementEraCount(t.lastChecked)
	r.eraCounts[r.era]++
	t.lastChecked = r.era
}

// decrementEraCount drops a live bucket from an era's count and garbage
// collects clear operations no live bucket can still need. Caller holds the
// lock.
func (r *Registry) decrementEraCount(era uint64) {
	count, ok := r.eraCounts[era]
	if !ok {
		panic(fmt.Sprintf("era %d has no tracked buckets", era))
	}
	if count > 1 {
		r.eraCounts[era] = count - 1
		return
	}
	delete(r.eraCounts, era)

	if len(r.eraCounts) == 0 {
		r.clearOps = nil
		return
	}
	minEra := uint64(0)
	first := true
	for e := range r.eraCounts {
		if first || e < minEra {
			minEra = e
			first = false
		}
	}
	i := sort.Search(len(r.clearOps), func(i int) bool {
		return r.clearOps[i].era > minEra
	})
	if i > 0 {
		r.clearOps = append(r.clearOps[:0], r.clearOps[i:]...)
	}
}
