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
	"sync"

	"go.uber.org/atomic"

	"github.com/m3db/bucketcatalog/src/catalog/document"
)

// WriteBatch is one writer's claimed, ordered slice of measurements destined
// for a single bucket commit. Measurements accumulate until the writer claims
// commit rights; PrepareCommit then freezes the batch and computes the
// min/max deltas; Finish or Abort settles the result exactly once.
//
// Only the fields behind the stripe lock are mutated after creation; the
// result channel and the commit-rights flag are safe from any goroutine.
type WriteBatch struct {
	handle BucketHandle
	opID   OperationID
	stats  statsHolder

	// Guarded by the owning stripe's lock.
	measurements           []document.Document
	min                    document.Document
	max                    document.Document
	newFieldNames          []string
	numPreviouslyCommitted int

	commitRights atomic.Bool

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func newWriteBatch(handle BucketHandle, opID OperationID, stats statsHolder) *WriteBatch {
	return &WriteBatch{
		handle: handle,
		opID:   opID,
		stats:  stats,
		done:   make(chan struct{}),
	}
}

// Bucket returns the handle of the bucket the batch commits into.
func (b *WriteBatch) Bucket() BucketHandle {
	return b.handle
}

// OperationID returns the logical writer the batch belongs to.
func (b *WriteBatch) OperationID() OperationID {
	return b.opID
}

// ClaimCommitRights makes the caller the batch's committer. Exactly one
// caller wins; everyone else must leave commit and abort to the winner.
func (b *WriteBatch) ClaimCommitRights() bool {
	return !b.commitRights.Swap(true)
}

// Finished reports whether the batch has settled.
func (b *WriteBatch) Finished() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// GetResult blocks until the batch settles and returns its terminal status:
// nil on commit, the abort cause otherwise.
func (b *WriteBatch) GetResult() error {
	if !b.Finished() {
		b.stats.incWaits()
	}
	<-b.done
	return b.err
}

// finishWith settles the batch. Settling twice is a no-op; the first caller
// wins.
func (b *WriteBatch) finishWith(err error) {
	b.doneOnce.Do(func() {
		b.err = err
		close(b.done)
	})
}

// Measurements returns the batch's measurements in arrival order. Valid to
// read after PrepareCommit succeeds.
func (b *WriteBatch) Measurements() []document.Document {
	return b.measurements
}

// Min returns the control-min document computed at prepare: the full minimum
// for the bucket's first commit, only the changed fields afterwards.
func (b *WriteBatch) Min() document.Document {
	return b.min
}

// Max returns the control-max document computed at prepare.
func (b *WriteBatch) Max() document.Document {
	return b.max
}

// NewFieldNames returns the data fields this batch introduces to the bucket,
// computed at prepare.
func (b *WriteBatch) NewFieldNames() []string {
	return b.newFieldNames
}

// NumPreviouslyCommitted returns how many measurements were already durably
// committed to the bucket before this batch, computed at prepare. Zero means
// the caller performs a storage insert rather than an update.
func (b *WriteBatch) NumPreviouslyCommitted() int {
	return b.numPreviouslyCommitted
}
