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
	"sync"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
	"github.com/m3db/bucketcatalog/src/catalog/bucketstate"
)

// ClosedBucket is the hand-off record for a bucket leaving the catalog
// towards compression. While it is alive the bucket's state is
// PendingCompression, blocking insertion and reopening; Done (or Compress)
// releases the state entirely.
type ClosedBucket struct {
	ID bucketid.BucketID

	// EligibleForReopening is true for soft closures: the stored bucket
	// may legitimately be reopened later.
	EligibleForReopening bool

	registry   *bucketstate.Registry
	compressor Compressor
	doneOnce   sync.Once
}

// newClosedBucket transitions the bucket to PendingCompression. A bucket with
// a prepared batch must never reach this point.
func newClosedBucket(
	registry *bucketstate.Registry,
	compressor Compressor,
	id bucketid.BucketID,
	eligibleForReopening bool,
) *ClosedBucket {
	registry.ChangeState(id, func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
		if current.IsPrepared() {
			panic(fmt.Sprintf("bucket %s closed for compression with a prepared batch", id.OID))
		}
		return current.SetFlag(bucketstate.FlagPendingCompression), true
	})
	return &ClosedBucket{
		ID:                   id,
		EligibleForReopening: eligibleForReopening,
		registry:             registry,
		compressor:           compressor,
	}
}

// Compress runs the catalog's compressor over the final bucket document and
// marks the compression hand-off complete. ok is false when the document did
// not shrink and should be stored as-is.
func (c *ClosedBucket) Compress(raw []byte) (compressed []byte, ok bool) {
	compressed, ok = c.compressor.Compress(raw)
	c.Done()
	return compressed, ok
}

// Done releases the bucket's state entry. Idempotent.
func (c *ClosedBucket) Done() {
	c.doneOnce.Do(func() {
		c.registry.ChangeState(c.ID, func(current bucketstate.State, exists bool) (bucketstate.State, bool) {
			return bucketstate.State{}, false
		})
	})
}
