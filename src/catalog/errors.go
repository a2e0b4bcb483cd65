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
	"fmt"

	"github.com/m3db/bucketcatalog/src/catalog/bucketid"
	"github.com/m3db/bucketcatalog/src/catalog/bucketstate"
)

var (
	// ErrWriteConflict is returned when a reopening or state transition
	// targets a bucket whose era or state is stale. Retrying the insert
	// from scratch recovers.
	ErrWriteConflict = bucketstate.ErrWriteConflict

	// ErrBadBucketDocument is returned when an on-disk reopening
	// candidate cannot be parsed or fails validation. The catalog falls
	// back to allocating a fresh bucket.
	ErrBadBucketDocument = errors.New("malformed bucket document")

	// ErrCatalogClosed is delivered to batches outstanding when the
	// catalog shuts down.
	ErrCatalogClosed = errors.New("bucket catalog closed")
)

// BucketClearedError reports that the bucket backing an in-flight batch was
// invalidated by a concurrent clear or direct write. It is delivered through
// the batch's result and is not retried internally.
type BucketClearedError struct {
	ID bucketid.BucketID
}

func (e BucketClearedError) Error() string {
	return fmt.Sprintf("bucket %s for namespace %s was cleared", e.ID.OID, e.ID.Namespace)
}

// IsBucketCleared reports whether err is a BucketClearedError.
func IsBucketCleared(err error) bool {
	var cleared BucketClearedError
	return errors.As(err, &cleared)
}
