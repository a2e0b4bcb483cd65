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

package bucketid

import (
	"github.com/cespare/xxhash/v2"

	"github.com/m3db/bucketcatalog/src/catalog/document"
)

// BucketID identifies a single bucket: its namespace plus its OID.
type BucketID struct {
	Namespace string
	OID       OID
}

// BucketKey identifies the logical series a bucket belongs to: its namespace
// plus its normalized metadata. All open and archived buckets for one series
// share one key.
type BucketKey struct {
	Namespace string
	Metadata  document.Metadata

	hash   uint64
	mapKey string
}

// NewBucketKey builds a key and precomputes its hash and canonical map form.
func NewBucketKey(namespace string, meta document.Metadata) BucketKey {
	canonical := make([]byte, 0, len(namespace)+16)
	canonical = append(canonical, namespace...)
	canonical = append(canonical, 0)
	canonical = meta.AppendCanonical(canonical)
	return BucketKey{
		Namespace: namespace,
		Metadata:  meta,
		hash:      xxhash.Sum64(canonical),
		mapKey:    string(canonical),
	}
}

// Hash returns the key's hash, used to route the key to a stripe.
func (k BucketKey) Hash() uint64 {
	return k.hash
}

// MapKey returns the canonical string form of the key. Two keys with equal
// namespace and metadata produce identical map keys.
func (k BucketKey) MapKey() string {
	return k.mapKey
}

// Equal reports whether two keys identify the same series.
func (k BucketKey) Equal(other BucketKey) bool {
	return k.mapKey == other.mapKey
}
