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

// Package bucketid defines bucket identifiers: the 12-byte time-prefixed OID
// assigned to each bucket, and the namespace/metadata key buckets coalesce
// under.
package bucketid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// OID is a 12-byte bucket identifier. The first four bytes are the bucket's
// rounded minimum time in big-endian seconds, so identifiers sort by bucket
// time window; the next five are per-process random instance bytes and the
// last three a process-wide counter.
type OID [12]byte

var (
	oidInstance [5]byte
	oidCounter  atomic.Uint32
)

func init() {
	if _, err := rand.Read(oidInstance[:]); err != nil {
		panic(err)
	}
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	oidCounter.Store(binary.BigEndian.Uint32(seed[:]) & 0xffffff)
}

// GenerateOID returns a new identifier whose timestamp is the rounded bucket
// minimum time. The difference between the measurement time and the rounded
// time is folded into the instance bytes so that two buckets for the same
// rounded window still differ even if the counter wraps.
func GenerateOID(t, rounded time.Time) OID {
	var id OID
	binary.BigEndian.PutUint32(id[0:4], uint32(rounded.Unix()))

	delta := uint64(t.Unix() - rounded.Unix())
	var instance uint64
	for _, b := range oidInstance {
		instance = instance<<8 | uint64(b)
	}
	instance += delta
	for i := 8; i >= 4; i-- {
		id[i] = byte(instance)
		instance >>= 8
	}

	count := oidCounter.Inc() & 0xffffff
	id[9] = byte(count >> 16)
	id[10] = byte(count >> 8)
	id[11] = byte(count)
	return id
}

// Timestamp returns the rounded bucket minimum time embedded in the
// identifier.
func (id OID) Timestamp() time.Time {
	secs := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(secs), 0).UTC()
}

// String returns the identifier as lowercase hex.
func (id OID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseOID parses a lowercase hex identifier.
func ParseOID(s string) (OID, error) {
	var id OID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "parse oid")
	}
	if len(b) != len(id) {
		return id, errors.Errorf("parse oid: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
