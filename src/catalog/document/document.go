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

package document

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Field is a single named value within a document. Field order is
// significant and preserved.
type Field struct {
	Name  string
	Value Value
}

// Document is an ordered sequence of fields.
type Document []Field

// F is shorthand for constructing a field.
func F(name string, value Value) Field {
	return Field{Name: name, Value: value}
}

// D is shorthand for constructing a document from fields.
func D(fields ...Field) Document {
	return Document(fields)
}

// Get returns the value of the named top-level field.
func (d Document) Get(name string) (Value, bool) {
	for _, f := range d {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Timestamp returns the named field as a timestamp, or false if the field is
// absent or not a timestamp.
func (d Document) Timestamp(name string) (Value, bool) {
	v, ok := d.Get(name)
	if !ok || v.Type != TypeTimestamp {
		return Value{}, false
	}
	return v, true
}

// Equal reports whether two documents compare equal field by field.
func (d Document) Equal(other Document) bool {
	return compareDocuments(d, other) == 0
}

// EncodedSize returns the deterministic byte-size estimate of the document.
func (d Document) EncodedSize() int {
	size := 5
	for _, f := range d {
		size += len(f.Name) + 2 + f.Value.EncodedSize()
	}
	return size
}

// Normalize returns a copy with fields sorted by name at every nesting level.
// The input document is not modified.
func (d Document) Normalize() Document {
	out := make(Document, len(d))
	for i, f := range d {
		out[i] = Field{Name: f.Name, Value: f.Value.Normalize()}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// AppendCanonical appends a canonical byte encoding of the document.
func (d Document) AppendCanonical(buf []byte) []byte {
	for _, f := range d {
		buf = append(buf, f.Name...)
		buf = append(buf, 0)
		buf = f.Value.AppendCanonical(buf)
	}
	return buf
}

// Metadata is the normalized metadata value a bucket coalesces on. Two
// measurements with the same metadata up to field reordering map to equal
// Metadata values.
type Metadata struct {
	// Field is the metadata field name, empty when the series has no
	// metadata field configured.
	Field string
	// Value is the normalized metadata value. Null when the measurement
	// omitted the field.
	Value Value
}

// NewMetadata normalizes a raw metadata value under the given field name.
func NewMetadata(field string, value Value) Metadata {
	return Metadata{Field: field, Value: value.Normalize()}
}

// Equal reports whether two metadata values are equal.
func (m Metadata) Equal(other Metadata) bool {
	return m.Field == other.Field && m.Value.Equal(other.Value)
}

// Hash returns a stable hash of the metadata.
func (m Metadata) Hash() uint64 {
	return xxhash.Sum64(m.AppendCanonical(nil))
}

// AppendCanonical appends a canonical byte encoding of the metadata.
func (m Metadata) AppendCanonical(buf []byte) []byte {
	buf = append(buf, m.Field...)
	buf = append(buf, 0)
	return m.Value.AppendCanonical(buf)
}

// Element returns the metadata as a document field, or an empty document if
// no metadata field is configured.
func (m Metadata) Element() Document {
	if m.Field == "" {
		return nil
	}
	return Document{{Name: m.Field, Value: m.Value}}
}
