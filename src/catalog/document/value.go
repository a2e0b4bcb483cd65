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

// Package document implements the ordered field-name/value document model the
// bucket catalog accumulates, along with the schema and min/max summaries
// tracked per bucket.
package document

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"
)

// Type enumerates the value types a measurement field may carry. The order of
// the constants is the canonical sort order used when comparing values of
// different types.
type Type uint8

// Available value types.
const (
	TypeNull Type = iota
	TypeNumber
	TypeString
	TypeObject
	TypeArray
	TypeBool
	TypeTimestamp
)

// String returns the name of the type.
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	}
	return "unknown"
}

// Value is a single measurement field value.
type Value struct {
	Type Type
	Num  float64
	Str  string
	Bool bool
	Time time.Time
	Doc  Document
	Arr  []Value
}

// Null returns the null value.
func Null() Value { return Value{Type: TypeNull} }

// Number returns a numeric value.
func Number(v float64) Value { return Value{Type: TypeNumber, Num: v} }

// String returns a string value.
func String(v string) Value { return Value{Type: TypeString, Str: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{Type: TypeBool, Bool: v} }

// Timestamp returns a timestamp value.
func Timestamp(v time.Time) Value { return Value{Type: TypeTimestamp, Time: v.UTC()} }

// Object returns an embedded document value.
func Object(v Document) Value { return Value{Type: TypeObject, Doc: v} }

// Array returns an array value.
func Array(v ...Value) Value { return Value{Type: TypeArray, Arr: v} }

// Compare orders two values: first by canonical type order, then by value.
// Objects compare field-by-field in stored order, arrays element-by-element.
func Compare(a, b Value) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	switch a.Type {
	case TypeNull:
		return 0
	case TypeNumber:
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	case TypeString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		}
		return 0
	case TypeBool:
		switch {
		case !a.Bool && b.Bool:
			return -1
		case a.Bool && !b.Bool:
			return 1
		}
		return 0
	case TypeTimestamp:
		switch {
		case a.Time.Before(b.Time):
			return -1
		case a.Time.After(b.Time):
			return 1
		}
		return 0
	case TypeObject:
		return compareDocuments(a.Doc, b.Doc)
	case TypeArray:
		n := len(a.Arr)
		if len(b.Arr) < n {
			n = len(b.Arr)
		}
		for i := 0; i < n; i++ {
			if c := Compare(a.Arr[i], b.Arr[i]); c != 0 {
				return c
			}
		}
		return len(a.Arr) - len(b.Arr)
	}
	return 0
}

func compareDocuments(a, b Document) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i].Name < b[i].Name:
			return -1
		case a[i].Name > b[i].Name:
			return 1
		}
		if c := Compare(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// Equal reports whether two values compare equal.
func (v Value) Equal(other Value) bool {
	return Compare(v, other) == 0
}

// EncodedSize returns the deterministic byte-size estimate of the value as it
// would appear in a bucket document. The estimate only needs to be stable and
// additive; it deliberately mirrors a flat binary encoding rather than JSON.
func (v Value) EncodedSize() int {
	switch v.Type {
	case TypeNull:
		return 1
	case TypeNumber, TypeTimestamp:
		return 8
	case TypeBool:
		return 1
	case TypeString:
		return len(v.Str) + 5
	case TypeObject:
		return v.Doc.EncodedSize()
	case TypeArray:
		size := 5
		for i, elem := range v.Arr {
			size += len(strconv.Itoa(i)) + 2 + elem.EncodedSize()
		}
		return size
	}
	return 0
}

// Normalize returns a copy of the value with all embedded document fields
// sorted by name, recursively. Used to derive a canonical form for bucket
// metadata so that field order does not split buckets.
func (v Value) Normalize() Value {
	switch v.Type {
	case TypeObject:
		v.Doc = v.Doc.Normalize()
	case TypeArray:
		arr := make([]Value, len(v.Arr))
		for i, elem := range v.Arr {
			arr[i] = elem.Normalize()
		}
		v.Arr = arr
	}
	return v
}

// AppendCanonical appends a canonical byte encoding of the value, suitable
// for hashing. Two equal values always produce identical bytes.
func (v Value) AppendCanonical(buf []byte) []byte {
	buf = append(buf, byte(v.Type))
	switch v.Type {
	case TypeNumber:
		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], math.Float64bits(v.Num))
		buf = append(buf, scratch[:]...)
	case TypeString:
		buf = append(buf, v.Str...)
		buf = append(buf, 0)
	case TypeBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case TypeTimestamp:
		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], uint64(v.Time.UnixNano()))
		buf = append(buf, scratch[:]...)
	case TypeObject:
		for _, f := range v.Doc {
			buf = append(buf, f.Name...)
			buf = append(buf, 0)
			buf = f.Value.AppendCanonical(buf)
		}
		buf = append(buf, 0xff)
	case TypeArray:
		for _, elem := range v.Arr {
			buf = elem.AppendCanonical(buf)
		}
		buf = append(buf, 0xff)
	}
	return buf
}
