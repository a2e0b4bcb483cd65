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
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Timestamps cross the storage boundary as extended JSON objects of the form
// {"$date": "2006-01-02T15:04:05.999999999Z"} so they survive a round trip
// through a codec that has no native time type.
const dateKey = "$date"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalDocument encodes a document as JSON, preserving field order.
func MarshalDocument(doc Document) ([]byte, error) {
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)
	writeDocument(stream, doc)
	if stream.Error != nil {
		return nil, errors.Wrap(stream.Error, "marshal document")
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

// ParseDocument decodes a JSON object into a document, preserving field
// order.
func ParseDocument(data []byte) (Document, error) {
	iter := jsonAPI.BorrowIterator(data)
	defer jsonAPI.ReturnIterator(iter)
	v := readValue(iter)
	if iter.Error != nil {
		return nil, errors.Wrap(iter.Error, "parse document")
	}
	if v.Type != TypeObject {
		return nil, errors.Errorf("parse document: expected object, got %s", v.Type)
	}
	return v.Doc, nil
}

func writeDocument(stream *jsoniter.Stream, doc Document) {
	stream.WriteObjectStart()
	for i, f := range doc {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(f.Name)
		writeValue(stream, f.Value)
	}
	stream.WriteObjectEnd()
}

func writeValue(stream *jsoniter.Stream, v Value) {
	switch v.Type {
	case TypeNull:
		stream.WriteNil()
	case TypeNumber:
		stream.WriteFloat64Lossy(v.Num)
	case TypeString:
		stream.WriteString(v.Str)
	case TypeBool:
		stream.WriteBool(v.Bool)
	case TypeTimestamp:
		stream.WriteObjectStart()
		stream.WriteObjectField(dateKey)
		stream.WriteString(v.Time.UTC().Format(time.RFC3339Nano))
		stream.WriteObjectEnd()
	case TypeObject:
		writeDocument(stream, v.Doc)
	case TypeArray:
		stream.WriteArrayStart()
		for i, elem := range v.Arr {
			if i > 0 {
				stream.WriteMore()
			}
			writeValue(stream, elem)
		}
		stream.WriteArrayEnd()
	}
}

func readValue(iter *jsoniter.Iterator) Value {
	switch iter.WhatIsNext() {
	case jsoniter.NilValue:
		iter.ReadNil()
		return Null()
	case jsoniter.BoolValue:
		return Bool(iter.ReadBool())
	case jsoniter.NumberValue:
		return Number(iter.ReadFloat64())
	case jsoniter.StringValue:
		return String(iter.ReadString())
	case jsoniter.ArrayValue:
		var arr []Value
		for iter.ReadArray() {
			arr = append(arr, readValue(iter))
		}
		return Array(arr...)
	case jsoniter.ObjectValue:
		var doc Document
		for name := iter.ReadObject(); name != ""; name = iter.ReadObject() {
			doc = append(doc, Field{Name: name, Value: readValue(iter)})
		}
		if ts, ok := asTimestamp(doc); ok {
			return ts
		}
		return Object(doc)
	}
	iter.ReportError("readValue", "unexpected JSON token")
	return Value{}
}

func asTimestamp(doc Document) (Value, bool) {
	if len(doc) != 1 || doc[0].Name != dateKey || doc[0].Value.Type != TypeString {
		return Value{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, doc[0].Value.Str)
	if err != nil {
		return Value{}, false
	}
	return Timestamp(t), true
}
