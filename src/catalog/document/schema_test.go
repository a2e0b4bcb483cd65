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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaGrowsThenSettles(t *testing.T) {
	s := NewSchema()
	assert.Equal(t, Updated, s.Update(D(F("a", Number(1)))))
	assert.Equal(t, UpdateNoChange, s.Update(D(F("a", Number(2)))))
	assert.Equal(t, Updated, s.Update(D(F("a", Number(3)), F("b", String("x")))))
	assert.Equal(t, UpdateNoChange, s.Update(D(F("b", String("y")))))
}

func TestSchemaTypeConflict(t *testing.T) {
	s := NewSchema()
	assert.Equal(t, Updated, s.Update(D(F("a", Number(1)))))
	assert.Equal(t, UpdateFailed, s.Update(D(F("a", String("oops")))))

	// The conflicting field is still a number afterwards.
	assert.Equal(t, UpdateNoChange, s.Update(D(F("a", Number(2)))))
}

func TestSchemaNestedObjects(t *testing.T) {
	s := NewSchema()
	assert.Equal(t, Updated, s.Update(D(F("o", Object(D(F("x", Number(1))))))))
	assert.Equal(t, UpdateNoChange, s.Update(D(F("o", Object(D(F("x", Number(2))))))))
	assert.Equal(t, Updated, s.Update(D(F("o", Object(D(F("y", Bool(true))))))))
	assert.Equal(t, UpdateFailed, s.Update(D(F("o", Object(D(F("x", Bool(false))))))))
}

func TestSchemaArraysTrackedPositionally(t *testing.T) {
	s := NewSchema()
	assert.Equal(t, Updated, s.Update(D(F("arr", Array(Number(1), String("a"))))))
	assert.Equal(t, UpdateNoChange, s.Update(D(F("arr", Array(Number(2), String("b"))))))
	assert.Equal(t, Updated, s.Update(D(F("arr", Array(Number(3), String("c"), Bool(true))))))
	assert.Equal(t, UpdateFailed, s.Update(D(F("arr", Array(String("wrong"))))))
}

func TestSchemaSkipsNamedFields(t *testing.T) {
	s := NewSchema()
	assert.Equal(t, Updated, s.Update(D(F("t", Timestamp(testTime())), F("v", Number(1))), "t"))

	// The skipped field never constrains later measurements.
	assert.Equal(t, UpdateNoChange, s.Update(D(F("t", Number(999)), F("v", Number(2))), "t"))
}

func TestSchemaFailureLeavesNoPartialState(t *testing.T) {
	s := NewSchema()
	assert.Equal(t, Updated, s.Update(D(F("a", Number(1)))))

	// The failing measurement also carries a new field; the failure must
	// keep the new field out of the schema.
	assert.Equal(t, UpdateFailed, s.Update(D(F("fresh", Bool(true)), F("a", String("bad")))))
	assert.Equal(t, Updated, s.Update(D(F("fresh", Bool(true)))))
}
